// bridge-host is the privileged side of the bridge. It owns the autostart
// entry and the user settings file, and answers the sandboxed application
// over a unix socket that only the current user can open.
//
// Configuration comes from HOSTBRIDGE_* environment variables; flags
// override them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"hostbridge/autostart"
	"hostbridge/config"
	"hostbridge/middleware"
	"hostbridge/registry"
	"hostbridge/server"
	"hostbridge/settings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadHost()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("bridge-host", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Socket, "socket", "s", cfg.Socket, "unix socket to listen on")
	flagSet.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "user settings file")
	flagSet.StringVar(&cfg.AutostartDir, "autostart-dir", cfg.AutostartDir, "directory holding autostart entries")
	flagSet.StringVar(&cfg.AppName, "app-name", cfg.AppName, "autostart entry name")
	flagSet.StringVar(&cfg.AppExec, "app-exec", cfg.AppExec, "command launched at login")
	flagSet.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "requests per second accepted from the client")
	flagSet.IntVar(&cfg.RateBurst, "burst", cfg.RateBurst, "request burst accepted from the client")
	flagSet.DurationVar(&cfg.HandlerTimeout, "handler-timeout", cfg.HandlerTimeout, "upper bound for one operation")
	flagSet.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints to register with (optional)")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "log every operation")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcdRegistry, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer etcdRegistry.Close()
		reg = etcdRegistry
	}

	svr := server.NewServer(logger)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	server.RegisterHost(svr,
		&autostart.XDGManager{
			Dir:     cfg.AutostartDir,
			Name:    cfg.AppName,
			Exec:    cfg.AppExec,
			Comment: "Start " + cfg.AppName + " at login",
		},
		settings.NewFileStore(cfg.SettingsPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svr.Serve("unix", cfg.Socket, "", reg)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.ShutdownGrace)
	if err := svr.Shutdown(cfg.ShutdownGrace); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	// Closing the listener also unlinks the socket file.
	return <-serveErr
}
