// bridgectl talks to a running bridge-host the way the sandboxed
// application does. It is handy for checking a host by hand and for
// scripting the settings file from outside the application.
//
//	bridgectl autostart enable|disable|status
//	bridgectl settings get [route]
//	bridgectl settings save <file|->
//	bridgectl --etcd <endpoints> hosts [--follow]
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/pretty"

	"hostbridge/client"
	"hostbridge/config"
	"hostbridge/registry"
	"hostbridge/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	var timeout time.Duration
	var follow bool
	flagSet := pflag.NewFlagSet("bridgectl", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Socket, "socket", "s", cfg.Socket, "host socket")
	flagSet.StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec: json or cbor")
	flagSet.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "discover the host through etcd instead of --socket")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "give up waiting for the host after this long")
	flagSet.BoolVar(&follow, "follow", false, "hosts: keep printing the list as it changes")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "debug logging")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 1 && args[0] == "hosts" {
		return runHosts(cfg, follow)
	}
	if len(args) < 2 {
		printUsage(flagSet)
		return fmt.Errorf("missing command")
	}

	codecType, err := cfg.CodecType()
	if err != nil {
		return err
	}

	logLevel := slog.LevelWarn
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := transport.Options{
		Codec:             codecType,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	}
	c, err := connect(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	switch args[0] {
	case "autostart":
		return runAutostart(ctx, c, args[1:])
	case "settings":
		return runSettings(ctx, c, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func connect(ctx context.Context, cfg config.ClientConfig, opts transport.Options) (*client.Client, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return client.Dial(ctx, "unix", cfg.Socket, opts)
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return client.Discover(ctx, reg, opts)
}

// runHosts lists the hosts registered in etcd.
func runHosts(cfg config.ClientConfig, follow bool) error {
	if len(cfg.EtcdEndpoints) == 0 {
		return fmt.Errorf("hosts needs --etcd")
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instances, err := reg.Discover(ctx, registry.HostService)
	if err != nil {
		return err
	}
	printHosts(instances)
	if !follow {
		return nil
	}
	for instances := range reg.Watch(ctx, registry.HostService) {
		fmt.Println("--")
		printHosts(instances)
	}
	return nil
}

func printHosts(instances []registry.ServiceInstance) {
	if len(instances) == 0 {
		fmt.Println("no hosts registered")
	}
	for _, instance := range instances {
		fmt.Printf("%s\t%s\tpid=%d\tprotocol=%s\n", instance.Network, instance.Addr, instance.PID, instance.Version)
	}
}

func runAutostart(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "enable":
		c.EnableAutostart()
	case "disable":
		c.DisableAutostart()
	case "status":
		enabled, err := c.AutostartStatus(ctx)
		if err != nil {
			return err
		}
		if enabled {
			fmt.Println("enabled")
		} else {
			fmt.Println("disabled")
		}
	default:
		return fmt.Errorf("unknown autostart command %q", args[0])
	}
	return nil
}

func runSettings(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "get":
		var route string
		if len(args) > 1 {
			route = args[1]
		}
		doc, err := c.UserSettings(ctx, route)
		if err != nil {
			return err
		}
		if doc == nil {
			fmt.Println("null")
			return nil
		}
		os.Stdout.Write(pretty.Pretty(doc))
		return nil
	case "save":
		if len(args) < 2 {
			return fmt.Errorf("settings save needs a file, or - for stdin")
		}
		doc, err := readDocument(args[1])
		if err != nil {
			return err
		}
		return c.SaveUserSettings(ctx, pretty.Ugly(doc))
	default:
		return fmt.Errorf("unknown settings command %q", args[0])
	}
}

func readDocument(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bridgectl - talk to a running bridge-host

USAGE
    bridgectl [flags] autostart enable|disable|status
    bridgectl [flags] settings get [route]
    bridgectl [flags] settings save <file|->
    bridgectl --etcd <endpoints> hosts [--follow]

Routes use dotted paths, e.g. appearance.theme.

FLAGS
%s`, flagSet.FlagUsages())
}
