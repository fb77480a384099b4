// Package client is the bridge surface of the sandboxed process: one method
// per operation, with channel names and reply correlation hidden behind it.
//
// Fire-and-forget methods return nothing. The host never reports their
// outcome, so the caller cannot learn whether enabling autostart worked other
// than by asking for the status afterwards.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"hostbridge/channel"
	"hostbridge/registry"
	"hostbridge/transport"
)

// Settings is the user settings object. The bridge passes it through without
// looking inside.
type Settings = json.RawMessage

// ErrNoHost is returned by Discover when no host is registered.
var ErrNoHost = errors.New("no bridge host registered")

type Client struct {
	transport *transport.ClientTransport
	logger    *slog.Logger
}

// New wraps an established transport.
func New(t *transport.ClientTransport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: t, logger: logger}
}

// Dial connects to the host at network/address.
func Dial(ctx context.Context, network, address string, opts transport.Options) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to bridge host: %w", err)
	}
	t, err := transport.NewClientTransport(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return New(t, opts.Logger), nil
}

// Discover looks the host up in reg and dials the registered instances in
// order until one answers. A host that crashed leaves its entry behind until
// the lease runs out, so the first instance is not always alive.
func Discover(ctx context.Context, reg registry.Registry, opts transport.Options) (*Client, error) {
	instances, err := reg.Discover(ctx, registry.HostService)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, ErrNoHost
	}

	var errs []error
	for _, instance := range instances {
		network := instance.Network
		if network == "" {
			network = "unix"
		}
		c, err := Dial(ctx, network, instance.Addr, opts)
		if err == nil {
			return c, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// EnableAutostart asks the host to launch the application at login.
func (c *Client) EnableAutostart() {
	c.notify(channel.EnableAutostart)
}

// DisableAutostart asks the host to stop launching the application at login.
func (c *Client) DisableAutostart() {
	c.notify(channel.DisableAutostart)
}

// AutostartStatus reports whether the autostart entry is installed.
func (c *Client) AutostartStatus(ctx context.Context) (bool, error) {
	result, err := c.call(ctx, channel.GetAutostartStatus, nil)
	if err != nil {
		return false, err
	}
	return result != nil, nil
}

// UserSettings fetches the settings object. An empty route selects the whole
// document; otherwise only the value at route is returned (nil if absent).
func (c *Client) UserSettings(ctx context.Context, route string) (Settings, error) {
	var payload any
	if route != "" {
		payload = route
	}
	return c.call(ctx, channel.GetUserSettings, payload)
}

// SaveUserSettings replaces the stored settings object.
func (c *Client) SaveUserSettings(ctx context.Context, settings Settings) error {
	_, err := c.call(ctx, channel.SaveUserSettings, settings)
	return err
}

// Close drops the connection to the host. Calls still waiting fail with
// transport.ErrClosed.
func (c *Client) Close() error {
	return c.transport.Close()
}

// call runs one request-response operation. Host-reported failures come
// back as the *transport.HandlerError itself, never wrapped.
func (c *Client) call(ctx context.Context, name channel.Name, payload any) (json.RawMessage, error) {
	pending, err := c.transport.Request(name, payload)
	if err != nil {
		return nil, err
	}
	return c.transport.Wait(ctx, pending)
}

func (c *Client) notify(name channel.Name) {
	if err := c.transport.Notify(name, nil); err != nil {
		c.logger.Warn("bridge notify not delivered", "channel", name, "error", err)
	}
}
