package registry

import "context"

// HostService is the name the privileged host registers under.
const HostService = "hostbridge"

// ServiceInstance describes where a bridge host can be reached.
type ServiceInstance struct {
	Addr    string // Socket path or host:port
	Network string // "unix" or "tcp"
	PID     int    // Host process, for diagnostics
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
