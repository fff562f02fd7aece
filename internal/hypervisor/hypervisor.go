package hypervisor

import "context"

// Spec describes the desired container configuration passed to the
// hypervisor. Ports are the allocated public/internal pair; ServicePorts
// maps service names to the ports the application listens on inside the
// container.
type Spec struct {
	Hostname     string
	Image        string
	Cores        int
	MemoryMB     int
	DiskGB       int
	Env          map[string]string
	Mounts       map[string]string
	ServicePorts map[string]int
	PublicPort   int
	InternalPort int
	Node         string
	Unprivileged bool
}

// Handle identifies a container on a hypervisor node.
type Handle struct {
	Node        string
	ContainerID string
}

// State is the hypervisor-reported container state.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateAbsent  State = "absent"
	StateUnknown State = "unknown"
)

// Client is the contract every hypervisor adapter implements.
//
// Implementations classify every failure as transient or permanent via
// this package's Error type; the orchestrator's retry policy depends on
// that classification. Every call applies its own timeout internally.
type Client interface {
	// CreateContainer provisions a container for the spec and returns its handle.
	CreateContainer(ctx context.Context, spec Spec) (Handle, error)

	// StartContainer starts an existing container.
	StartContainer(ctx context.Context, h Handle) error

	// StopContainer stops a running container. When graceful is true the
	// container gets a shutdown signal and a grace period; otherwise it is
	// killed immediately.
	StopContainer(ctx context.Context, h Handle, graceful bool) error

	// DeleteContainer removes a container. Deleting an absent container is
	// success, not failure.
	DeleteContainer(ctx context.Context, h Handle, force bool) error

	// Status reports the current container state. An absent container
	// yields StateAbsent, not an error.
	Status(ctx context.Context, h Handle) (State, error)

	// Config reads the container's current configuration.
	Config(ctx context.Context, h Handle) (Spec, error)

	// UpdateConfig applies a new configuration to an existing container.
	UpdateConfig(ctx context.Context, h Handle, spec Spec) error
}
