package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/harborline/stevedore/internal/hypervisor"
)

const stopGraceSeconds = 10

// Adapter implements the hypervisor client against a local Docker
// daemon. It exists for single-host setups and development; the handle
// node is always the static "docker" pseudo-node.
type Adapter struct {
	cli         dockerAPI
	callTimeout time.Duration
}

// dockerAPI is the slice of the Docker SDK the adapter needs.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

var _ hypervisor.Client = (*Adapter)(nil)

// NewAdapter connects to the daemon from the environment.
func NewAdapter(callTimeout time.Duration) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, callTimeout: callTimeout}, nil
}

// CreateContainer pulls the image and creates the container with the
// allocated ports bound to the service ports.
func (a *Adapter) CreateContainer(ctx context.Context, spec hypervisor.Spec) (hypervisor.Handle, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	reader, err := a.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		return hypervisor.Handle{}, classify("pull", err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	exposed, bindings := portBindings(spec)
	config := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        bindList(spec.Mounts),
		Resources: container.Resources{
			NanoCPUs: int64(spec.Cores) * 1e9,
			Memory:   int64(spec.MemoryMB) << 20,
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Hostname)
	if err != nil {
		return hypervisor.Handle{}, classify("create", err)
	}
	return hypervisor.Handle{Node: "docker", ContainerID: resp.ID}, nil
}

func (a *Adapter) StartContainer(ctx context.Context, h hypervisor.Handle) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return classify("start", a.cli.ContainerStart(ctx, h.ContainerID, container.StartOptions{}))
}

// StopContainer sends a graceful stop with a grace period, or kills the
// container outright.
func (a *Adapter) StopContainer(ctx context.Context, h hypervisor.Handle, graceful bool) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if !graceful {
		return classify("kill", a.cli.ContainerKill(ctx, h.ContainerID, "SIGKILL"))
	}
	grace := stopGraceSeconds
	return classify("stop", a.cli.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &grace}))
}

func (a *Adapter) DeleteContainer(ctx context.Context, h hypervisor.Handle, force bool) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return classify("delete", a.cli.ContainerRemove(ctx, h.ContainerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	}))
}

func (a *Adapter) Status(ctx context.Context, h hypervisor.Handle) (hypervisor.State, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	inspect, err := a.cli.ContainerInspect(ctx, h.ContainerID)
	if err != nil {
		cerr := classify("inspect", err)
		if hypervisor.IsNotFound(cerr) {
			return hypervisor.StateAbsent, nil
		}
		return hypervisor.StateUnknown, cerr
	}
	if inspect.State != nil && inspect.State.Running {
		return hypervisor.StateRunning, nil
	}
	return hypervisor.StateStopped, nil
}

func (a *Adapter) Config(ctx context.Context, h hypervisor.Handle) (hypervisor.Spec, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	inspect, err := a.cli.ContainerInspect(ctx, h.ContainerID)
	if err != nil {
		return hypervisor.Spec{}, classify("inspect", err)
	}
	spec := hypervisor.Spec{Node: "docker"}
	if inspect.Config != nil {
		spec.Hostname = inspect.Config.Hostname
		spec.Image = inspect.Config.Image
	}
	if inspect.HostConfig != nil {
		spec.Cores = int(inspect.HostConfig.NanoCPUs / 1e9)
		spec.MemoryMB = int(inspect.HostConfig.Memory >> 20)
	}
	return spec, nil
}

// UpdateConfig is not supported by the daemon for created containers
// beyond resources; resource changes require a recreate in this setup.
func (a *Adapter) UpdateConfig(ctx context.Context, h hypervisor.Handle, spec hypervisor.Spec) error {
	return hypervisor.Permanent("update_config", errors.New("docker driver requires recreate for config changes"))
}

func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.callTimeout)
}

// classify maps SDK failures to the adapter error model. Daemon
// connectivity problems and timeouts are transient; a missing container
// is ErrNotFound; the rest (bad image ref, conflicts) will not improve
// on retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w", op, hypervisor.ErrNotFound)
	}
	if client.IsErrConnectionFailed(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return hypervisor.Transient(op, err)
	}
	if errdefs.IsSystem(err) || errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) {
		return hypervisor.Transient(op, err)
	}
	return hypervisor.Permanent(op, err)
}

// envList flattens the env map into the daemon's K=V list, sorted for
// deterministic container config.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, len(keys))
	for i, k := range keys {
		list[i] = k + "=" + env[k]
	}
	return list
}

// bindList flattens the mounts map into host:container binds.
func bindList(mounts map[string]string) []string {
	if len(mounts) == 0 {
		return nil
	}
	hostPaths := make([]string, 0, len(mounts))
	for hostPath := range mounts {
		hostPaths = append(hostPaths, hostPath)
	}
	sort.Strings(hostPaths)
	binds := make([]string, len(hostPaths))
	for i, hostPath := range hostPaths {
		binds[i] = hostPath + ":" + mounts[hostPath]
	}
	return binds
}

// portBindings maps the allocated public port to the primary service
// port and the internal port to the secondary one. Services are ordered
// by name so the mapping is stable.
func portBindings(spec hypervisor.Spec) (nat.PortSet, nat.PortMap) {
	if len(spec.ServicePorts) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(spec.ServicePorts))
	for name := range spec.ServicePorts {
		names = append(names, name)
	}
	sort.Strings(names)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	bind := func(servicePort, hostPort int) {
		port, err := nat.NewPort("tcp", strconv.Itoa(servicePort))
		if err != nil {
			return
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(hostPort),
		})
	}

	bind(spec.ServicePorts[names[0]], spec.PublicPort)
	if len(names) > 1 {
		bind(spec.ServicePorts[names[1]], spec.InternalPort)
	}
	return exposed, bindings
}
