package docker

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/hypervisor"
)

type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such container" }
func (notFoundErr) NotFound()     {}

// fakeDaemon records calls and simulates a single container.
type fakeDaemon struct {
	created     *container.Config
	hostConfig  *container.HostConfig
	pulledImage string
	running     bool
	exists      bool
	killed      bool
	stopGrace   *int
}

func (f *fakeDaemon) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulledImage = ref
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDaemon) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.created = config
	f.hostConfig = hostConfig
	f.exists = true
	return container.CreateResponse{ID: "abc123"}, nil
}

func (f *fakeDaemon) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	if !f.exists {
		return notFoundErr{}
	}
	f.running = true
	return nil
}

func (f *fakeDaemon) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	if !f.exists {
		return notFoundErr{}
	}
	f.stopGrace = opts.Timeout
	f.running = false
	return nil
}

func (f *fakeDaemon) ContainerKill(_ context.Context, _, _ string) error {
	if !f.exists {
		return notFoundErr{}
	}
	f.killed = true
	f.running = false
	return nil
}

func (f *fakeDaemon) ContainerRemove(_ context.Context, _ string, _ container.RemoveOptions) error {
	if !f.exists {
		return notFoundErr{}
	}
	f.exists = false
	return nil
}

func (f *fakeDaemon) ContainerInspect(_ context.Context, _ string) (types.ContainerJSON, error) {
	if !f.exists {
		return types.ContainerJSON{}, notFoundErr{}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State:      &types.ContainerState{Running: f.running},
			HostConfig: f.hostConfig,
		},
		Config: f.created,
	}, nil
}

func testAdapter(daemon *fakeDaemon) *Adapter {
	return &Adapter{cli: daemon, callTimeout: 5 * time.Second}
}

func TestCreateContainer(t *testing.T) {
	daemon := &fakeDaemon{}
	adapter := testAdapter(daemon)

	handle, err := adapter.CreateContainer(context.Background(), hypervisor.Spec{
		Hostname:     "web-1",
		Image:        "nginx:1.27",
		Cores:        2,
		MemoryMB:     1024,
		Env:          map[string]string{"TZ": "UTC", "MODE": "prod"},
		Mounts:       map[string]string{"/data/web-1": "/var/lib/app"},
		ServicePorts: map[string]int{"http": 80, "metrics": 9090},
		PublicPort:   8100,
		InternalPort: 9100,
	})
	require.NoError(t, err)
	assert.Equal(t, "docker", handle.Node)
	assert.Equal(t, "abc123", handle.ContainerID)
	assert.Equal(t, "nginx:1.27", daemon.pulledImage)

	require.NotNil(t, daemon.created)
	assert.Equal(t, []string{"MODE=prod", "TZ=UTC"}, daemon.created.Env)
	assert.Equal(t, []string{"/data/web-1:/var/lib/app"}, daemon.hostConfig.Binds)
	assert.Equal(t, int64(2e9), daemon.hostConfig.NanoCPUs)
	assert.Equal(t, int64(1024)<<20, daemon.hostConfig.Memory)

	// http sorts before metrics, so http gets the public port.
	httpPort := nat.Port("80/tcp")
	metricsPort := nat.Port("9090/tcp")
	assert.Equal(t, "8100", daemon.hostConfig.PortBindings[httpPort][0].HostPort)
	assert.Equal(t, "9100", daemon.hostConfig.PortBindings[metricsPort][0].HostPort)
}

func TestStopGraceful(t *testing.T) {
	daemon := &fakeDaemon{exists: true, running: true}
	adapter := testAdapter(daemon)
	handle := hypervisor.Handle{Node: "docker", ContainerID: "abc123"}

	require.NoError(t, adapter.StopContainer(context.Background(), handle, true))
	require.NotNil(t, daemon.stopGrace)
	assert.Equal(t, stopGraceSeconds, *daemon.stopGrace)
	assert.False(t, daemon.killed)

	daemon.running = true
	require.NoError(t, adapter.StopContainer(context.Background(), handle, false))
	assert.True(t, daemon.killed)
}

func TestStatus(t *testing.T) {
	daemon := &fakeDaemon{exists: true, running: true}
	adapter := testAdapter(daemon)
	handle := hypervisor.Handle{Node: "docker", ContainerID: "abc123"}

	state, err := adapter.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateRunning, state)

	daemon.running = false
	state, err = adapter.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateStopped, state)

	daemon.exists = false
	state, err = adapter.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateAbsent, state)
}

func TestMissingContainerMapsToNotFound(t *testing.T) {
	daemon := &fakeDaemon{}
	adapter := testAdapter(daemon)
	handle := hypervisor.Handle{Node: "docker", ContainerID: "gone"}

	err := adapter.StartContainer(context.Background(), handle)
	assert.True(t, hypervisor.IsNotFound(err))

	err = adapter.DeleteContainer(context.Background(), handle, true)
	assert.True(t, hypervisor.IsNotFound(err))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.True(t, hypervisor.IsNotFound(classify("op", notFoundErr{})))
	assert.True(t, hypervisor.IsTransient(classify("op", context.DeadlineExceeded)))
	assert.True(t, hypervisor.IsPermanent(classify("op", errdefs.InvalidParameter(assert.AnError))))
}
