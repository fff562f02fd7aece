package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/harborline/stevedore/internal/domain/deploylog"
	"github.com/harborline/stevedore/internal/domain/instance"
	"github.com/harborline/stevedore/internal/domain/ports"
	"github.com/harborline/stevedore/internal/hypervisor"
	"github.com/harborline/stevedore/internal/infrastructure/logging"
	"github.com/harborline/stevedore/internal/infrastructure/monitoring"
	"github.com/harborline/stevedore/internal/infrastructure/resilience"
	"github.com/harborline/stevedore/internal/queue"
)

// Step names recorded in the deployment log.
const (
	stepAllocatePorts   = "allocate_ports"
	stepCreateContainer = "create_container"
	stepStartContainer  = "start_container"
	stepStopContainer   = "stop_container"
	stepRestart         = "restart"
	stepDelete          = "delete_container"
	stepComplete        = "complete"
)

// Orchestrator drives instances through the lifecycle state machine. It
// is the only writer of instance status after enqueue and the only
// writer of the deployment log; per-instance task serialization means no
// concurrent writer ever exists for one instance.
type Orchestrator struct {
	instances *instance.Repository
	logs      *deploylog.Store
	allocator *ports.Allocator
	client    hypervisor.Client
	retry     resilience.RetryPolicy
	logger    *logging.Logger
	metrics   *monitoring.Metrics
}

// New creates an orchestrator.
func New(
	instances *instance.Repository,
	logs *deploylog.Store,
	allocator *ports.Allocator,
	client hypervisor.Client,
	retry resilience.RetryPolicy,
	logger *logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		instances: instances,
		logs:      logs,
		allocator: allocator,
		client:    client,
		retry:     retry,
		logger:    logger,
	}
}

// WithMetrics adds metrics tracking to the orchestrator.
func (o *Orchestrator) WithMetrics(metrics *monitoring.Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// Execute runs one claimed task. The operation set is closed and matched
// exhaustively; an unknown operation is a bug, not user input.
func (o *Orchestrator) Execute(ctx context.Context, task *queue.Task) error {
	inst, err := o.instances.Get(ctx, task.InstanceID)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) && task.Operation == queue.OpDelete {
			// Redelivered delete whose first run already removed the row.
			return nil
		}
		return err
	}

	var opErr error
	switch task.Operation {
	case queue.OpDeploy, queue.OpClone:
		opErr = o.deploy(ctx, inst)
	case queue.OpStart:
		opErr = o.start(ctx, inst)
	case queue.OpStop:
		opErr = o.stop(ctx, inst)
	case queue.OpRestart:
		opErr = o.restart(ctx, inst)
	case queue.OpDelete:
		opErr = o.delete(ctx, inst)
	default:
		opErr = fmt.Errorf("unknown operation %q", task.Operation)
	}

	if o.metrics != nil {
		status := "success"
		if opErr != nil {
			status = "failure"
		}
		o.metrics.RecordTask(string(task.Operation), status)
		o.refreshGauges(ctx)
	}
	return opErr
}

// deploy runs the full deployment sequence: allocate ports, create the
// container, start it, mark running. Clones and user-initiated retries
// from error take the same path; the pre-checks on allocated ports and
// the persisted container ref make a redelivered deploy resume instead
// of double-creating.
func (o *Orchestrator) deploy(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusDeploying {
		err := o.instances.Transition(ctx, inst.ID, instance.StatusDeploying,
			instance.StatusPending, instance.StatusCloning, instance.StatusStopped, instance.StatusError)
		if err != nil {
			return err
		}
	}

	// Step 1: allocate ports.
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepAllocatePorts, "Allocating ports"); err != nil {
		return err
	}
	pair, err := o.allocatePorts(ctx, inst)
	if err != nil {
		return o.failDeploy(ctx, inst, stepAllocatePorts,
			fmt.Sprintf("Port allocation failed: %v", err), err)
	}

	// Step 2: create the container (skipped when a previous delivery
	// already created it).
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepCreateContainer, "Creating container"); err != nil {
		return err
	}
	handle, err := o.ensureContainer(ctx, inst, pair)
	if err != nil {
		o.releasePorts(ctx, inst.ID)
		return o.failDeploy(ctx, inst, stepCreateContainer,
			fmt.Sprintf("Container creation failed: %v", err), err)
	}

	// Step 3: start the container.
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepStartContainer, "Starting container"); err != nil {
		return err
	}
	if err := o.ensureStarted(ctx, handle); err != nil {
		o.releasePorts(ctx, inst.ID)
		return o.failDeploy(ctx, inst, stepStartContainer,
			fmt.Sprintf("Container start failed: %v", err), err)
	}

	// Step 4: mark running.
	if err := o.instances.Transition(ctx, inst.ID, instance.StatusRunning, instance.StatusDeploying); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordDeploy("success")
	}
	o.logger.Info("Deployment complete",
		zap.String("instance_id", inst.ID),
		zap.String("hostname", inst.Hostname),
		zap.Int("public_port", pair.Public),
		zap.Int("internal_port", pair.Internal),
	)
	return o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepComplete, "Deployment complete")
}

// allocatePorts reserves a pair for the instance, reusing a pair a
// previous delivery already claimed.
func (o *Orchestrator) allocatePorts(ctx context.Context, inst *instance.Instance) (ports.Pair, error) {
	if inst.PublicPort != nil && inst.InternalPort != nil {
		return ports.Pair{Public: *inst.PublicPort, Internal: *inst.InternalPort}, nil
	}
	return o.allocator.AllocateFor(ctx, inst.ID)
}

// ensureContainer creates the container unless the instance already
// carries a container ref from a previous delivery.
func (o *Orchestrator) ensureContainer(ctx context.Context, inst *instance.Instance, pair ports.Pair) (hypervisor.Handle, error) {
	if inst.ContainerID != "" {
		return hypervisor.Handle{Node: inst.ContainerNode, ContainerID: inst.ContainerID}, nil
	}

	spec, err := o.buildSpec(inst, pair)
	if err != nil {
		return hypervisor.Handle{}, err
	}

	var handle hypervisor.Handle
	err = o.retry.Retry(ctx, hypervisor.IsTransient, func(ctx context.Context) error {
		return o.timedCall("create", func() error {
			var cerr error
			handle, cerr = o.client.CreateContainer(ctx, spec)
			return cerr
		})
	})
	if err != nil {
		// A half-created container would leak; delete is idempotent, so
		// this is safe even when creation never got that far.
		if handle.ContainerID != "" {
			if derr := o.client.DeleteContainer(ctx, handle, true); derr != nil && !hypervisor.IsNotFound(derr) {
				o.logger.Warn("Partial container cleanup failed",
					zap.String("instance_id", inst.ID), zap.Error(derr))
			}
		}
		return hypervisor.Handle{}, err
	}

	if err := o.instances.SetContainerRef(ctx, inst.ID, handle.Node, handle.ContainerID); err != nil {
		return hypervisor.Handle{}, err
	}
	inst.ContainerNode = handle.Node
	inst.ContainerID = handle.ContainerID
	return handle, nil
}

// ensureStarted starts the container unless it already runs.
func (o *Orchestrator) ensureStarted(ctx context.Context, handle hypervisor.Handle) error {
	state, err := o.client.Status(ctx, handle)
	if err == nil && state == hypervisor.StateRunning {
		return nil
	}
	return o.retry.Retry(ctx, hypervisor.IsTransient, func(ctx context.Context) error {
		return o.timedCall("start", func() error {
			return o.client.StartContainer(ctx, handle)
		})
	})
}

// start handles the start action on a stopped instance. The status
// pre-checks here and in stop/restart make a redelivered task resume
// after a worker crash instead of tripping its own guarded transition.
func (o *Orchestrator) start(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusDeploying {
		if err := o.instances.Transition(ctx, inst.ID, instance.StatusDeploying, instance.StatusStopped); err != nil {
			return err
		}
	}
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepStartContainer, "Starting container"); err != nil {
		return err
	}

	handle := handleOf(inst)
	if err := o.ensureStarted(ctx, handle); err != nil {
		return o.fail(ctx, inst, stepStartContainer,
			fmt.Sprintf("Container start failed: %v", err), err, instance.StatusDeploying)
	}

	if err := o.instances.Transition(ctx, inst.ID, instance.StatusRunning, instance.StatusDeploying); err != nil {
		return err
	}
	return o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepComplete, "Container started")
}

// stop handles the stop action on a running instance.
func (o *Orchestrator) stop(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusStopping {
		if err := o.instances.Transition(ctx, inst.ID, instance.StatusStopping, instance.StatusRunning); err != nil {
			return err
		}
	}
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepStopContainer, "Stopping container"); err != nil {
		return err
	}

	err := o.retry.Retry(ctx, hypervisor.IsTransient, func(ctx context.Context) error {
		return o.timedCall("stop", func() error {
			return o.client.StopContainer(ctx, handleOf(inst), true)
		})
	})
	// An absent container is already as stopped as it gets.
	if err != nil && !hypervisor.IsNotFound(err) {
		return o.fail(ctx, inst, stepStopContainer,
			fmt.Sprintf("Container stop failed: %v", err), err, instance.StatusStopping)
	}

	if err := o.instances.Transition(ctx, inst.ID, instance.StatusStopped, instance.StatusStopping); err != nil {
		return err
	}
	return o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepComplete, "Container stopped")
}

// restart is stop-then-start on the same instance. The intermediate
// restarting status is written first so observers can see it.
func (o *Orchestrator) restart(ctx context.Context, inst *instance.Instance) error {
	wasRunning := inst.Status == instance.StatusRunning

	if inst.Status != instance.StatusRestarting {
		err := o.instances.Transition(ctx, inst.ID, instance.StatusRestarting,
			instance.StatusRunning, instance.StatusStopped)
		if err != nil {
			return err
		}
	}
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepRestart, "Restarting container"); err != nil {
		return err
	}

	handle := handleOf(inst)
	if wasRunning {
		err := o.retry.Retry(ctx, hypervisor.IsTransient, func(ctx context.Context) error {
			return o.timedCall("stop", func() error {
				return o.client.StopContainer(ctx, handle, true)
			})
		})
		if err != nil && !hypervisor.IsNotFound(err) {
			return o.fail(ctx, inst, stepRestart,
				fmt.Sprintf("Restart failed during stop: %v", err), err, instance.StatusRestarting)
		}
	}

	if err := o.ensureStarted(ctx, handle); err != nil {
		return o.fail(ctx, inst, stepRestart,
			fmt.Sprintf("Restart failed during start: %v", err), err, instance.StatusRestarting)
	}

	if err := o.instances.Transition(ctx, inst.ID, instance.StatusRunning, instance.StatusRestarting); err != nil {
		return err
	}
	return o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepComplete, "Container restarted")
}

// delete removes the container, releases the ports, purges the log and
// removes the record, in that order. A permanent hypervisor failure
// leaves the instance in error with its ports still reserved: leaking an
// operator-visible error beats silently leaking ports.
func (o *Orchestrator) delete(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusDeleting {
		err := o.instances.Transition(ctx, inst.ID, instance.StatusDeleting,
			instance.StatusRunning, instance.StatusStopped, instance.StatusError)
		if err != nil {
			return err
		}
	}
	if err := o.logs.Append(ctx, inst.ID, deploylog.LevelInfo, stepDelete, "Deleting container"); err != nil {
		return err
	}

	if inst.ContainerID != "" {
		err := o.retry.Retry(ctx, hypervisor.IsTransient, func(ctx context.Context) error {
			return o.timedCall("delete", func() error {
				return o.client.DeleteContainer(ctx, handleOf(inst), true)
			})
		})
		// Deleting an already-absent container is success.
		if err != nil && !hypervisor.IsNotFound(err) {
			return o.fail(ctx, inst, stepDelete,
				fmt.Sprintf("Container delete failed: %v", err), err, instance.StatusDeleting)
		}
	}

	if err := o.allocator.ReleaseInstance(ctx, inst.ID); err != nil {
		return o.fail(ctx, inst, stepDelete,
			fmt.Sprintf("Port release failed: %v", err), err, instance.StatusDeleting)
	}
	if err := o.logs.Purge(ctx, inst.ID); err != nil {
		return err
	}
	if err := o.instances.Remove(ctx, inst.ID); err != nil {
		return err
	}

	o.logger.Info("Instance deleted",
		zap.String("instance_id", inst.ID),
		zap.String("hostname", inst.Hostname),
	)
	return nil
}

// failDeploy finalizes a failed deployment. Ports were already released
// by the caller on the branches that allocated them.
func (o *Orchestrator) failDeploy(ctx context.Context, inst *instance.Instance, step, message string, cause error) error {
	if o.metrics != nil {
		o.metrics.RecordDeploy("failure")
	}
	return o.fail(ctx, inst, step, message, cause, instance.StatusDeploying)
}

// fail writes the single error-level log entry for a terminal failure
// and moves the instance to error.
func (o *Orchestrator) fail(ctx context.Context, inst *instance.Instance, step, message string, cause error, from instance.Status) error {
	if lerr := o.logs.Append(ctx, inst.ID, deploylog.LevelError, step, message); lerr != nil {
		o.logger.Error("Failed to write error log entry",
			zap.String("instance_id", inst.ID), zap.Error(lerr))
	}
	if terr := o.instances.Transition(ctx, inst.ID, instance.StatusError, from); terr != nil {
		o.logger.Error("Failed to move instance to error",
			zap.String("instance_id", inst.ID), zap.Error(terr))
	}
	o.logger.Warn("Lifecycle operation failed",
		zap.String("instance_id", inst.ID),
		zap.String("step", step),
		zap.Error(cause),
	)
	return cause
}

// releasePorts clears the instance's allocation on a failure branch.
// Every path that allocated ports and did not reach running funnels
// through here.
func (o *Orchestrator) releasePorts(ctx context.Context, instanceID string) {
	if err := o.allocator.ReleaseInstance(ctx, instanceID); err != nil {
		o.logger.Error("Port release failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// buildSpec maps the instance's persisted configuration to the
// hypervisor container spec.
func (o *Orchestrator) buildSpec(inst *instance.Instance, pair ports.Pair) (hypervisor.Spec, error) {
	env, err := inst.EnvMap()
	if err != nil {
		return hypervisor.Spec{}, err
	}
	mounts, err := inst.VolumeMap()
	if err != nil {
		return hypervisor.Spec{}, err
	}
	svcPorts, err := inst.ServicePortMap()
	if err != nil {
		return hypervisor.Spec{}, err
	}

	node := ""
	if inst.NodeName != nil {
		node = *inst.NodeName
	}

	return hypervisor.Spec{
		Hostname:     inst.Hostname,
		Image:        inst.Image,
		Cores:        inst.Cores,
		MemoryMB:     inst.MemoryMB,
		DiskGB:       inst.DiskGB,
		Unprivileged: inst.Unprivileged,
		Env:          env,
		Mounts:       mounts,
		ServicePorts: svcPorts,
		PublicPort:   pair.Public,
		InternalPort: pair.Internal,
		Node:         node,
	}, nil
}

// handleOf builds the hypervisor handle from the persisted container ref.
func handleOf(inst *instance.Instance) hypervisor.Handle {
	return hypervisor.Handle{Node: inst.ContainerNode, ContainerID: inst.ContainerID}
}

// timedCall runs one hypervisor call and records its duration and
// outcome.
func (o *Orchestrator) timedCall(operation string, call func() error) error {
	if o.metrics == nil {
		return call()
	}
	timer := monitoring.NewTimer(o.metrics, operation)
	err := call()
	status := "success"
	if err != nil {
		status = "failure"
	}
	timer.Stop(status)
	return err
}

// refreshGauges recomputes the instance and port gauges after a task
// changed persistent state.
func (o *Orchestrator) refreshGauges(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if counts, err := o.instances.CountByStatus(ctx); err == nil {
		for _, status := range instance.Statuses() {
			o.metrics.SetInstances(string(status), int(counts[status]))
		}
	}
	if stats, err := o.allocator.Stats(ctx); err == nil {
		o.metrics.SetPortRange("public", stats.Public.Used, stats.Public.Available)
		o.metrics.SetPortRange("internal", stats.Internal.Used, stats.Internal.Available)
	}
}
