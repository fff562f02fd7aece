package pve

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/harborline/stevedore/internal/hypervisor"
	"github.com/harborline/stevedore/internal/infrastructure/resilience"
)

const defaultPollInterval = time.Second

// Config holds the management API connection settings.
type Config struct {
	// Address is the API base URL, e.g. https://pve.example:8006.
	Address     string
	TokenID     string
	TokenSecret string
	// Node is the default placement node when the spec names none.
	Node         string
	InsecureTLS  bool
	CallTimeout  time.Duration
	PollInterval time.Duration
}

// Client talks to a Proxmox-VE-style LXC management API. Mutating calls
// return an async task id which the client polls to completion, all
// bounded by the per-call timeout.
type Client struct {
	http         *resty.Client
	breaker      *resilience.Breaker
	node         string
	callTimeout  time.Duration
	pollInterval time.Duration
}

var _ hypervisor.Client = (*Client)(nil)

// New creates a client for the given API endpoint.
func New(cfg Config) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	httpClient := resty.New().
		SetBaseURL(cfg.Address).
		SetHeader("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret)).
		SetTransport(retryClient.HTTPClient.Transport)
	httpClient.JSONMarshal = sonic.Marshal
	httpClient.JSONUnmarshal = sonic.Unmarshal
	if cfg.InsecureTLS {
		httpClient.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	breaker := resilience.New("pve", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Client{
		http:         httpClient,
		breaker:      breaker,
		node:         cfg.Node,
		callTimeout:  cfg.CallTimeout,
		pollInterval: pollInterval,
	}
}

// envelope is the standard /api2/json response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

type containerStatus struct {
	Status string `json:"status"`
}

// CreateContainer allocates the next free container id, submits the
// create task and waits for it to finish.
func (c *Client) CreateContainer(ctx context.Context, spec hypervisor.Spec) (hypervisor.Handle, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	node := spec.Node
	if node == "" {
		node = c.node
	}

	vmid, err := c.nextID(ctx)
	if err != nil {
		return hypervisor.Handle{}, err
	}
	handle := hypervisor.Handle{Node: node, ContainerID: vmid}

	upid, err := c.submit(ctx, "create", resty.MethodPost,
		fmt.Sprintf("/api2/json/nodes/%s/lxc", node), createBody(vmid, spec))
	if err != nil {
		return hypervisor.Handle{}, err
	}
	if err := c.waitTask(ctx, "create", node, upid); err != nil {
		// The vmid was consumed; return the handle so the caller can
		// clean up whatever the failed task left behind.
		return handle, err
	}
	return handle, nil
}

// StartContainer starts the container and waits for the task.
func (c *Client) StartContainer(ctx context.Context, h hypervisor.Handle) error {
	return c.lifecycleTask(ctx, "start", h,
		fmt.Sprintf("/api2/json/nodes/%s/lxc/%s/status/start", h.Node, h.ContainerID), nil)
}

// StopContainer stops the container. Graceful uses shutdown with the
// remaining call budget as grace period; otherwise the container is
// killed outright.
func (c *Client) StopContainer(ctx context.Context, h hypervisor.Handle, graceful bool) error {
	action := "stop"
	var body map[string]any
	if graceful {
		action = "shutdown"
		body = map[string]any{"forceStop": 1}
	}
	return c.lifecycleTask(ctx, action, h,
		fmt.Sprintf("/api2/json/nodes/%s/lxc/%s/status/%s", h.Node, h.ContainerID, action), body)
}

// DeleteContainer removes the container and its volumes.
func (c *Client) DeleteContainer(ctx context.Context, h hypervisor.Handle, force bool) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	path := fmt.Sprintf("/api2/json/nodes/%s/lxc/%s", h.Node, h.ContainerID)
	if force {
		path += "?force=1&purge=1"
	}
	upid, err := c.submit(ctx, "delete", resty.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return c.waitTask(ctx, "delete", h.Node, upid)
}

// Status reports the container state. An absent container yields
// StateAbsent without error.
func (c *Client) Status(ctx context.Context, h hypervisor.Handle) (hypervisor.State, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	var status containerStatus
	err := c.get(ctx, "status",
		fmt.Sprintf("/api2/json/nodes/%s/lxc/%s/status/current", h.Node, h.ContainerID), &status)
	if err != nil {
		if hypervisor.IsNotFound(err) {
			return hypervisor.StateAbsent, nil
		}
		return hypervisor.StateUnknown, err
	}

	switch status.Status {
	case "running":
		return hypervisor.StateRunning, nil
	case "stopped":
		return hypervisor.StateStopped, nil
	default:
		return hypervisor.StateUnknown, nil
	}
}

// Config reads the container configuration.
func (c *Client) Config(ctx context.Context, h hypervisor.Handle) (hypervisor.Spec, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	var raw struct {
		Hostname   string `json:"hostname"`
		OSTemplate string `json:"ostemplate"`
		Cores      int    `json:"cores"`
		Memory     int    `json:"memory"`
	}
	err := c.get(ctx, "config",
		fmt.Sprintf("/api2/json/nodes/%s/lxc/%s/config", h.Node, h.ContainerID), &raw)
	if err != nil {
		return hypervisor.Spec{}, err
	}
	return hypervisor.Spec{
		Hostname: raw.Hostname,
		Image:    raw.OSTemplate,
		Cores:    raw.Cores,
		MemoryMB: raw.Memory,
		Node:     h.Node,
	}, nil
}

// UpdateConfig applies resource changes to an existing container.
func (c *Client) UpdateConfig(ctx context.Context, h hypervisor.Handle, spec hypervisor.Spec) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	body := map[string]any{}
	if spec.Hostname != "" {
		body["hostname"] = spec.Hostname
	}
	if spec.Cores > 0 {
		body["cores"] = spec.Cores
	}
	if spec.MemoryMB > 0 {
		body["memory"] = spec.MemoryMB
	}

	resp, err := c.execute(ctx, resty.MethodPut,
		fmt.Sprintf("/api2/json/nodes/%s/lxc/%s/config", h.Node, h.ContainerID), body, nil)
	return c.classify("update_config", resp, err)
}

// lifecycleTask submits a status-changing task and waits for it.
func (c *Client) lifecycleTask(ctx context.Context, op string, h hypervisor.Handle, path string, body any) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	upid, err := c.submit(ctx, op, resty.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.waitTask(ctx, op, h.Node, upid)
}

// nextID asks the cluster for the next free container id.
func (c *Client) nextID(ctx context.Context) (string, error) {
	var id string
	if err := c.get(ctx, "nextid", "/api2/json/cluster/nextid", &id); err != nil {
		return "", err
	}
	if _, err := strconv.Atoi(id); err != nil {
		return "", hypervisor.Permanent("nextid", fmt.Errorf("unparseable container id %q", id))
	}
	return id, nil
}

// submit fires a mutating request and returns the async task id.
func (c *Client) submit(ctx context.Context, op, method, path string, body any) (string, error) {
	var upid string
	resp, err := c.execute(ctx, method, path, body, &upid)
	if cerr := c.classify(op, resp, err); cerr != nil {
		return "", cerr
	}
	if upid == "" {
		return "", hypervisor.Permanent(op, errors.New("api returned no task id"))
	}
	return upid, nil
}

// waitTask polls the task status endpoint until the task finishes or the
// call budget runs out.
func (c *Client) waitTask(ctx context.Context, op, node, upid string) error {
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return hypervisor.Transient(op, fmt.Errorf("task %s: %w", upid, ctx.Err()))
		case <-ticker.C:
			var status taskStatus
			if err := c.get(ctx, op, path, &status); err != nil {
				return err
			}
			if status.Status != "stopped" {
				continue
			}
			if status.ExitStatus != "OK" {
				return hypervisor.Permanent(op, fmt.Errorf("task %s failed: %s", upid, status.ExitStatus))
			}
			return nil
		}
	}
}

// get performs a GET and decodes the envelope's data field into out.
func (c *Client) get(ctx context.Context, op, path string, out any) error {
	resp, err := c.execute(ctx, resty.MethodGet, path, nil, out)
	return c.classify(op, resp, err)
}

// execute runs one breaker-protected request. The envelope is unwrapped
// here so callers only see the data payload.
func (c *Client) execute(ctx context.Context, method, path string, body, out any) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.http.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		resp, rerr := req.Execute(method, path)
		if rerr != nil {
			return resp, rerr
		}
		if out != nil && resp.IsSuccess() {
			var env envelope
			if uerr := sonic.Unmarshal(resp.Body(), &env); uerr != nil {
				return resp, fmt.Errorf("decode response: %w", uerr)
			}
			if len(env.Data) > 0 {
				if uerr := sonic.Unmarshal(env.Data, out); uerr != nil {
					return resp, fmt.Errorf("decode data: %w", uerr)
				}
			}
		}
		return resp, nil
	})
	if result == nil {
		return nil, err
	}
	return result.(*resty.Response), err
}

// classify maps a transport or HTTP failure to the adapter error model:
// connection errors, timeouts and 5xx are transient; 4xx is permanent;
// 404 on a container path means the container is gone.
func (c *Client) classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return hypervisor.Transient(op, err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return hypervisor.Transient(op, err)
		}
		// Anything the transport could not deliver is worth retrying.
		return hypervisor.Transient(op, err)
	}
	if resp == nil {
		return hypervisor.Transient(op, errors.New("no response"))
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 404:
		return fmt.Errorf("%s: %w", op, hypervisor.ErrNotFound)
	case code >= 500:
		return hypervisor.Transient(op, fmt.Errorf("api returned %d: %s", code, strings.TrimSpace(resp.String())))
	default:
		return hypervisor.Permanent(op, fmt.Errorf("api returned %d: %s", code, strings.TrimSpace(resp.String())))
	}
}

// bound applies the per-call timeout.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// createBody maps the container spec to the create request payload.
func createBody(vmid string, spec hypervisor.Spec) map[string]any {
	body := map[string]any{
		"vmid":       vmid,
		"hostname":   spec.Hostname,
		"ostemplate": spec.Image,
		"cores":      spec.Cores,
		"memory":     spec.MemoryMB,
		"rootfs":     fmt.Sprintf("local-lvm:%d", spec.DiskGB),
		"start":      0,
	}
	if spec.Unprivileged {
		body["unprivileged"] = 1
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + spec.Env[k]
		}
		body["env"] = strings.Join(pairs, ",")
	}
	if len(spec.Mounts) > 0 {
		hostPaths := make([]string, 0, len(spec.Mounts))
		for hostPath := range spec.Mounts {
			hostPaths = append(hostPaths, hostPath)
		}
		sort.Strings(hostPaths)
		for i, hostPath := range hostPaths {
			body[fmt.Sprintf("mp%d", i)] = fmt.Sprintf("%s,mp=%s", hostPath, spec.Mounts[hostPath])
		}
	}
	return body
}
