package http

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborline/stevedore/internal/api/middleware"
	"github.com/harborline/stevedore/internal/domain/catalog"
	"github.com/harborline/stevedore/internal/domain/deploylog"
	"github.com/harborline/stevedore/internal/domain/instance"
	"github.com/harborline/stevedore/internal/domain/ports"
	"github.com/harborline/stevedore/internal/infrastructure/logging"
	"github.com/harborline/stevedore/internal/queue"
)

// hostnameRE is the RFC-1123 label shape hostnames must match.
var hostnameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	defaultLogs    = 100
)

// Handlers serves the instance API. It only validates, persists and
// enqueues: all container work happens in the worker pool, and the
// facade never mutates instance status after creation.
type Handlers struct {
	instances *instance.Repository
	logs      *deploylog.Store
	tasks     *queue.Store
	allocator *ports.Allocator
	catalog   *catalog.Registry
	hosts     map[string]bool
	logger    *logging.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(
	instances *instance.Repository,
	logs *deploylog.Store,
	tasks *queue.Store,
	allocator *ports.Allocator,
	registry *catalog.Registry,
	hosts []string,
	logger *logging.Logger,
) *Handlers {
	hostSet := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		hostSet[h] = true
	}
	return &Handlers{
		instances: instances,
		logs:      logs,
		tasks:     tasks,
		allocator: allocator,
		catalog:   registry,
		hosts:     hostSet,
		logger:    logger,
	}
}

// Register wires the instance routes onto the authenticated group.
func (h *Handlers) Register(api *gin.RouterGroup) {
	api.POST("/instances", h.Create)
	api.GET("/instances", h.List)
	api.GET("/instances/:id", h.Get)
	api.GET("/instances/:id/logs", h.Logs)
	api.POST("/instances/:id/actions", h.Action)
	api.POST("/instances/:id/clone", h.Clone)
	api.GET("/ports/stats", h.PortStats)
	api.GET("/catalog", h.Catalog)
}

// Create validates the request, persists a pending instance and
// enqueues its deployment.
func (h *Handlers) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !hostnameRE.MatchString(req.Hostname) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hostname"})
		return
	}
	tpl, ok := h.catalog.Get(req.CatalogID)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown catalog template"})
		return
	}
	if !h.hosts[req.HostID] {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown host"})
		return
	}
	taken, err := h.instances.HostnameTaken(c.Request.Context(), req.Hostname)
	if err != nil {
		h.internalError(c, "hostname check failed", err)
		return
	}
	if taken {
		c.JSON(http.StatusConflict, gin.H{"error": "hostname already in use"})
		return
	}

	inst, err := h.buildInstance(c, &req, tpl)
	if err != nil {
		h.internalError(c, "instance encoding failed", err)
		return
	}
	if err := h.instances.Create(c.Request.Context(), inst); err != nil {
		if errors.Is(err, instance.ErrHostnameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "hostname already in use"})
			return
		}
		h.internalError(c, "instance creation failed", err)
		return
	}

	taskID, err := h.tasks.Enqueue(c.Request.Context(), inst.ID, queue.OpDeploy)
	if err != nil {
		h.internalError(c, "deploy enqueue failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"instance": toResponse(inst),
		"task_id":  taskID,
	})
}

// Action enqueues a lifecycle operation for the instance.
func (h *Handlers) Action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, ok := h.owned(c)
	if !ok {
		return
	}

	op, ok := h.resolveAction(req.Action, inst)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	taskID, err := h.tasks.Enqueue(c.Request.Context(), inst.ID, op)
	if err != nil {
		if errors.Is(err, queue.ErrConflictingOperation) {
			c.JSON(http.StatusConflict, gin.H{"error": "instance has an operation in flight"})
			return
		}
		h.internalError(c, "action enqueue failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "operation": string(op)})
}

// resolveAction maps an action name to a queue operation. Starting an
// errored instance re-runs the deployment rather than a bare container
// start, since the failed deploy may have left no container behind.
func (h *Handlers) resolveAction(action string, inst *instance.Instance) (queue.Operation, bool) {
	switch action {
	case "start":
		if inst.Status == instance.StatusError {
			return queue.OpDeploy, true
		}
		return queue.OpStart, true
	case "stop":
		return queue.OpStop, true
	case "restart":
		return queue.OpRestart, true
	case "delete":
		return queue.OpDelete, true
	default:
		return "", false
	}
}

// Clone creates a new instance from the source's current configuration
// and enqueues its deployment. The source is never touched.
func (h *Handlers) Clone(c *gin.Context) {
	var req cloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !hostnameRE.MatchString(req.Hostname) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hostname"})
		return
	}

	source, ok := h.owned(c)
	if !ok {
		return
	}

	taken, err := h.instances.HostnameTaken(c.Request.Context(), req.Hostname)
	if err != nil {
		h.internalError(c, "hostname check failed", err)
		return
	}
	if taken {
		c.JSON(http.StatusConflict, gin.H{"error": "hostname already in use"})
		return
	}

	clone := &instance.Instance{
		UserID:       middleware.UserID(c),
		CatalogID:    source.CatalogID,
		Hostname:     req.Hostname,
		HostID:       source.HostID,
		NodeName:     source.NodeName,
		Cores:        source.Cores,
		MemoryMB:     source.MemoryMB,
		DiskGB:       source.DiskGB,
		Unprivileged: source.Unprivileged,
		Env:          source.Env,
		Volumes:      source.Volumes,
		ServicePorts: source.ServicePorts,
		Image:        source.Image,
		Status:       instance.StatusCloning,
	}
	if err := h.instances.Create(c.Request.Context(), clone); err != nil {
		if errors.Is(err, instance.ErrHostnameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "hostname already in use"})
			return
		}
		h.internalError(c, "clone creation failed", err)
		return
	}

	taskID, err := h.tasks.Enqueue(c.Request.Context(), clone.ID, queue.OpClone)
	if err != nil {
		h.internalError(c, "clone enqueue failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"instance": toResponse(clone),
		"task_id":  taskID,
	})
}

// Get returns one instance.
func (h *Handlers) Get(c *gin.Context) {
	inst, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toResponse(inst))
}

// Logs returns the ordered deployment log of one instance.
func (h *Handlers) Logs(c *gin.Context) {
	inst, ok := h.owned(c)
	if !ok {
		return
	}

	limit := intQuery(c, "limit", defaultLogs)
	offset := intQuery(c, "offset", 0)

	entries, err := h.logs.List(c.Request.Context(), inst.ID, limit, offset)
	if err != nil {
		h.internalError(c, "log listing failed", err)
		return
	}

	out := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = logEntryResponse{
			Level:     string(e.Level),
			Step:      e.Step,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

// List returns the caller's instances, or everyone's for elevated
// callers.
func (h *Handlers) List(c *gin.Context) {
	filter := instance.ListFilter{
		Status:  instance.Status(c.Query("status")),
		Search:  c.Query("search"),
		Page:    intQuery(c, "page", 1),
		PerPage: intQuery(c, "per_page", defaultPerPage),
	}
	if filter.PerPage > maxPerPage {
		filter.PerPage = maxPerPage
	}
	if !middleware.Elevated(c) {
		filter.UserID = middleware.UserID(c)
	}

	instances, total, err := h.instances.List(c.Request.Context(), filter)
	if err != nil {
		h.internalError(c, "instance listing failed", err)
		return
	}

	out := make([]instanceResponse, len(instances))
	for i := range instances {
		out[i] = toResponse(&instances[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"instances": out,
		"total":     total,
		"page":      filter.Page,
		"per_page":  filter.PerPage,
	})
}

// PortStats reports usage of both allocation ranges.
func (h *Handlers) PortStats(c *gin.Context) {
	stats, err := h.allocator.Stats(c.Request.Context())
	if err != nil {
		h.internalError(c, "port stats failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Catalog lists the registered templates.
func (h *Handlers) Catalog(c *gin.Context) {
	templates := h.catalog.List()
	c.JSON(http.StatusOK, gin.H{"templates": templates, "count": len(templates)})
}

// owned loads the path instance and enforces ownership. Instances of
// other users read as absent so ids do not leak across tenants.
func (h *Handlers) owned(c *gin.Context) (*instance.Instance, bool) {
	inst, err := h.instances.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return nil, false
		}
		h.internalError(c, "instance lookup failed", err)
		return nil, false
	}
	if !middleware.Elevated(c) && inst.UserID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return nil, false
	}
	return inst, true
}

// buildInstance merges template defaults with per-request overrides.
func (h *Handlers) buildInstance(c *gin.Context, req *createRequest, tpl catalog.Template) (*instance.Instance, error) {
	inst := &instance.Instance{
		UserID:       middleware.UserID(c),
		CatalogID:    tpl.ID,
		Hostname:     req.Hostname,
		HostID:       req.HostID,
		Cores:        tpl.Cores,
		MemoryMB:     tpl.MemoryMB,
		DiskGB:       tpl.DiskGB,
		Unprivileged: tpl.Unprivileged,
		Image:        tpl.Image,
		Status:       instance.StatusPending,
	}
	if req.NodeName != "" {
		inst.NodeName = &req.NodeName
	}
	if req.Cores > 0 {
		inst.Cores = req.Cores
	}
	if req.MemoryMB > 0 {
		inst.MemoryMB = req.MemoryMB
	}
	if req.DiskGB > 0 {
		inst.DiskGB = req.DiskGB
	}

	env := make(map[string]string, len(tpl.Env)+len(req.Env))
	for k, v := range tpl.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	if err := inst.SetEnv(env); err != nil {
		return nil, err
	}
	if err := inst.SetVolumes(req.Volumes); err != nil {
		return nil, err
	}
	if err := inst.SetServicePorts(tpl.ServicePorts); err != nil {
		return nil, err
	}
	return inst, nil
}

func (h *Handlers) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.Error(err), zap.String("path", c.Request.URL.Path))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
