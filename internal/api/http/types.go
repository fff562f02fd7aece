package http

import (
	"time"

	"github.com/harborline/stevedore/internal/domain/instance"
)

// createRequest is the body of POST /api/v1/instances.
type createRequest struct {
	CatalogID string            `json:"catalog_id" binding:"required"`
	Hostname  string            `json:"hostname" binding:"required"`
	HostID    string            `json:"host_id" binding:"required"`
	NodeName  string            `json:"node_name"`
	Cores     int               `json:"cores"`
	MemoryMB  int               `json:"memory_mb"`
	DiskGB    int               `json:"disk_gb"`
	Env       map[string]string `json:"env"`
	Volumes   map[string]string `json:"volumes"`
}

// actionRequest is the body of POST /api/v1/instances/:id/actions.
type actionRequest struct {
	Action string `json:"action" binding:"required"`
}

// cloneRequest is the body of POST /api/v1/instances/:id/clone.
type cloneRequest struct {
	Hostname string `json:"hostname" binding:"required"`
}

// instanceResponse is the API shape of an instance.
type instanceResponse struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	CatalogID    string            `json:"catalog_id"`
	Hostname     string            `json:"hostname"`
	HostID       string            `json:"host_id"`
	NodeName     *string           `json:"node_name,omitempty"`
	Status       string            `json:"status"`
	Image        string            `json:"image"`
	Cores        int               `json:"cores"`
	MemoryMB     int               `json:"memory_mb"`
	DiskGB       int               `json:"disk_gb"`
	Unprivileged bool              `json:"unprivileged"`
	PublicPort   *int              `json:"public_port,omitempty"`
	InternalPort *int              `json:"internal_port,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Volumes      map[string]string `json:"volumes,omitempty"`
	ServicePorts map[string]int    `json:"service_ports,omitempty"`
	ContainerID  string            `json:"container_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toResponse(inst *instance.Instance) instanceResponse {
	env, _ := inst.EnvMap()
	volumes, _ := inst.VolumeMap()
	servicePorts, _ := inst.ServicePortMap()

	return instanceResponse{
		ID:           inst.ID,
		UserID:       inst.UserID,
		CatalogID:    inst.CatalogID,
		Hostname:     inst.Hostname,
		HostID:       inst.HostID,
		NodeName:     inst.NodeName,
		Status:       string(inst.Status),
		Image:        inst.Image,
		Cores:        inst.Cores,
		MemoryMB:     inst.MemoryMB,
		DiskGB:       inst.DiskGB,
		Unprivileged: inst.Unprivileged,
		PublicPort:   inst.PublicPort,
		InternalPort: inst.InternalPort,
		Env:          env,
		Volumes:      volumes,
		ServicePorts: servicePorts,
		ContainerID:  inst.ContainerID,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
	}
}

// logEntryResponse is the API shape of a deployment log entry.
type logEntryResponse struct {
	Level     string    `json:"level"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
