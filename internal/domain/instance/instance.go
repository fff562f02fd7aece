package instance

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/harborline/stevedore/internal/shared/id"
)

// Status is the lifecycle state of an application instance. Transitions
// happen only through the orchestrator's state machine; the repository
// guards every status write against the transition table.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDeploying  Status = "deploying"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusRestarting Status = "restarting"
	StatusCloning    Status = "cloning"
	StatusDeleting   Status = "deleting"
	StatusError      Status = "error"
)

// transitions is the closed set of legal status changes. An instance in
// deleting that completes is removed, so deleting has no success edge.
var transitions = map[Status][]Status{
	StatusPending:    {StatusDeploying, StatusError},
	StatusCloning:    {StatusDeploying, StatusError},
	StatusDeploying:  {StatusRunning, StatusError},
	StatusRunning:    {StatusStopping, StatusRestarting, StatusDeleting, StatusError},
	StatusStopping:   {StatusStopped, StatusError},
	StatusStopped:    {StatusDeploying, StatusRestarting, StatusDeleting, StatusError},
	StatusRestarting: {StatusRunning, StatusError},
	StatusError:      {StatusDeploying, StatusDeleting},
	StatusDeleting:   {StatusError},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Statuses returns every lifecycle status.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusDeploying, StatusRunning, StatusStopping,
		StatusStopped, StatusRestarting, StatusCloning, StatusDeleting,
		StatusError,
	}
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Instance is one deployed (or deploying) container.
//
// PublicPort and InternalPort are nullable: NULL means unallocated, and
// the unique indexes enforce that no two instances hold the same port
// while allocated. Soft deletion keeps removed rows out of the allocation
// scan; ports are always released before removal.
type Instance struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	UserID    string `gorm:"size:64;not null;index" json:"user_id"`
	CatalogID string `gorm:"size:64;not null" json:"catalog_id"`
	Hostname  string `gorm:"size:64;not null;index" json:"hostname"`

	HostID   string  `gorm:"size:64;not null" json:"host_id"`
	NodeName *string `gorm:"size:64" json:"node_name,omitempty"` // nil = auto-select

	PublicPort   *int `gorm:"uniqueIndex" json:"public_port,omitempty"`
	InternalPort *int `gorm:"uniqueIndex" json:"internal_port,omitempty"`

	Cores    int `gorm:"not null" json:"cores"`
	MemoryMB int `gorm:"not null" json:"memory_mb"`
	DiskGB   int `gorm:"not null" json:"disk_gb"`

	Unprivileged bool `gorm:"not null;default:false" json:"unprivileged"`

	Env          datatypes.JSON `json:"env,omitempty"`
	Volumes      datatypes.JSON `json:"volumes,omitempty"`
	ServicePorts datatypes.JSON `json:"service_ports,omitempty"`

	Image string `gorm:"size:255;not null" json:"image"`

	// Container reference, persisted after creation so a redelivered task
	// can pre-check instead of double-creating.
	ContainerID   string `gorm:"size:128" json:"container_id,omitempty"`
	ContainerNode string `gorm:"size:64" json:"container_node,omitempty"`

	Status Status `gorm:"size:16;not null;index" json:"status"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the default table name.
func (Instance) TableName() string {
	return "instances"
}

// BeforeCreate assigns a prefixed ULID when none is set.
func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = id.NewInstanceID().String()
	}
	if i.Status == "" {
		i.Status = StatusPending
	}
	return nil
}

// EnvMap decodes the env JSON column.
func (i *Instance) EnvMap() (map[string]string, error) {
	return decodeStringMap(i.Env)
}

// SetEnv encodes env into the JSON column.
func (i *Instance) SetEnv(env map[string]string) error {
	data, err := encodeMap(env)
	if err != nil {
		return err
	}
	i.Env = data
	return nil
}

// VolumeMap decodes the volumes JSON column (mount key -> path).
func (i *Instance) VolumeMap() (map[string]string, error) {
	return decodeStringMap(i.Volumes)
}

// SetVolumes encodes volumes into the JSON column.
func (i *Instance) SetVolumes(volumes map[string]string) error {
	data, err := encodeMap(volumes)
	if err != nil {
		return err
	}
	i.Volumes = data
	return nil
}

// ServicePortMap decodes the service port JSON column (service -> port).
func (i *Instance) ServicePortMap() (map[string]int, error) {
	if len(i.ServicePorts) == 0 {
		return map[string]int{}, nil
	}
	var m map[string]int
	if err := sonic.Unmarshal(i.ServicePorts, &m); err != nil {
		return nil, fmt.Errorf("decode service ports: %w", err)
	}
	return m, nil
}

// SetServicePorts encodes the service port map into the JSON column.
func (i *Instance) SetServicePorts(ports map[string]int) error {
	data, err := encodeMap(ports)
	if err != nil {
		return err
	}
	i.ServicePorts = data
	return nil
}

func decodeStringMap(data datatypes.JSON) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

func encodeMap(m interface{}) (datatypes.JSON, error) {
	data, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return datatypes.JSON(data), nil
}
