package catalog

import (
	"sort"
	"sync"
)

// Template is a predefined application definition selected at deploy
// time. Resource values are defaults the user may override per instance.
type Template struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Image        string            `yaml:"image" json:"image"`
	Cores        int               `yaml:"cores" json:"cores"`
	MemoryMB     int               `yaml:"memory_mb" json:"memory_mb"`
	DiskGB       int               `yaml:"disk_gb" json:"disk_gb"`
	Env          map[string]string `yaml:"env" json:"env,omitempty"`
	ServicePorts map[string]int    `yaml:"service_ports" json:"service_ports,omitempty"`
	Unprivileged bool              `yaml:"unprivileged" json:"unprivileged"`
}

// Registry is an in-memory catalog of templates, seeded at startup.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]Template),
	}
}

// Register adds or replaces a template.
func (r *Registry) Register(tpl Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tpl.ID] = tpl
}

// Get retrieves a template by ID.
func (r *Registry) Get(templateID string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[templateID]
	return tpl, ok
}

// List returns all templates sorted by ID.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	templates := make([]Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		templates = append(templates, tpl)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].ID < templates[j].ID
	})
	return templates
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}
