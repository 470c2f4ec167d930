// Package resources describes the host catalogue entities that own stored
// objects and provides an in-memory implementation.
package resources

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// URLTypeUpload marks resources whose file lives in the object store.
const URLTypeUpload = "upload"

// Package states relevant to upload publishing.
const (
	StateDraft  = "draft"
	StateActive = "active"
)

// ErrNotFound indicates the resource or package does not exist.
var ErrNotFound = errors.New("resources: not found")

// Resource is a dataset resource.
type Resource struct {
	ID        string `json:"id"`
	PackageID string `json:"package_id"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	URLType   string `json:"url_type"`
}

// IsUpload reports whether the resource file is held in the object store.
func (r Resource) IsUpload() bool { return r.URLType == URLTypeUpload }

// Package is the dataset a resource belongs to.
type Package struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	State string `json:"state"`
}

// Model is the host resource model.
type Model interface {
	Resource(ctx context.Context, id string) (*Resource, error)
	Package(ctx context.Context, id string) (*Package, error)
	// ActivatePackage moves a package to the active state.
	ActivatePackage(ctx context.Context, id string) error
	// ObjectReferenced reports whether a resource other than excludeOwner
	// points at the object key.
	ObjectReferenced(ctx context.Context, key, excludeOwner string) (bool, error)
}

// Memory is a thread-safe in-memory Model.
type Memory struct {
	mu        sync.RWMutex
	resources map[string]Resource
	packages  map[string]Package
	fail      map[string]error
}

// NewMemory returns an empty Memory model.
func NewMemory() *Memory {
	return &Memory{
		resources: make(map[string]Resource),
		packages:  make(map[string]Package),
		fail:      make(map[string]error),
	}
}

// PutResource stores or replaces r.
func (m *Memory) PutResource(r Resource) {
	m.mu.Lock()
	m.resources[r.ID] = r
	m.mu.Unlock()
}

// PutPackage stores or replaces p.
func (m *Memory) PutPackage(p Package) {
	m.mu.Lock()
	m.packages[p.ID] = p
	m.mu.Unlock()
}

// Fail makes the named method ("Resource", "Package", "ActivatePackage",
// "ObjectReferenced") return err until cleared with a nil err.
func (m *Memory) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

// Resource implements Model.
func (m *Memory) Resource(_ context.Context, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail["Resource"]; err != nil {
		return nil, err
	}
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// Package implements Model.
func (m *Memory) Package(_ context.Context, id string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail["Package"]; err != nil {
		return nil, err
	}
	p, ok := m.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ActivatePackage implements Model.
func (m *Memory) ActivatePackage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["ActivatePackage"]; err != nil {
		return err
	}
	p, ok := m.packages[id]
	if !ok {
		return ErrNotFound
	}
	p.State = StateActive
	m.packages[id] = p
	return nil
}

// ObjectReferenced implements Model. A resource references key when its URL
// ends with the key.
func (m *Memory) ObjectReferenced(_ context.Context, key, excludeOwner string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail["ObjectReferenced"]; err != nil {
		return false, err
	}
	for id, r := range m.resources {
		if id == excludeOwner {
			continue
		}
		if r.URL != "" && strings.HasSuffix(r.URL, key) {
			return true, nil
		}
	}
	return false, nil
}

// Resources returns every stored resource ordered by id.
func (m *Memory) Resources() []Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
