// Package registry holds the event type catalog consulted on every publish.
//
// The publish path only ever calls Resolve. Register, Unregister and Load
// belong to the management path and take the write lock; readers never see a
// partially applied change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"eventgate/internal/domain"
)

var ErrInvalidEventType = errors.New("invalid event type")

// Resolver is the read contract used by the publish router.
type Resolver interface {
	Resolve(name domain.EventTypeName) (domain.EventType, bool)
}

// Source lists persisted event types, e.g. the SQLite catalog.
type Source interface {
	ListEventTypes(ctx context.Context) ([]domain.EventType, error)
}

type Registry struct {
	mu    sync.RWMutex
	types map[domain.EventTypeName]domain.EventType
	now   func() time.Time
}

func New() *Registry {
	return &Registry{types: make(map[domain.EventTypeName]domain.EventType), now: time.Now}
}

// Resolve returns a copy of the registered event type.
func (r *Registry) Resolve(name domain.EventTypeName) (domain.EventType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.types[name]
	return et, ok
}

// Register adds or replaces an event type. The creation time of an existing
// entry is kept.
func (r *Registry) Register(et domain.EventType) (domain.EventType, error) {
	if err := Validate(et); err != nil {
		return domain.EventType{}, err
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[et.Name]; ok {
		et.CreatedAt = existing.CreatedAt
	} else if et.CreatedAt.IsZero() {
		et.CreatedAt = now
	}
	et.UpdatedAt = now
	r.types[et.Name] = et
	return et, nil
}

func (r *Registry) Unregister(name domain.EventTypeName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; !ok {
		return false
	}
	delete(r.types, name)
	return true
}

// List returns all event types sorted by name.
func (r *Registry) List() []domain.EventType {
	r.mu.RLock()
	out := make([]domain.EventType, 0, len(r.types))
	for _, et := range r.types {
		out = append(out, et)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load replaces the whole catalog with the contents of src. The swap happens
// under a single write lock, so readers see either the old or the new set.
func (r *Registry) Load(ctx context.Context, src Source) error {
	items, err := src.ListEventTypes(ctx)
	if err != nil {
		return fmt.Errorf("list event types: %w", err)
	}
	next := make(map[domain.EventTypeName]domain.EventType, len(items))
	for _, et := range items {
		if err := Validate(et); err != nil {
			return err
		}
		next[et.Name] = et
	}

	r.mu.Lock()
	r.types = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Validate rejects a blank name and a topic made only of whitespace. An empty
// topic is allowed and leaves the event type unbound.
func Validate(et domain.EventType) error {
	if strings.TrimSpace(string(et.Name)) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEventType)
	}
	if et.Topic != "" && strings.TrimSpace(string(et.Topic)) == "" {
		return fmt.Errorf("%w: topic %q is blank", ErrInvalidEventType, et.Topic)
	}
	return nil
}
