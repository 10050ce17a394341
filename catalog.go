package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// ============================================================================
// CATALOG LOOKUP
// ============================================================================

var (
	ErrEntityNotFound     = errors.New("catalog: entity not found")
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
)

// Entity is the slice of a catalog entity the role manager needs.
type Entity struct {
	Ref        string         `json:"ref"`
	Kind       string         `json:"kind"`
	MemberOf   []string       `json:"memberOf,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Catalog is the read-only view of the entity catalog.
type Catalog interface {
	ResolveEntity(ctx context.Context, ref string) (*Entity, error)
	ListGroupMembers(ctx context.Context, groupRef string) ([]string, error)
	ListGroupParents(ctx context.Context, groupRef string) ([]string, error)
}

// MemoryCatalog is a Catalog held in memory. Useful for tests and for
// deployments that push catalog snapshots into the process.
type MemoryCatalog struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	parents  map[string][]string // group -> parent groups

	unavailable atomic.Bool
	calls       atomic.Int64
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entities: make(map[string]*Entity), parents: make(map[string][]string)}
}

// AddUser registers a user that is a direct member of groups.
func (c *MemoryCatalog) AddUser(ref string, groups ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref = NormalizeRef(ref)
	norm := make([]string, 0, len(groups))
	for _, g := range groups {
		norm = append(norm, NormalizeRef(g))
	}
	c.entities[ref] = &Entity{Ref: ref, Kind: KindUser, MemberOf: norm}
}

// AddGroup registers a group and its parent groups.
func (c *MemoryCatalog) AddGroup(ref string, parents ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref = NormalizeRef(ref)
	norm := make([]string, 0, len(parents))
	for _, p := range parents {
		norm = append(norm, NormalizeRef(p))
	}
	c.entities[ref] = &Entity{Ref: ref, Kind: KindGroup}
	c.parents[ref] = norm
}

// SetUnavailable makes every lookup fail with ErrCatalogUnavailable.
func (c *MemoryCatalog) SetUnavailable(down bool) { c.unavailable.Store(down) }

// Calls reports how many lookups were served.
func (c *MemoryCatalog) Calls() int64 { return c.calls.Load() }

func (c *MemoryCatalog) enter(ctx context.Context) error {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.unavailable.Load() {
		return ErrCatalogUnavailable
	}
	return nil
}

func (c *MemoryCatalog) ResolveEntity(ctx context.Context, ref string) (*Entity, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[NormalizeRef(ref)]
	if !ok {
		return nil, ErrEntityNotFound
	}
	dup := *e
	dup.MemberOf = append([]string(nil), e.MemberOf...)
	return &dup, nil
}

func (c *MemoryCatalog) ListGroupMembers(ctx context.Context, groupRef string) ([]string, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	groupRef = NormalizeRef(groupRef)
	if _, ok := c.entities[groupRef]; !ok {
		return nil, ErrEntityNotFound
	}
	out := make([]string, 0)
	for ref, e := range c.entities {
		for _, g := range e.MemberOf {
			if g == groupRef {
				out = append(out, ref)
			}
		}
	}
	for child, parents := range c.parents {
		for _, p := range parents {
			if p == groupRef {
				out = append(out, child)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryCatalog) ListGroupParents(ctx context.Context, groupRef string) ([]string, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	groupRef = NormalizeRef(groupRef)
	if _, ok := c.entities[groupRef]; !ok {
		return nil, ErrEntityNotFound
	}
	return append([]string(nil), c.parents[groupRef]...), nil
}
