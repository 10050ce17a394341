package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// ROLE MANAGER
// ============================================================================

// RoleCacheConfig tunes the per-subject role cache.
type RoleCacheConfig struct {
	TTL      time.Duration `yaml:"ttl" json:"ttl" koanf:"ttl"`
	MaxStale time.Duration `yaml:"max_stale" json:"max_stale" koanf:"max_stale"`
	// ComputeTimeout bounds one shared closure computation. It runs
	// detached from the callers waiting on it.
	ComputeTimeout time.Duration `yaml:"compute_timeout" json:"compute_timeout" koanf:"compute_timeout"`
	NumCounters    int64         `yaml:"num_counters" json:"num_counters" koanf:"num_counters"`
	MaxCost        int64         `yaml:"max_cost" json:"max_cost" koanf:"max_cost"`
	BufferItems    int64         `yaml:"buffer_items" json:"buffer_items" koanf:"buffer_items"`
}

// DefaultRoleCacheConfig returns the defaults used when fields are zero.
func DefaultRoleCacheConfig() RoleCacheConfig {
	return RoleCacheConfig{
		TTL:            time.Minute,
		MaxStale:       5 * time.Minute,
		ComputeTimeout: 10 * time.Second,
		NumCounters:    100_000,
		MaxCost:        10_000,
		BufferItems:    64,
	}
}

func (c RoleCacheConfig) withDefaults() RoleCacheConfig {
	def := DefaultRoleCacheConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MaxStale < 0 {
		c.MaxStale = 0
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = def.ComputeTimeout
	}
	if c.NumCounters <= 0 {
		c.NumCounters = def.NumCounters
	}
	if c.MaxCost <= 0 {
		c.MaxCost = def.MaxCost
	}
	if c.BufferItems <= 0 {
		c.BufferItems = def.BufferItems
	}
	return c
}

// RoleSet is the effective role closure of one subject: catalog groups plus
// every RBAC role reachable from the subject or those groups.
type RoleSet struct {
	Subject    string
	Roles      []string
	Stale      bool
	ComputedAt time.Time
}

// Has reports whether ref is the subject itself or one of its roles.
func (s *RoleSet) Has(ref string) bool {
	if s == nil {
		return false
	}
	if ref == s.Subject {
		return true
	}
	i := sort.SearchStrings(s.Roles, ref)
	return i < len(s.Roles) && s.Roles[i] == ref
}

// Claims returns the subject followed by its roles.
func (s *RoleSet) Claims() []string {
	return append([]string{s.Subject}, s.Roles...)
}

// RoleLinker answers role-link questions for the evaluator.
type RoleLinker interface {
	HasLink(ctx context.Context, subject, role string, domain ...string) (bool, error)
}

// HasLink implements RoleLinker over an already resolved set, giving one
// decision a consistent view of the subject's roles.
func (s *RoleSet) HasLink(_ context.Context, subject, role string, _ ...string) (bool, error) {
	if s == nil || NormalizeRef(subject) != s.Subject {
		return false, nil
	}
	return s.Has(NormalizeRef(role)), nil
}

// membershipGraph is an immutable view of the RBAC membership edges.
type membershipGraph struct {
	rolesOf   map[string][]string // member -> roles
	membersOf map[string][]string // role -> members
}

func newMembershipGraph(edges []Membership) *membershipGraph {
	g := &membershipGraph{rolesOf: make(map[string][]string), membersOf: make(map[string][]string)}
	for _, e := range edges {
		g.rolesOf[e.Member] = append(g.rolesOf[e.Member], e.Role)
		g.membersOf[e.Role] = append(g.membersOf[e.Role], e.Member)
	}
	return g
}

// closure follows member -> role edges from every start node.
func (g *membershipGraph) closure(starts []string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), starts...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, r := range g.rolesOf[n] {
			if !seen[r] {
				seen[r] = true
				queue = append(queue, r)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	return out
}

// cyclePath returns the path role -> ... -> member when adding the edge
// member -> role would close a cycle, nil otherwise.
func cyclePath(edges []Membership, add Membership) []string {
	if add.Member == add.Role {
		return []string{add.Member, add.Role}
	}
	g := newMembershipGraph(edges)
	parent := map[string]string{add.Role: ""}
	queue := []string{add.Role}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == add.Member {
			path := []string{}
			for cur := n; cur != ""; cur = parent[cur] {
				path = append([]string{cur}, path...)
			}
			return append([]string{add.Member}, path...)
		}
		for _, r := range g.rolesOf[n] {
			if _, ok := parent[r]; !ok {
				parent[r] = n
				queue = append(queue, r)
			}
		}
	}
	return nil
}

type roleCacheEntry struct {
	roles      []string
	computedAt time.Time
	generation uint64
}

// RoleManager resolves the effective roles of a subject from the catalog
// group hierarchy and the RBAC membership graph, caching results per subject.
type RoleManager struct {
	catalog Catalog
	store   PolicyStore
	log     logger.Logger
	metrics *Metrics
	cfg     RoleCacheConfig
	now     func() time.Time

	cache      *ristretto.Cache
	generation atomic.Uint64
	flight     singleflight.Group
	graph      atomic.Pointer[membershipGraph]
}

// RoleManagerOption configures a RoleManager.
type RoleManagerOption func(*RoleManager)

func WithRoleManagerLogger(l logger.Logger) RoleManagerOption {
	return func(rm *RoleManager) { rm.log = l }
}

func WithRoleManagerMetrics(m *Metrics) RoleManagerOption {
	return func(rm *RoleManager) { rm.metrics = m }
}

// WithRoleManagerClock replaces time.Now; used by tests.
func WithRoleManagerClock(now func() time.Time) RoleManagerOption {
	return func(rm *RoleManager) { rm.now = now }
}

// NewRoleManager builds a RoleManager. catalog may be nil when group
// membership lives only in the RBAC graph.
func NewRoleManager(catalog Catalog, store PolicyStore, cfg RoleCacheConfig, opts ...RoleManagerOption) (*RoleManager, error) {
	cfg = cfg.withDefaults()
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create role cache: %w", err)
	}
	rm := &RoleManager{
		catalog: catalog,
		store:   store,
		log:     logger.NewNullLogger(),
		cfg:     cfg,
		now:     time.Now,
		cache:   cache,
	}
	for _, opt := range opts {
		opt(rm)
	}
	rm.graph.Store(newMembershipGraph(nil))
	return rm, nil
}

// Sync reloads membership edges from the policy store and drops every
// cached closure.
func (rm *RoleManager) Sync(ctx context.Context) error {
	if rm.store == nil {
		rm.Invalidate()
		return nil
	}
	edges, err := rm.store.ListMemberships(ctx)
	if err != nil {
		return wrapError(KindStorageTransaction, "role_sync", err)
	}
	rm.SetMemberships(edges)
	return nil
}

// SetMemberships swaps the membership graph and invalidates the cache.
func (rm *RoleManager) SetMemberships(edges []Membership) {
	rm.graph.Store(newMembershipGraph(edges))
	rm.Invalidate()
}

// Invalidate drops every cached closure. Entries computed before the call
// are never served again, not even as stale.
func (rm *RoleManager) Invalidate() {
	rm.generation.Add(1)
	rm.log.Debug("role cache invalidated", "generation", rm.generation.Load())
}

// Close releases the cache.
func (rm *RoleManager) Close() {
	rm.cache.Close()
}

func (rm *RoleManager) lookup(subject string) (*roleCacheEntry, bool) {
	v, ok := rm.cache.Get(subject)
	if !ok {
		return nil, false
	}
	e, ok := v.(*roleCacheEntry)
	if !ok || e.generation != rm.generation.Load() {
		return nil, false
	}
	return e, true
}

func (rm *RoleManager) set(subject string, e *roleCacheEntry) {
	rm.cache.SetWithTTL(subject, e, 1, rm.cfg.TTL+rm.cfg.MaxStale)
	rm.cache.Wait()
}

// GetRoles returns the subject's effective roles. A fresh cache entry is
// served directly; otherwise the closure is recomputed (one computation per
// subject at a time). The computation is shared by every waiting caller and
// is not cancelled by any one of them; each caller stops waiting when its own
// ctx is done. When the catalog is unavailable a cache entry within its stale
// window is served with Stale set; without one the call fails.
func (rm *RoleManager) GetRoles(ctx context.Context, subject string) (*RoleSet, error) {
	subject = NormalizeRef(subject)
	now := rm.now()
	cached, hit := rm.lookup(subject)
	if hit && now.Sub(cached.computedAt) < rm.cfg.TTL {
		rm.metrics.roleCacheHit()
		return &RoleSet{Subject: subject, Roles: cached.roles, ComputedAt: cached.computedAt}, nil
	}
	rm.metrics.roleCacheMiss()

	gen := rm.generation.Load()
	ch := rm.flight.DoChan(subject, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rm.cfg.ComputeTimeout)
		defer cancel()
		return rm.compute(cctx, subject, gen)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = singleflight.Result{Err: ctx.Err()}
	}
	if res.Err == nil {
		return res.Val.(*RoleSet), nil
	}
	err := res.Err
	if KindOf(err) == KindConfiguration {
		return nil, err
	}
	if hit && now.Sub(cached.computedAt) < rm.cfg.TTL+rm.cfg.MaxStale {
		rm.metrics.roleCacheStale()
		rm.log.Warn("serving stale roles", "subject", subject, "age", now.Sub(cached.computedAt), "error", err)
		return &RoleSet{Subject: subject, Roles: cached.roles, Stale: true, ComputedAt: cached.computedAt}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, wrapError(KindUpstreamUnavailable, "get_roles", err)
	}
	return nil, asKind(KindUpstreamUnavailable, "get_roles", err)
}

func (rm *RoleManager) compute(ctx context.Context, subject string, gen uint64) (*RoleSet, error) {
	start := rm.now()
	groups, err := rm.catalogGroups(ctx, subject)
	if err != nil {
		return nil, err
	}
	starts := append([]string{subject}, groups...)
	roles := append(groups, rm.graph.Load().closure(starts)...)
	roles = dedupSorted(roles, subject)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	computed := rm.now()
	if rm.generation.Load() == gen {
		rm.set(subject, &roleCacheEntry{roles: roles, computedAt: computed, generation: gen})
	}
	rm.metrics.observeRoleResolution(computed.Sub(start))
	return &RoleSet{Subject: subject, Roles: roles, ComputedAt: computed}, nil
}

// catalogGroups returns every catalog group the subject belongs to,
// directly or through parent groups. A cycle in the group hierarchy is a
// configuration error.
func (rm *RoleManager) catalogGroups(ctx context.Context, subject string) ([]string, error) {
	if rm.catalog == nil {
		return nil, nil
	}
	ent, err := rm.catalog.ResolveEntity(ctx, subject)
	if errors.Is(err, ErrEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", subject, err)
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	out := make([]string, 0)
	var walk func(group string, path []string) error
	walk = func(group string, path []string) error {
		switch state[group] {
		case visiting:
			cycle := append(append([]string(nil), path...), group)
			return newError(KindConfiguration, "get_roles", "catalog", "group hierarchy cycle: %s", strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[group] = visiting
		parents, err := rm.catalog.ListGroupParents(ctx, group)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return fmt.Errorf("list parents of %s: %w", group, err)
		}
		for _, p := range parents {
			next := append(append([]string(nil), path...), group)
			if err := walk(NormalizeRef(p), next); err != nil {
				return err
			}
		}
		state[group] = done
		out = append(out, group)
		return nil
	}
	starts := ent.MemberOf
	if ent.Kind == KindGroup {
		starts = []string{subject}
	}
	for _, g := range starts {
		if err := walk(NormalizeRef(g), nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// HasLink reports whether subject holds role, directly or transitively.
// The domain argument is accepted for evaluator compatibility and ignored.
func (rm *RoleManager) HasLink(ctx context.Context, subject, role string, _ ...string) (bool, error) {
	subject, role = NormalizeRef(subject), NormalizeRef(role)
	if subject == role {
		return true, nil
	}
	set, err := rm.GetRoles(ctx, subject)
	if err != nil {
		return false, err
	}
	return set.Has(role), nil
}

// GetUsers returns the users holding role, expanding catalog groups.
func (rm *RoleManager) GetUsers(ctx context.Context, role string) ([]string, error) {
	role = NormalizeRef(role)
	g := rm.graph.Load()
	seen := map[string]bool{role: true}
	queue := []string{role}
	users := make(map[string]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		members := g.membersOf[n]
		if ref, ok := ParseEntityRef(n); ok && ref.Kind == KindGroup && rm.catalog != nil {
			extra, err := rm.catalog.ListGroupMembers(ctx, n)
			if err != nil && !errors.Is(err, ErrEntityNotFound) {
				return nil, asKind(KindUpstreamUnavailable, "get_users", fmt.Errorf("list members of %s: %w", n, err))
			}
			members = append(append([]string(nil), members...), extra...)
		}
		for _, m := range members {
			m = NormalizeRef(m)
			if seen[m] {
				continue
			}
			seen[m] = true
			if ref, ok := ParseEntityRef(m); ok && ref.Kind == KindUser {
				users[m] = true
				continue
			}
			queue = append(queue, m)
		}
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func dedupSorted(in []string, exclude string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == exclude || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
