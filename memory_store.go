package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrTxDone is returned by a transaction used after Commit or Rollback.
var ErrTxDone = errors.New("rbac: transaction already committed or rolled back")

// memoryState is one immutable snapshot of the memory store.
type memoryState struct {
	policies    map[string]PolicyRule
	memberships map[string]Membership
	metadata    map[string]*RoleMetadata
	grants      map[string]*ConditionalGrant
}

func newMemoryState() *memoryState {
	return &memoryState{
		policies:    make(map[string]PolicyRule),
		memberships: make(map[string]Membership),
		metadata:    make(map[string]*RoleMetadata),
		grants:      make(map[string]*ConditionalGrant),
	}
}

func (s *memoryState) clone() *memoryState {
	dup := &memoryState{
		policies:    make(map[string]PolicyRule, len(s.policies)),
		memberships: make(map[string]Membership, len(s.memberships)),
		metadata:    make(map[string]*RoleMetadata, len(s.metadata)),
		grants:      make(map[string]*ConditionalGrant, len(s.grants)),
	}
	for k, v := range s.policies {
		dup.policies[k] = v
	}
	for k, v := range s.memberships {
		dup.memberships[k] = v
	}
	for k, v := range s.metadata {
		dup.metadata[k] = v.Clone()
	}
	for k, v := range s.grants {
		dup.grants[k] = v.Clone()
	}
	return dup
}

// MemoryStore is a transactional in-memory Store. Transactions work on a
// private copy of the committed snapshot and publish it on Commit; only one
// transaction is open at a time.
type MemoryStore struct {
	writer chan struct{} // holds a token while a transaction is open

	mu    sync.RWMutex
	state *memoryState

	auditMu sync.RWMutex
	audit   []*AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState(), writer: make(chan struct{}, 1)}
}

func (s *MemoryStore) snapshot() *memoryState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) ListPolicies(ctx context.Context, filter PolicyFilter) ([]PolicyRule, error) {
	return listPolicies(s.snapshot(), filter), nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context) ([]Membership, error) {
	return listMemberships(s.snapshot()), nil
}

func (s *MemoryStore) GetRoleMetadata(ctx context.Context, role string) (*RoleMetadata, error) {
	m, ok := s.snapshot().metadata[role]
	if !ok {
		return nil, NotFoundError("get_role_metadata", "role", "role %s not found", role)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListRoleMetadata(ctx context.Context) ([]*RoleMetadata, error) {
	return listMetadata(s.snapshot()), nil
}

func (s *MemoryStore) GetConditionalGrant(ctx context.Context, id string) (*ConditionalGrant, error) {
	g, ok := s.snapshot().grants[id]
	if !ok {
		return nil, NotFoundError("get_conditional_grant", "id", "conditional grant %s not found", id)
	}
	return g.Clone(), nil
}

func (s *MemoryStore) FindByRoleAndPermission(ctx context.Context, role, pluginID, permissionName string) (*ConditionalGrant, error) {
	if grants := listGrants(s.snapshot(), GrantFilter{Role: role, PluginID: pluginID, PermissionName: permissionName}); len(grants) > 0 {
		return grants[0], nil
	}
	return nil, NotFoundError("find_conditional_grant", "role", "no conditional grant for %s on %s/%s", role, pluginID, permissionName)
}

func (s *MemoryStore) ListConditionalGrants(ctx context.Context, filter GrantFilter) ([]*ConditionalGrant, error) {
	return listGrants(s.snapshot(), filter), nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.audit = append(s.audit, rec.Clone())
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	s.auditMu.RLock()
	defer s.auditMu.RUnlock()
	out := make([]*AuditRecord, 0)
	for _, r := range s.audit {
		if !filter.matches(r) {
			continue
		}
		out = append(out, r.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Begin blocks until no other transaction is open or ctx is done.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memoryTx{store: s, state: s.snapshot().clone()}, nil
}

type memoryTx struct {
	store  *MemoryStore
	state  *memoryState
	audit  []*AuditRecord
	closed bool
}

func (tx *memoryTx) check() error {
	if tx.closed {
		return ErrTxDone
	}
	return nil
}

func (tx *memoryTx) HasPolicy(ctx context.Context, p PolicyRule) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	_, ok := tx.state.policies[p.Key()]
	return ok, nil
}

func (tx *memoryTx) AddPolicy(ctx context.Context, p PolicyRule) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.policies[p.Key()]; ok {
		return ConflictError("add_policy", "policy", "policy %s already exists", p)
	}
	tx.state.policies[p.Key()] = p
	return nil
}

func (tx *memoryTx) RemovePolicy(ctx context.Context, p PolicyRule) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.policies[p.Key()]; !ok {
		return NotFoundError("remove_policy", "policy", "policy %s not found", p)
	}
	delete(tx.state.policies, p.Key())
	return nil
}

func (tx *memoryTx) ListPolicies(ctx context.Context, filter PolicyFilter) ([]PolicyRule, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return listPolicies(tx.state, filter), nil
}

func (tx *memoryTx) HasMembership(ctx context.Context, m Membership) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	_, ok := tx.state.memberships[m.Key()]
	return ok, nil
}

func (tx *memoryTx) AddMembership(ctx context.Context, m Membership) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.memberships[m.Key()]; ok {
		return ConflictError("add_membership", "member", "%s is already a member of %s", m.Member, m.Role)
	}
	tx.state.memberships[m.Key()] = m
	return nil
}

func (tx *memoryTx) RemoveMembership(ctx context.Context, m Membership) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.memberships[m.Key()]; !ok {
		return NotFoundError("remove_membership", "member", "%s is not a member of %s", m.Member, m.Role)
	}
	delete(tx.state.memberships, m.Key())
	return nil
}

func (tx *memoryTx) ListMemberships(ctx context.Context) ([]Membership, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return listMemberships(tx.state), nil
}

func (tx *memoryTx) CountRoleReferences(ctx context.Context, role string) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range tx.state.policies {
		if p.Subject == role {
			n++
		}
	}
	for _, m := range tx.state.memberships {
		if m.Role == role || m.Member == role {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) CountRoleDefinitions(ctx context.Context, role string) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range tx.state.policies {
		if p.Subject == role {
			n++
		}
	}
	for _, m := range tx.state.memberships {
		if m.Role == role {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) GetRoleMetadata(ctx context.Context, role string) (*RoleMetadata, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.state.metadata[role].Clone(), nil
}

func (tx *memoryTx) ListRoleMetadata(ctx context.Context) ([]*RoleMetadata, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return listMetadata(tx.state), nil
}

func (tx *memoryTx) PutRoleMetadata(ctx context.Context, m *RoleMetadata) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.state.metadata[m.RoleName] = m.Clone()
	return nil
}

func (tx *memoryTx) DeleteRoleMetadata(ctx context.Context, role string) error {
	if err := tx.check(); err != nil {
		return err
	}
	delete(tx.state.metadata, role)
	return nil
}

func (tx *memoryTx) GetConditionalGrant(ctx context.Context, id string) (*ConditionalGrant, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.state.grants[id].Clone(), nil
}

func (tx *memoryTx) FindConditionalGrant(ctx context.Context, key GrantKey) (*ConditionalGrant, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	for _, g := range tx.state.grants {
		if g.Key() == key {
			return g.Clone(), nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) ListConditionalGrants(ctx context.Context, filter GrantFilter) ([]*ConditionalGrant, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return listGrants(tx.state, filter), nil
}

func (tx *memoryTx) CreateConditionalGrant(ctx context.Context, g *ConditionalGrant) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.grants[g.ID]; ok {
		return ConflictError("create_conditional_grant", "id", "conditional grant %s already exists", g.ID)
	}
	for _, existing := range tx.state.grants {
		if existing.Key() == g.Key() {
			return ConflictError("create_conditional_grant", "permissionName",
				"role %s already has a conditional grant for %s/%s/%s", g.RoleEntityRef, g.PluginID, g.ResourceType, g.PermissionName)
		}
	}
	tx.state.grants[g.ID] = g.Clone()
	return nil
}

func (tx *memoryTx) UpdateConditionalGrant(ctx context.Context, g *ConditionalGrant) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.grants[g.ID]; !ok {
		return NotFoundError("update_conditional_grant", "id", "conditional grant %s not found", g.ID)
	}
	for id, existing := range tx.state.grants {
		if id != g.ID && existing.Key() == g.Key() {
			return ConflictError("update_conditional_grant", "permissionName",
				"role %s already has a conditional grant for %s/%s/%s", g.RoleEntityRef, g.PluginID, g.ResourceType, g.PermissionName)
		}
	}
	tx.state.grants[g.ID] = g.Clone()
	return nil
}

func (tx *memoryTx) DeleteConditionalGrant(ctx context.Context, id string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.grants[id]; !ok {
		return NotFoundError("delete_conditional_grant", "id", "conditional grant %s not found", id)
	}
	delete(tx.state.grants, id)
	return nil
}

func (tx *memoryTx) DeleteConditionalGrantsByRole(ctx context.Context, role string) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	n := 0
	for id, g := range tx.state.grants {
		if g.RoleEntityRef == role {
			delete(tx.state.grants, id)
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.audit = append(tx.audit, rec.Clone())
	return nil
}

func (tx *memoryTx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.closed = true
	tx.store.mu.Lock()
	tx.store.state = tx.state
	tx.store.mu.Unlock()
	if len(tx.audit) > 0 {
		tx.store.auditMu.Lock()
		tx.store.audit = append(tx.store.audit, tx.audit...)
		tx.store.auditMu.Unlock()
	}
	<-tx.store.writer
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	<-tx.store.writer
	return nil
}

func listPolicies(s *memoryState, filter PolicyFilter) []PolicyRule {
	out := make([]PolicyRule, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func listMemberships(s *memoryState) []Membership {
	out := make([]Membership, 0, len(s.memberships))
	for _, m := range s.memberships {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func listMetadata(s *memoryState) []*RoleMetadata {
	out := make([]*RoleMetadata, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out
}

func listGrants(s *memoryState, filter GrantFilter) []*ConditionalGrant {
	out := make([]*ConditionalGrant, 0)
	for _, g := range s.grants {
		if filter.matches(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
