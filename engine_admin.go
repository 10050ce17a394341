package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ADMINISTRATIVE WRITES
// ============================================================================

type writeFunc func(ctx context.Context, tx Tx, rec *AuditRecord) error

// write runs fn in one store transaction under the admin mutex. The success
// record is staged inside the transaction; a failure rolls back and writes
// exactly one failed record.
func (e *Engine) write(ctx context.Context, actor Actor, action AuditAction, op, perm string, fn writeFunc) error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	rec := &AuditRecord{ActorID: actor.ID, Action: action, Operation: op}
	authz, err := e.authorizeAdmin(ctx, op, actor, perm)
	if err == nil {
		err = e.apply(ctx, rec, authz, fn)
	}
	e.metrics.adminWrite(op, err)
	if err != nil {
		failed := rec.Clone()
		failed.EventID, failed.Timestamp = "", time.Time{}
		failed.Outcome, failed.Error = OutcomeFailed, err.Error()
		noteAuthorization(failed, authz)
		if aerr := e.audit.Record(context.WithoutCancel(ctx), failed); aerr != nil {
			e.metrics.auditFailure(action)
			e.log.Error("rejected write not audited", "operation", op, "error", aerr)
		}
		return err
	}
	e.audit.Emit(rec)
	e.afterCommit(ctx, op)
	return nil
}

func (e *Engine) apply(ctx context.Context, rec *AuditRecord, authz *Decision, fn writeFunc) error {
	op := rec.Operation
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return asKind(KindStorageTransaction, op, err)
	}
	if err := fn(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return asKind(KindStorageTransaction, op, err)
	}
	rec.Outcome = OutcomeSuccess
	noteAuthorization(rec, authz)
	if err := e.audit.Stage(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return wrapError(KindStorageTransaction, op, err)
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return wrapError(KindStorageTransaction, op, err)
	}
	return nil
}

// afterCommit swaps in the committed rule set and tells other replicas.
func (e *Engine) afterCommit(ctx context.Context, op string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.reload(ctx); err != nil {
		e.log.Error("reload after commit failed; serving previous rule table", "operation", op, "error", err)
	}
	e.metrics.invalidation("local")
	if e.bus == nil {
		return
	}
	msg := InvalidationMessage{Origin: e.replicaID, Operation: op, At: e.now().UTC()}
	if err := e.bus.Publish(ctx, msg); err != nil {
		e.log.Warn("invalidation publish failed", "operation", op, "error", err)
	}
}

func policyEntityAction(perm string) string {
	switch perm {
	case PolicyEntityCreate:
		return "create"
	case PolicyEntityUpdate:
		return "update"
	case PolicyEntityDelete:
		return "delete"
	}
	return "read"
}

func adminRequest(actor Actor, perm string) *Request {
	return &Request{
		Subject: NormalizeRef(actor.ID),
		Permission: Permission{
			Name:         perm,
			ResourceType: PolicyEntityResource,
			Action:       policyEntityAction(perm),
			PluginID:     RBACPluginID,
		},
	}
}

// authorizeAdmin checks the actor holds perm when admin enforcement is on.
// An empty perm marks an internal write (file, configuration, provider).
// The decision is not audited on its own; write folds it into the single
// record of the operation.
func (e *Engine) authorizeAdmin(ctx context.Context, op string, actor Actor, perm string) (*Decision, error) {
	if perm == "" || !e.cfg.Permission.RBAC.EnforceAdminPermissions {
		return nil, nil
	}
	req := adminRequest(actor, perm)
	if err := validateRequest(op, req); err != nil {
		return nil, asKind(KindForbidden, op, err)
	}
	d, err := e.evaluate(ctx, req, false)
	if err != nil {
		return d, asKind(KindForbidden, op, err)
	}
	if !d.Allowed {
		return d, newError(KindForbidden, op, "actor", "%s may not %s: %s", actor.ID, perm, d.Reason)
	}
	return d, nil
}

// noteAuthorization records how the actor was authorized on rec.
func noteAuthorization(rec *AuditRecord, authz *Decision) {
	if authz == nil {
		return
	}
	if rec.Detail == nil {
		rec.Detail = make(map[string]any)
	}
	rec.Detail["authorization"] = authz.Reason
	if authz.MatchedRule != nil {
		rec.MatchedRule = authz.MatchedRule.String()
	}
}

// ============================================================================
// PROVENANCE
// ============================================================================

// claimRole returns the metadata role will carry after a write from source.
// A role owned by another source is a conflict; a legacy role is adopted.
func (e *Engine) claimRole(ctx context.Context, tx Tx, op, role string, source Source, actor Actor) (*RoleMetadata, error) {
	meta, err := tx.GetRoleMetadata(ctx, role)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if meta == nil {
		return &RoleMetadata{
			RoleName:     role,
			Source:       source,
			Author:       actor.ID,
			Modifier:     actor.ID,
			CreatedAt:    now,
			LastModified: now,
		}, nil
	}
	if meta.Source != source && meta.Source != SourceLegacy {
		return nil, ConflictError(op, "source", "role %s is managed by %q and cannot be changed through %q", role, meta.Source, source)
	}
	meta.Source = source
	meta.Modifier, meta.LastModified = actor.ID, now
	return meta, nil
}

// settleRole stores meta, or drops it together with the role's conditional
// grants when nothing references the role any more.
func settleRole(ctx context.Context, tx Tx, meta *RoleMetadata) error {
	n, err := tx.CountRoleReferences(ctx, meta.RoleName)
	if err != nil {
		return err
	}
	if n > 0 {
		return tx.PutRoleMetadata(ctx, meta)
	}
	if _, err := tx.DeleteConditionalGrantsByRole(ctx, meta.RoleName); err != nil {
		return err
	}
	return tx.DeleteRoleMetadata(ctx, meta.RoleName)
}

// roleExists reports whether role is defined: it has metadata, holds a
// policy or has members. Appearing only as a member does not define it.
func roleExists(ctx context.Context, tx Tx, role string) (*RoleMetadata, bool, error) {
	meta, err := tx.GetRoleMetadata(ctx, role)
	if err != nil {
		return nil, false, err
	}
	if meta != nil {
		return meta, true, nil
	}
	n, err := tx.CountRoleDefinitions(ctx, role)
	if err != nil {
		return nil, false, err
	}
	return nil, n > 0, nil
}

// ============================================================================
// POLICIES
// ============================================================================

func normalizePolicies(op string, policies []PolicyRule) ([]PolicyRule, error) {
	if len(policies) == 0 {
		return nil, ValidationError(op, "policies", "at least one policy is required")
	}
	out := make([]PolicyRule, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		p = p.Normalize()
		if err := validateStruct(op, &p); err != nil {
			return nil, err
		}
		if seen[p.Key()] {
			return nil, ValidationError(op, "policies", "duplicate policy %s", p)
		}
		seen[p.Key()] = true
		out = append(out, p)
	}
	return out, nil
}

func policyStrings(policies []PolicyRule) []string {
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		out = append(out, p.String())
	}
	return out
}

func (e *Engine) addPolicies(ctx context.Context, tx Tx, op string, source Source, actor Actor, policies []PolicyRule) error {
	for _, p := range policies {
		exists, err := tx.HasPolicy(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			return ConflictError(op, "policy", "policy %s already exists", p)
		}
		var meta *RoleMetadata
		if IsRoleRef(p.Subject) {
			if meta, err = e.claimRole(ctx, tx, op, p.Subject, source, actor); err != nil {
				return err
			}
		}
		if err := tx.AddPolicy(ctx, p); err != nil {
			return err
		}
		if meta != nil {
			if err := tx.PutRoleMetadata(ctx, meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// removePolicies deletes policies and returns the metadata of the roles it
// touched. Callers settle those roles once the whole write has run, so a
// role whose rules are being replaced keeps its grants.
func (e *Engine) removePolicies(ctx context.Context, tx Tx, op string, source Source, actor Actor, policies []PolicyRule) (map[string]*RoleMetadata, error) {
	touched := make(map[string]*RoleMetadata)
	for _, p := range policies {
		exists, err := tx.HasPolicy(ctx, p)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, NotFoundError(op, "policy", "policy %s not found", p)
		}
		if IsRoleRef(p.Subject) && touched[p.Subject] == nil {
			meta, err := e.claimRole(ctx, tx, op, p.Subject, source, actor)
			if err != nil {
				return nil, err
			}
			touched[p.Subject] = meta
		}
		if err := tx.RemovePolicy(ctx, p); err != nil {
			return nil, err
		}
	}
	return touched, nil
}

func settleRoles(ctx context.Context, tx Tx, touched map[string]*RoleMetadata) error {
	for _, role := range sortedKeys(touched) {
		if err := settleRole(ctx, tx, touched[role]); err != nil {
			return err
		}
	}
	return nil
}

// AddPolicies adds rules atomically. An existing rule fails the whole call.
func (e *Engine) AddPolicies(ctx context.Context, actor Actor, policies ...PolicyRule) error {
	const op = "add_policies"
	return e.write(ctx, actor, AuditPolicyWrite, op, PolicyEntityCreate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Detail = map[string]any{"policies": policyStrings(policies)}
		norm, err := normalizePolicies(op, policies)
		if err != nil {
			return err
		}
		return e.addPolicies(ctx, tx, op, SourceREST, actor, norm)
	})
}

// RemovePolicies removes rules atomically. A missing rule fails the whole call.
func (e *Engine) RemovePolicies(ctx context.Context, actor Actor, policies ...PolicyRule) error {
	const op = "remove_policies"
	return e.write(ctx, actor, AuditPolicyWrite, op, PolicyEntityDelete, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Detail = map[string]any{"policies": policyStrings(policies)}
		norm, err := normalizePolicies(op, policies)
		if err != nil {
			return err
		}
		touched, err := e.removePolicies(ctx, tx, op, SourceREST, actor, norm)
		if err != nil {
			return err
		}
		return settleRoles(ctx, tx, touched)
	})
}

// UpdatePolicies removes oldPolicies and adds newPolicies in one transaction.
func (e *Engine) UpdatePolicies(ctx context.Context, actor Actor, oldPolicies, newPolicies []PolicyRule) error {
	const op = "update_policies"
	return e.write(ctx, actor, AuditPolicyWrite, op, PolicyEntityUpdate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Detail = map[string]any{"old": policyStrings(oldPolicies), "new": policyStrings(newPolicies)}
		oldNorm, err := normalizePolicies(op, oldPolicies)
		if err != nil {
			return err
		}
		newNorm, err := normalizePolicies(op, newPolicies)
		if err != nil {
			return err
		}
		touched, err := e.removePolicies(ctx, tx, op, SourceREST, actor, oldNorm)
		if err != nil {
			return err
		}
		if err := e.addPolicies(ctx, tx, op, SourceREST, actor, newNorm); err != nil {
			return err
		}
		return settleRoles(ctx, tx, touched)
	})
}

// ============================================================================
// ROLES
// ============================================================================

func normalizeMembers(op string, members []string) ([]string, error) {
	out := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if _, ok := ParseEntityRef(m); !ok {
			return nil, ValidationError(op, "members", "%q is not a valid entity reference", m)
		}
		m = NormalizeRef(m)
		if seen[m] {
			return nil, ValidationError(op, "members", "duplicate member %s", m)
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}

func normalizeRole(op string, role Role) (Role, error) {
	if err := validateStruct(op, &role); err != nil {
		return role, err
	}
	role.Name = NormalizeRef(role.Name)
	members, err := normalizeMembers(op, role.Members)
	if err != nil {
		return role, err
	}
	if len(members) == 0 {
		return role, ValidationError(op, "members", "at least one member is required")
	}
	role.Members = members
	return role, nil
}

// addMemberships adds member -> role edges, rejecting any edge that closes
// a cycle in the membership graph.
func (e *Engine) addMemberships(ctx context.Context, tx Tx, op, role string, members []string) error {
	edges, err := tx.ListMemberships(ctx)
	if err != nil {
		return err
	}
	for _, member := range members {
		m := Membership{Member: member, Role: role}
		if path := cyclePath(edges, m); path != nil {
			return ValidationError(op, "members", "adding %s to %s would create a cycle: %s", member, role, strings.Join(path, " -> "))
		}
		if err := tx.AddMembership(ctx, m); err != nil {
			return err
		}
		edges = append(edges, m)
	}
	return nil
}

func (e *Engine) removeMemberships(ctx context.Context, tx Tx, role string, members []string) error {
	for _, member := range members {
		if err := tx.RemoveMembership(ctx, Membership{Member: member, Role: role}); err != nil {
			return err
		}
	}
	return nil
}

func membersOf(edges []Membership, role string) []string {
	out := make([]string, 0)
	for _, m := range edges {
		if m.Role == role {
			out = append(out, m.Member)
		}
	}
	sort.Strings(out)
	return out
}

// AddRole creates a role with its members.
func (e *Engine) AddRole(ctx context.Context, actor Actor, role Role) error {
	const op = "add_role"
	return e.write(ctx, actor, AuditRoleWrite, op, PolicyEntityCreate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Subject = role.Name
		rec.Detail = map[string]any{"members": role.Members}
		r, err := normalizeRole(op, role)
		if err != nil {
			return err
		}
		rec.Subject = r.Name
		_, exists, err := roleExists(ctx, tx, r.Name)
		if err != nil {
			return err
		}
		if exists {
			return ConflictError(op, "name", "role %s already exists", r.Name)
		}
		meta, err := e.claimRole(ctx, tx, op, r.Name, SourceREST, actor)
		if err != nil {
			return err
		}
		if r.Metadata != nil {
			meta.Description = r.Metadata.Description
		}
		if err := e.addMemberships(ctx, tx, op, r.Name, r.Members); err != nil {
			return err
		}
		return tx.PutRoleMetadata(ctx, meta)
	})
}

// UpdateRole replaces the members (and optionally the name and description)
// of an existing role. A rename moves policies, memberships and conditional
// grants and records the old name as a legacy alias.
func (e *Engine) UpdateRole(ctx context.Context, actor Actor, name string, updated Role) error {
	const op = "update_role"
	name = NormalizeRef(name)
	return e.write(ctx, actor, AuditRoleWrite, op, PolicyEntityUpdate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Subject = name
		rec.Detail = map[string]any{"name": updated.Name, "members": updated.Members}
		r, err := normalizeRole(op, updated)
		if err != nil {
			return err
		}
		_, exists, err := roleExists(ctx, tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundError(op, "name", "role %s not found", name)
		}
		meta, err := e.claimRole(ctx, tx, op, name, SourceREST, actor)
		if err != nil {
			return err
		}
		if r.Name != name {
			if err := e.renameRole(ctx, tx, op, name, r.Name); err != nil {
				return err
			}
			meta.RoleName = r.Name
			meta.AddAlias(name)
		}
		if r.Metadata != nil && r.Metadata.Description != "" {
			meta.Description = r.Metadata.Description
		}

		edges, err := tx.ListMemberships(ctx)
		if err != nil {
			return err
		}
		current := make(map[string]bool)
		for _, m := range membersOf(edges, r.Name) {
			current[m] = true
		}
		desired := make(map[string]bool, len(r.Members))
		var add []string
		for _, m := range r.Members {
			desired[m] = true
			if !current[m] {
				add = append(add, m)
			}
		}
		var remove []string
		for m := range current {
			if !desired[m] {
				remove = append(remove, m)
			}
		}
		sort.Strings(remove)
		if err := e.removeMemberships(ctx, tx, r.Name, remove); err != nil {
			return err
		}
		if err := e.addMemberships(ctx, tx, op, r.Name, add); err != nil {
			return err
		}
		return tx.PutRoleMetadata(ctx, meta)
	})
}

func (e *Engine) renameRole(ctx context.Context, tx Tx, op, from, to string) error {
	_, exists, err := roleExists(ctx, tx, to)
	if err != nil {
		return err
	}
	if exists {
		return ConflictError(op, "name", "role %s already exists", to)
	}
	edges, err := tx.ListMemberships(ctx)
	if err != nil {
		return err
	}
	for _, m := range edges {
		moved := m
		switch {
		case m.Role == from:
			moved.Role = to
		case m.Member == from:
			moved.Member = to
		default:
			continue
		}
		if err := tx.RemoveMembership(ctx, m); err != nil {
			return err
		}
		if err := tx.AddMembership(ctx, moved); err != nil {
			return err
		}
	}
	policies, err := tx.ListPolicies(ctx, PolicyFilter{Subject: from})
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := tx.RemovePolicy(ctx, p); err != nil {
			return err
		}
		p.Subject = to
		if err := tx.AddPolicy(ctx, p); err != nil {
			return err
		}
	}
	grants, err := tx.ListConditionalGrants(ctx, GrantFilter{Role: from})
	if err != nil {
		return err
	}
	for _, g := range grants {
		g.RoleEntityRef = to
		g.UpdatedAt = e.now().UTC()
		if err := tx.UpdateConditionalGrant(ctx, g); err != nil {
			return err
		}
	}
	return tx.DeleteRoleMetadata(ctx, from)
}

// RemoveRole deletes a role together with its memberships, policies,
// conditional grants and metadata.
func (e *Engine) RemoveRole(ctx context.Context, actor Actor, name string) error {
	const op = "remove_role"
	name = NormalizeRef(name)
	return e.write(ctx, actor, AuditRoleWrite, op, PolicyEntityDelete, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Subject = name
		if !IsRoleRef(name) {
			return ValidationError(op, "name", "%q is not a role reference", name)
		}
		_, exists, err := roleExists(ctx, tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundError(op, "name", "role %s not found", name)
		}
		if _, err := e.claimRole(ctx, tx, op, name, SourceREST, actor); err != nil {
			return err
		}
		n, err := e.dropRole(ctx, tx, name)
		if err != nil {
			return err
		}
		rec.Detail = n
		return nil
	})
}

// dropRole removes every row naming role and reports what it removed.
func (e *Engine) dropRole(ctx context.Context, tx Tx, role string) (map[string]any, error) {
	edges, err := tx.ListMemberships(ctx)
	if err != nil {
		return nil, err
	}
	memberships := 0
	for _, m := range edges {
		if m.Role == role || m.Member == role {
			if err := tx.RemoveMembership(ctx, m); err != nil {
				return nil, err
			}
			memberships++
		}
	}
	policies, err := tx.ListPolicies(ctx, PolicyFilter{Subject: role})
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if err := tx.RemovePolicy(ctx, p); err != nil {
			return nil, err
		}
	}
	grants, err := tx.DeleteConditionalGrantsByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteRoleMetadata(ctx, role); err != nil {
		return nil, err
	}
	return map[string]any{"memberships": memberships, "policies": len(policies), "conditional_grants": grants}, nil
}

// AddRoleMembers adds members to role, creating the role if needed.
func (e *Engine) AddRoleMembers(ctx context.Context, actor Actor, role string, members ...string) error {
	const op = "add_role_members"
	role = NormalizeRef(role)
	return e.write(ctx, actor, AuditRoleWrite, op, PolicyEntityUpdate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Subject = role
		rec.Detail = map[string]any{"members": members}
		if !IsRoleRef(role) {
			return ValidationError(op, "role", "%q is not a role reference", role)
		}
		norm, err := normalizeMembers(op, members)
		if err != nil {
			return err
		}
		if len(norm) == 0 {
			return ValidationError(op, "members", "at least one member is required")
		}
		meta, err := e.claimRole(ctx, tx, op, role, SourceREST, actor)
		if err != nil {
			return err
		}
		if err := e.addMemberships(ctx, tx, op, role, norm); err != nil {
			return err
		}
		return tx.PutRoleMetadata(ctx, meta)
	})
}

// RemoveRoleMembers removes members from role. The role's metadata is
// dropped once nothing references it.
func (e *Engine) RemoveRoleMembers(ctx context.Context, actor Actor, role string, members ...string) error {
	const op = "remove_role_members"
	role = NormalizeRef(role)
	return e.write(ctx, actor, AuditRoleWrite, op, PolicyEntityDelete, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Subject = role
		rec.Detail = map[string]any{"members": members}
		norm, err := normalizeMembers(op, members)
		if err != nil {
			return err
		}
		if len(norm) == 0 {
			return ValidationError(op, "members", "at least one member is required")
		}
		_, exists, err := roleExists(ctx, tx, role)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundError(op, "role", "role %s not found", role)
		}
		meta, err := e.claimRole(ctx, tx, op, role, SourceREST, actor)
		if err != nil {
			return err
		}
		if err := e.removeMemberships(ctx, tx, role, norm); err != nil {
			return err
		}
		return settleRole(ctx, tx, meta)
	})
}

// ============================================================================
// CONDITIONAL GRANTS
// ============================================================================

// validateGrant checks the grant shape, that its permission is declared by
// the plugin and that every leaf rule exists and fits the resource type.
func (e *Engine) validateGrant(op string, g *ConditionalGrant) error {
	if g == nil {
		return ValidationError(op, "grant", "conditional grant is required")
	}
	g.RoleEntityRef = NormalizeRef(g.RoleEntityRef)
	if err := validateStruct(op, g); err != nil {
		return err
	}
	perm, ok := e.collector.PermissionOf(g.PluginID, g.PermissionName)
	if !ok {
		return ValidationError(op, "permissionName", "permission %s is not declared by plugin %s", g.PermissionName, g.PluginID)
	}
	if perm.ResourceType != g.ResourceType {
		return ValidationError(op, "resourceType", "permission %s has resource type %q, not %q", g.PermissionName, perm.ResourceType, g.ResourceType)
	}
	if err := g.Conditions.Validate(e.rules); err != nil {
		return err
	}
	return checkLeafResourceTypes(op, g.Conditions, g.ResourceType, e.rules, "conditions")
}

func checkLeafResourceTypes(op string, c *Condition, resourceType string, rules *RuleRegistry, path string) error {
	switch c.Kind() {
	case ConditionLeaf:
		rule, ok := rules.Get(c.Rule)
		if ok && rule.ResourceType() != "" && rule.ResourceType() != resourceType {
			return ValidationError(op, path+".rule", "rule %s applies to %q, not %q", c.Rule, rule.ResourceType(), resourceType)
		}
	case ConditionAllOf:
		for i, child := range c.AllOf {
			if err := checkLeafResourceTypes(op, child, resourceType, rules, fmt.Sprintf("%s.allOf[%d]", path, i)); err != nil {
				return err
			}
		}
	case ConditionAnyOf:
		for i, child := range c.AnyOf {
			if err := checkLeafResourceTypes(op, child, resourceType, rules, fmt.Sprintf("%s.anyOf[%d]", path, i)); err != nil {
				return err
			}
		}
	case ConditionNot:
		return checkLeafResourceTypes(op, c.Not, resourceType, rules, path+".not")
	}
	return nil
}

// AddConditionalGrant stores a new grant and returns it with its id.
func (e *Engine) AddConditionalGrant(ctx context.Context, actor Actor, grant *ConditionalGrant) (*ConditionalGrant, error) {
	const op = "add_conditional_grant"
	var created *ConditionalGrant
	err := e.write(ctx, actor, AuditConditionWrite, op, PolicyEntityCreate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		g := grant.Clone()
		if err := e.validateGrant(op, g); err != nil {
			return err
		}
		rec.Subject, rec.Permission, rec.ResourceType = g.RoleEntityRef, g.PermissionName, g.ResourceType
		existing, err := tx.FindConditionalGrant(ctx, g.Key())
		if err != nil {
			return err
		}
		if existing != nil {
			return ConflictError(op, "permissionName", "role %s already has a conditional grant for %s (%s)", g.RoleEntityRef, g.PermissionName, existing.ID)
		}
		now := e.now().UTC()
		g.ID = uuid.NewString()
		g.CreatedAt, g.UpdatedAt = now, now
		if g.Source == "" {
			g.Source = SourceREST
		}
		rec.Detail = map[string]any{"id": g.ID, "conditions": g.Conditions.String()}
		if err := tx.CreateConditionalGrant(ctx, g); err != nil {
			return err
		}
		created = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// UpdateConditionalGrant replaces grant id.
func (e *Engine) UpdateConditionalGrant(ctx context.Context, actor Actor, id string, grant *ConditionalGrant) (*ConditionalGrant, error) {
	const op = "update_conditional_grant"
	var updated *ConditionalGrant
	err := e.write(ctx, actor, AuditConditionWrite, op, PolicyEntityUpdate, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Detail = map[string]any{"id": id}
		g := grant.Clone()
		if err := e.validateGrant(op, g); err != nil {
			return err
		}
		rec.Subject, rec.Permission, rec.ResourceType = g.RoleEntityRef, g.PermissionName, g.ResourceType
		existing, err := tx.GetConditionalGrant(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return NotFoundError(op, "id", "conditional grant %s not found", id)
		}
		g.ID, g.CreatedAt, g.UpdatedAt = id, existing.CreatedAt, e.now().UTC()
		if g.Source == "" {
			g.Source = existing.Source
		}
		rec.Detail["conditions"] = g.Conditions.String()
		if err := tx.UpdateConditionalGrant(ctx, g); err != nil {
			return err
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// DeleteConditionalGrant removes grant id.
func (e *Engine) DeleteConditionalGrant(ctx context.Context, actor Actor, id string) error {
	const op = "delete_conditional_grant"
	return e.write(ctx, actor, AuditConditionWrite, op, PolicyEntityDelete, func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Detail = map[string]any{"id": id}
		existing, err := tx.GetConditionalGrant(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return NotFoundError(op, "id", "conditional grant %s not found", id)
		}
		rec.Subject, rec.Permission, rec.ResourceType = existing.RoleEntityRef, existing.PermissionName, existing.ResourceType
		return tx.DeleteConditionalGrant(ctx, id)
	})
}

// ============================================================================
// READS
// ============================================================================

// authorizeRead checks read access for admin queries. Reads write no record
// of their own, so the check is audited as a decision.
func (e *Engine) authorizeRead(ctx context.Context, op string, actor Actor) error {
	if !e.cfg.Permission.RBAC.EnforceAdminPermissions {
		return nil
	}
	d, err := e.CheckPermission(ctx, adminRequest(actor, PolicyEntityRead))
	if err != nil {
		return asKind(KindForbidden, op, err)
	}
	if !d.Allowed {
		return newError(KindForbidden, op, "actor", "%s may not %s: %s", actor.ID, PolicyEntityRead, d.Reason)
	}
	return nil
}

// ListRoles returns every role with its direct members and metadata.
func (e *Engine) ListRoles(ctx context.Context, actor Actor) ([]*Role, error) {
	if err := e.authorizeRead(ctx, "list_roles", actor); err != nil {
		return nil, err
	}
	return e.listRoles(ctx)
}

func (e *Engine) listRoles(ctx context.Context) ([]*Role, error) {
	edges, err := e.store.ListMemberships(ctx)
	if err != nil {
		return nil, wrapError(KindStorageTransaction, "list_roles", err)
	}
	metas, err := e.store.ListRoleMetadata(ctx)
	if err != nil {
		return nil, wrapError(KindStorageTransaction, "list_roles", err)
	}
	policies, err := e.store.ListPolicies(ctx, PolicyFilter{})
	if err != nil {
		return nil, wrapError(KindStorageTransaction, "list_roles", err)
	}
	roles := make(map[string]*Role)
	get := func(name string) *Role {
		r, ok := roles[name]
		if !ok {
			r = &Role{Name: name, Members: []string{}}
			roles[name] = r
		}
		return r
	}
	for _, m := range edges {
		if IsRoleRef(m.Role) {
			r := get(m.Role)
			r.Members = append(r.Members, m.Member)
		}
	}
	for _, p := range policies {
		if IsRoleRef(p.Subject) {
			get(p.Subject)
		}
	}
	for _, meta := range metas {
		get(meta.RoleName).Metadata = meta.Clone()
	}
	out := make([]*Role, 0, len(roles))
	for _, r := range roles {
		sort.Strings(r.Members)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetRole returns one role.
func (e *Engine) GetRole(ctx context.Context, actor Actor, name string) (*Role, error) {
	if err := e.authorizeRead(ctx, "get_role", actor); err != nil {
		return nil, err
	}
	name = NormalizeRef(name)
	roles, err := e.listRoles(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, NotFoundError("get_role", "name", "role %s not found", name)
}

func (e *Engine) ListPolicies(ctx context.Context, actor Actor, filter PolicyFilter) ([]PolicyRule, error) {
	if err := e.authorizeRead(ctx, "list_policies", actor); err != nil {
		return nil, err
	}
	if filter.Subject != "" {
		filter.Subject = NormalizeRef(filter.Subject)
	}
	out, err := e.store.ListPolicies(ctx, filter)
	if err != nil {
		return nil, wrapError(KindStorageTransaction, "list_policies", err)
	}
	return out, nil
}

func (e *Engine) ListConditionalGrants(ctx context.Context, actor Actor, filter GrantFilter) ([]*ConditionalGrant, error) {
	if err := e.authorizeRead(ctx, "list_conditional_grants", actor); err != nil {
		return nil, err
	}
	if filter.Role != "" {
		filter.Role = NormalizeRef(filter.Role)
	}
	out, err := e.store.ListConditionalGrants(ctx, filter)
	if err != nil {
		return nil, wrapError(KindStorageTransaction, "list_conditional_grants", err)
	}
	return out, nil
}

func (e *Engine) GetConditionalGrant(ctx context.Context, actor Actor, id string) (*ConditionalGrant, error) {
	if err := e.authorizeRead(ctx, "get_conditional_grant", actor); err != nil {
		return nil, err
	}
	g, err := e.store.GetConditionalGrant(ctx, id)
	if err != nil {
		return nil, asKind(KindStorageTransaction, "get_conditional_grant", err)
	}
	return g, nil
}

func (e *Engine) ListAuditRecords(ctx context.Context, actor Actor, filter AuditFilter) ([]*AuditRecord, error) {
	if err := e.authorizeRead(ctx, "list_audit_records", actor); err != nil {
		return nil, err
	}
	out, err := e.audit.List(ctx, filter)
	if err != nil {
		return nil, wrapError(KindStorageTransaction, "list_audit_records", err)
	}
	return out, nil
}
