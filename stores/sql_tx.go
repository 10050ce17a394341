package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

type sqlTx struct {
	tx     *squealx.Tx
	closed bool
}

func (t *sqlTx) q() (namedQuerier, error) {
	if t.closed {
		return nil, rbac.ErrTxDone
	}
	return t.tx, nil
}

// count runs a single-column COUNT query.
func (t *sqlTx) count(ctx context.Context, query string, params map[string]any) (int, error) {
	q, err := t.q()
	if err != nil {
		return 0, err
	}
	rows, err := q.NamedQueryContext(ctx, query, params)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// exec runs a statement and reports how many rows it touched.
func (t *sqlTx) exec(ctx context.Context, query string, params map[string]any) (int64, error) {
	q, err := t.q()
	if err != nil {
		return 0, err
	}
	res, err := q.NamedExecContext(ctx, query, params)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func policyParams(p rbac.PolicyRule) map[string]any {
	return map[string]any{"ptype": ptypePolicy, "v0": p.Subject, "v1": p.Object, "v2": p.Action, "v3": string(p.Effect)}
}

func membershipParams(m rbac.Membership) map[string]any {
	return map[string]any{"ptype": ptypeRole, "v0": m.Member, "v1": m.Role}
}

// ============================================================================
// POLICIES AND MEMBERSHIPS
// ============================================================================

func (t *sqlTx) HasPolicy(ctx context.Context, p rbac.PolicyRule) (bool, error) {
	n, err := t.count(ctx, `SELECT COUNT(1) FROM policy_rules WHERE ptype = :ptype AND v0 = :v0 AND v1 = :v1 AND v2 = :v2 AND v3 = :v3`, policyParams(p))
	return n > 0, err
}

func (t *sqlTx) AddPolicy(ctx context.Context, p rbac.PolicyRule) error {
	ok, err := t.HasPolicy(ctx, p)
	if err != nil {
		return err
	}
	if ok {
		return rbac.ConflictError("add_policy", "policy", "policy %s already exists", p)
	}
	_, err = t.exec(ctx, `INSERT INTO policy_rules(ptype, v0, v1, v2, v3) VALUES(:ptype, :v0, :v1, :v2, :v3)`, policyParams(p))
	return err
}

func (t *sqlTx) RemovePolicy(ctx context.Context, p rbac.PolicyRule) error {
	n, err := t.exec(ctx, `DELETE FROM policy_rules WHERE ptype = :ptype AND v0 = :v0 AND v1 = :v1 AND v2 = :v2 AND v3 = :v3`, policyParams(p))
	if err != nil {
		return err
	}
	if n == 0 {
		return rbac.NotFoundError("remove_policy", "policy", "policy %s not found", p)
	}
	return nil
}

func (t *sqlTx) ListPolicies(ctx context.Context, filter rbac.PolicyFilter) ([]rbac.PolicyRule, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listPolicies(ctx, q, filter)
}

func (t *sqlTx) HasMembership(ctx context.Context, m rbac.Membership) (bool, error) {
	n, err := t.count(ctx, `SELECT COUNT(1) FROM policy_rules WHERE ptype = :ptype AND v0 = :v0 AND v1 = :v1`, membershipParams(m))
	return n > 0, err
}

func (t *sqlTx) AddMembership(ctx context.Context, m rbac.Membership) error {
	ok, err := t.HasMembership(ctx, m)
	if err != nil {
		return err
	}
	if ok {
		return rbac.ConflictError("add_membership", "member", "%s is already a member of %s", m.Member, m.Role)
	}
	_, err = t.exec(ctx, `INSERT INTO policy_rules(ptype, v0, v1, v2, v3) VALUES(:ptype, :v0, :v1, '', '')`, membershipParams(m))
	return err
}

func (t *sqlTx) RemoveMembership(ctx context.Context, m rbac.Membership) error {
	n, err := t.exec(ctx, `DELETE FROM policy_rules WHERE ptype = :ptype AND v0 = :v0 AND v1 = :v1`, membershipParams(m))
	if err != nil {
		return err
	}
	if n == 0 {
		return rbac.NotFoundError("remove_membership", "member", "%s is not a member of %s", m.Member, m.Role)
	}
	return nil
}

func (t *sqlTx) ListMemberships(ctx context.Context) ([]rbac.Membership, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listMemberships(ctx, q)
}

func (t *sqlTx) CountRoleReferences(ctx context.Context, role string) (int, error) {
	return t.count(ctx, `SELECT COUNT(1) FROM policy_rules WHERE (ptype = :p AND v0 = :role) OR (ptype = :g AND (v0 = :role OR v1 = :role))`,
		map[string]any{"p": ptypePolicy, "g": ptypeRole, "role": role})
}

func (t *sqlTx) CountRoleDefinitions(ctx context.Context, role string) (int, error) {
	return t.count(ctx, `SELECT COUNT(1) FROM policy_rules WHERE (ptype = :p AND v0 = :role) OR (ptype = :g AND v1 = :role)`,
		map[string]any{"p": ptypePolicy, "g": ptypeRole, "role": role})
}

// ============================================================================
// ROLE METADATA
// ============================================================================

func (t *sqlTx) GetRoleMetadata(ctx context.Context, role string) (*rbac.RoleMetadata, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return getRoleMetadata(ctx, q, role)
}

func (t *sqlTx) ListRoleMetadata(ctx context.Context) ([]*rbac.RoleMetadata, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listRoleMetadata(ctx, q)
}

func (t *sqlTx) PutRoleMetadata(ctx context.Context, m *rbac.RoleMetadata) error {
	_, err := t.exec(ctx, `INSERT INTO role_metadata(role_name, source, description, author, modifier, created_at, last_modified, legacy_aliases_json)
VALUES(:role_name, :source, :description, :author, :modifier, :created_at, :last_modified, :legacy_aliases_json)
ON CONFLICT(role_name) DO UPDATE SET source = excluded.source, description = excluded.description, author = excluded.author,
modifier = excluded.modifier, created_at = excluded.created_at, last_modified = excluded.last_modified, legacy_aliases_json = excluded.legacy_aliases_json`,
		map[string]any{
			"role_name":           m.RoleName,
			"source":              string(m.Source),
			"description":         m.Description,
			"author":              m.Author,
			"modifier":            m.Modifier,
			"created_at":          formatTime(m.CreatedAt),
			"last_modified":       formatTime(m.LastModified),
			"legacy_aliases_json": marshalJSON(stringsOrEmpty(m.LegacyAliases)),
		})
	return err
}

func (t *sqlTx) DeleteRoleMetadata(ctx context.Context, role string) error {
	_, err := t.exec(ctx, `DELETE FROM role_metadata WHERE role_name = :role_name`, map[string]any{"role_name": role})
	return err
}

// ============================================================================
// CONDITIONAL GRANTS
// ============================================================================

func (t *sqlTx) GetConditionalGrant(ctx context.Context, id string) (*rbac.ConditionalGrant, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	grants, err := queryGrants(ctx, q, "WHERE id = :id", map[string]any{"id": id})
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return grants[0], nil
}

func (t *sqlTx) FindConditionalGrant(ctx context.Context, key rbac.GrantKey) (*rbac.ConditionalGrant, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	grants, err := queryGrants(ctx, q, "WHERE role_entity_ref = :role AND plugin_id = :plugin_id AND resource_type = :resource_type AND permission_name = :permission_name",
		map[string]any{"role": key.Role, "plugin_id": key.PluginID, "resource_type": key.ResourceType, "permission_name": key.PermissionName})
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return grants[0], nil
}

func (t *sqlTx) ListConditionalGrants(ctx context.Context, filter rbac.GrantFilter) ([]*rbac.ConditionalGrant, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listGrants(ctx, q, filter)
}

func grantParams(g *rbac.ConditionalGrant, conditions string) map[string]any {
	return map[string]any{
		"id":              g.ID,
		"role_entity_ref": g.RoleEntityRef,
		"plugin_id":       g.PluginID,
		"resource_type":   g.ResourceType,
		"permission_name": g.PermissionName,
		"actions_json":    marshalJSON(stringsOrEmpty(g.Actions)),
		"conditions_json": conditions,
		"source":          string(g.Source),
		"created_at":      formatTime(g.CreatedAt),
		"updated_at":      formatTime(g.UpdatedAt),
	}
}

func (t *sqlTx) CreateConditionalGrant(ctx context.Context, g *rbac.ConditionalGrant) error {
	existing, err := t.GetConditionalGrant(ctx, g.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return rbac.ConflictError("create_conditional_grant", "id", "conditional grant %s already exists", g.ID)
	}
	if other, err := t.FindConditionalGrant(ctx, g.Key()); err != nil {
		return err
	} else if other != nil {
		return rbac.ConflictError("create_conditional_grant", "permissionName",
			"role %s already has a conditional grant for %s", g.RoleEntityRef, g.PermissionName)
	}
	conditions, err := rbac.MarshalConditions(g.Conditions)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO conditional_grants(id, role_entity_ref, plugin_id, resource_type, permission_name, actions_json, conditions_json, source, created_at, updated_at)
VALUES(:id, :role_entity_ref, :plugin_id, :resource_type, :permission_name, :actions_json, :conditions_json, :source, :created_at, :updated_at)`,
		grantParams(g, conditions))
	return err
}

func (t *sqlTx) UpdateConditionalGrant(ctx context.Context, g *rbac.ConditionalGrant) error {
	existing, err := t.GetConditionalGrant(ctx, g.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return rbac.NotFoundError("update_conditional_grant", "id", "conditional grant %s not found", g.ID)
	}
	if other, err := t.FindConditionalGrant(ctx, g.Key()); err != nil {
		return err
	} else if other != nil && other.ID != g.ID {
		return rbac.ConflictError("update_conditional_grant", "permissionName",
			"role %s already has a conditional grant for %s", g.RoleEntityRef, g.PermissionName)
	}
	conditions, err := rbac.MarshalConditions(g.Conditions)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `UPDATE conditional_grants SET role_entity_ref = :role_entity_ref, plugin_id = :plugin_id, resource_type = :resource_type,
permission_name = :permission_name, actions_json = :actions_json, conditions_json = :conditions_json, source = :source,
created_at = :created_at, updated_at = :updated_at WHERE id = :id`,
		grantParams(g, conditions))
	return err
}

func (t *sqlTx) DeleteConditionalGrant(ctx context.Context, id string) error {
	n, err := t.exec(ctx, `DELETE FROM conditional_grants WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return rbac.NotFoundError("delete_conditional_grant", "id", "conditional grant %s not found", id)
	}
	return nil
}

func (t *sqlTx) DeleteConditionalGrantsByRole(ctx context.Context, role string) (int, error) {
	n, err := t.exec(ctx, `DELETE FROM conditional_grants WHERE role_entity_ref = :role`, map[string]any{"role": role})
	return int(n), err
}

// ============================================================================
// AUDIT AND LIFECYCLE
// ============================================================================

func (t *sqlTx) AppendAudit(ctx context.Context, rec *rbac.AuditRecord) error {
	_, err := t.exec(ctx, insertAuditSQL, auditParams(rec))
	return err
}

func (t *sqlTx) Commit() error {
	if t.closed {
		return rbac.ErrTxDone
	}
	t.closed = true
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.tx.Rollback()
}
