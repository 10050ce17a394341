// Package stores holds persistent rbac.Store implementations and the Redis
// invalidation bus.
package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbac"
)

const (
	ptypePolicy = "p"
	ptypeRole   = "g"
)

// SQLStore persists policies, memberships, role metadata, conditional grants
// and audit records in sqlite through squealx.
type SQLStore struct {
	db *squealx.DB
}

var _ rbac.Store = (*SQLStore)(nil)

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Open opens the sqlite database at dsn, limits it to one connection so
// transactions serialise, and applies migrations.
func Open(dsn string) (*SQLStore, error) {
	db, err := squealx.Open("sqlite", dsn, "rbac")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db), nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *squealx.DB { return s.db }

// namedQuerier is satisfied by both *squealx.DB and *squealx.Tx.
type namedQuerier interface {
	NamedQueryContext(ctx context.Context, query string, arg any) (*squealx.Rows, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// ============================================================================
// READS
// ============================================================================

func (s *SQLStore) ListPolicies(ctx context.Context, filter rbac.PolicyFilter) ([]rbac.PolicyRule, error) {
	return listPolicies(ctx, s.db, filter)
}

func (s *SQLStore) ListMemberships(ctx context.Context) ([]rbac.Membership, error) {
	return listMemberships(ctx, s.db)
}

func (s *SQLStore) GetRoleMetadata(ctx context.Context, role string) (*rbac.RoleMetadata, error) {
	m, err := getRoleMetadata(ctx, s.db, role)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, rbac.NotFoundError("get_role_metadata", "role", "role %s not found", role)
	}
	return m, nil
}

func (s *SQLStore) ListRoleMetadata(ctx context.Context) ([]*rbac.RoleMetadata, error) {
	return listRoleMetadata(ctx, s.db)
}

func (s *SQLStore) GetConditionalGrant(ctx context.Context, id string) (*rbac.ConditionalGrant, error) {
	grants, err := queryGrants(ctx, s.db, "WHERE id = :id", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, rbac.NotFoundError("get_conditional_grant", "id", "conditional grant %s not found", id)
	}
	return grants[0], nil
}

func (s *SQLStore) FindByRoleAndPermission(ctx context.Context, role, pluginID, permissionName string) (*rbac.ConditionalGrant, error) {
	grants, err := queryGrants(ctx, s.db, "WHERE role_entity_ref = :role AND plugin_id = :plugin_id AND permission_name = :permission_name ORDER BY id",
		map[string]any{"role": role, "plugin_id": pluginID, "permission_name": permissionName})
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, rbac.NotFoundError("find_conditional_grant", "role", "no conditional grant for %s on %s/%s", role, pluginID, permissionName)
	}
	return grants[0], nil
}

func (s *SQLStore) ListConditionalGrants(ctx context.Context, filter rbac.GrantFilter) ([]*rbac.ConditionalGrant, error) {
	return listGrants(ctx, s.db, filter)
}

// AppendAudit writes one audit record outside any transaction.
func (s *SQLStore) AppendAudit(ctx context.Context, rec *rbac.AuditRecord) error {
	_, err := s.db.NamedExecContext(ctx, insertAuditSQL, auditParams(rec))
	return err
}

// ListAudit returns matching audit records, oldest first.
func (s *SQLStore) ListAudit(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditRecord, error) {
	var where []string
	params := map[string]any{}
	if filter.ActorID != "" {
		where = append(where, "actor_id = :actor_id")
		params["actor_id"] = filter.ActorID
	}
	if filter.Action != "" {
		where = append(where, "action = :action")
		params["action"] = string(filter.Action)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = :outcome")
		params["outcome"] = string(filter.Outcome)
	}
	if filter.Subject != "" {
		where = append(where, "subject = :subject")
		params["subject"] = filter.Subject
	}
	if !filter.StartTime.IsZero() {
		where = append(where, "timestamp >= :start")
		params["start"] = formatTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		where = append(where, "timestamp <= :end")
		params["end"] = formatTime(filter.EndTime)
	}
	q := `SELECT event_id, timestamp, actor_id, action, operation, outcome, subject, permission, resource_type, matched_rule, detail_json, error FROM audit_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.AuditRecord, 0)
	for r.Next() {
		var eventID, actor, action, operation, outcome, subject, permission, resourceType, matched, detailJSON, errText string
		var timestampRaw any
		if err := r.Scan(&eventID, &timestampRaw, &actor, &action, &operation, &outcome, &subject, &permission, &resourceType, &matched, &detailJSON, &errText); err != nil {
			return nil, err
		}
		rec := &rbac.AuditRecord{
			EventID:      eventID,
			Timestamp:    scanTime(timestampRaw),
			ActorID:      actor,
			Action:       rbac.AuditAction(action),
			Operation:    operation,
			Outcome:      rbac.AuditOutcome(outcome),
			Subject:      subject,
			Permission:   permission,
			ResourceType: resourceType,
			MatchedRule:  matched,
			Error:        errText,
		}
		if detailJSON != "" && detailJSON != "{}" && detailJSON != "null" {
			_ = json.Unmarshal([]byte(detailJSON), &rec.Detail)
		}
		out = append(out, rec)
	}
	return out, r.Err()
}

// Begin starts a transaction. With a single connection, a second Begin
// waits until the first transaction finishes or ctx is done.
func (s *SQLStore) Begin(ctx context.Context) (rbac.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

// ============================================================================
// SHARED QUERIES
// ============================================================================

const insertAuditSQL = `INSERT INTO audit_records(event_id, timestamp, actor_id, action, operation, outcome, subject, permission, resource_type, matched_rule, detail_json, error) VALUES(:event_id, :timestamp, :actor_id, :action, :operation, :outcome, :subject, :permission, :resource_type, :matched_rule, :detail_json, :error)`

func auditParams(rec *rbac.AuditRecord) map[string]any {
	detail := "{}"
	if len(rec.Detail) > 0 {
		detail = marshalJSON(rec.Detail)
	}
	return map[string]any{
		"event_id":      rec.EventID,
		"timestamp":     formatTime(rec.Timestamp),
		"actor_id":      rec.ActorID,
		"action":        string(rec.Action),
		"operation":     rec.Operation,
		"outcome":       string(rec.Outcome),
		"subject":       rec.Subject,
		"permission":    rec.Permission,
		"resource_type": rec.ResourceType,
		"matched_rule":  rec.MatchedRule,
		"detail_json":   detail,
		"error":         rec.Error,
	}
}

func listPolicies(ctx context.Context, q namedQuerier, filter rbac.PolicyFilter) ([]rbac.PolicyRule, error) {
	where := []string{"ptype = :ptype"}
	params := map[string]any{"ptype": ptypePolicy}
	if filter.Subject != "" {
		where = append(where, "v0 = :subject")
		params["subject"] = filter.Subject
	}
	if filter.Object != "" {
		where = append(where, "v1 = :object")
		params["object"] = filter.Object
	}
	if filter.Action != "" {
		where = append(where, "v2 = :action")
		params["action"] = filter.Action
	}
	rows, err := q.NamedQueryContext(ctx, "SELECT v0, v1, v2, v3 FROM policy_rules WHERE "+strings.Join(where, " AND ")+" ORDER BY v0, v1, v2, v3", params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]rbac.PolicyRule, 0)
	for rows.Next() {
		var p rbac.PolicyRule
		var effect string
		if err := rows.Scan(&p.Subject, &p.Object, &p.Action, &effect); err != nil {
			return nil, err
		}
		p.Effect = rbac.Effect(effect)
		out = append(out, p)
	}
	return out, rows.Err()
}

func listMemberships(ctx context.Context, q namedQuerier) ([]rbac.Membership, error) {
	rows, err := q.NamedQueryContext(ctx, "SELECT v0, v1 FROM policy_rules WHERE ptype = :ptype ORDER BY v0, v1", map[string]any{"ptype": ptypeRole})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]rbac.Membership, 0)
	for rows.Next() {
		var m rbac.Membership
		if err := rows.Scan(&m.Member, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const selectMetadataSQL = `SELECT role_name, source, description, author, modifier, created_at, last_modified, legacy_aliases_json FROM role_metadata`

func scanRoleMetadata(rows *squealx.Rows) (*rbac.RoleMetadata, error) {
	var m rbac.RoleMetadata
	var source, aliases string
	var createdRaw, modifiedRaw any
	if err := rows.Scan(&m.RoleName, &source, &m.Description, &m.Author, &m.Modifier, &createdRaw, &modifiedRaw, &aliases); err != nil {
		return nil, err
	}
	m.Source = rbac.Source(source)
	m.CreatedAt = scanTime(createdRaw)
	m.LastModified = scanTime(modifiedRaw)
	if err := json.Unmarshal([]byte(aliases), &m.LegacyAliases); err != nil {
		return nil, fmt.Errorf("decode legacy aliases of %s: %w", m.RoleName, err)
	}
	if len(m.LegacyAliases) == 0 {
		m.LegacyAliases = nil
	}
	return &m, nil
}

func getRoleMetadata(ctx context.Context, q namedQuerier, role string) (*rbac.RoleMetadata, error) {
	rows, err := q.NamedQueryContext(ctx, selectMetadataSQL+" WHERE role_name = :role_name", map[string]any{"role_name": role})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRoleMetadata(rows)
}

func listRoleMetadata(ctx context.Context, q namedQuerier) ([]*rbac.RoleMetadata, error) {
	rows, err := q.NamedQueryContext(ctx, selectMetadataSQL+" ORDER BY role_name", map[string]any{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*rbac.RoleMetadata, 0)
	for rows.Next() {
		m, err := scanRoleMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const selectGrantSQL = `SELECT id, role_entity_ref, plugin_id, resource_type, permission_name, actions_json, conditions_json, source, created_at, updated_at FROM conditional_grants `

func queryGrants(ctx context.Context, q namedQuerier, clause string, params map[string]any) ([]*rbac.ConditionalGrant, error) {
	rows, err := q.NamedQueryContext(ctx, selectGrantSQL+clause, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*rbac.ConditionalGrant, 0)
	for rows.Next() {
		var g rbac.ConditionalGrant
		var actions, conditions, source string
		var createdRaw, updatedRaw any
		if err := rows.Scan(&g.ID, &g.RoleEntityRef, &g.PluginID, &g.ResourceType, &g.PermissionName, &actions, &conditions, &source, &createdRaw, &updatedRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actions), &g.Actions); err != nil {
			return nil, fmt.Errorf("decode actions of grant %s: %w", g.ID, err)
		}
		if len(g.Actions) == 0 {
			g.Actions = nil
		}
		c, err := rbac.UnmarshalConditions(conditions)
		if err != nil {
			return nil, fmt.Errorf("decode conditions of grant %s: %w", g.ID, err)
		}
		g.Conditions = c
		g.Source = rbac.Source(source)
		g.CreatedAt = scanTime(createdRaw)
		g.UpdatedAt = scanTime(updatedRaw)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func listGrants(ctx context.Context, q namedQuerier, filter rbac.GrantFilter) ([]*rbac.ConditionalGrant, error) {
	var where []string
	params := map[string]any{}
	if filter.Role != "" {
		where = append(where, "role_entity_ref = :role")
		params["role"] = filter.Role
	}
	if filter.PluginID != "" {
		where = append(where, "plugin_id = :plugin_id")
		params["plugin_id"] = filter.PluginID
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = :resource_type")
		params["resource_type"] = filter.ResourceType
	}
	if filter.PermissionName != "" {
		where = append(where, "permission_name = :permission_name")
		params["permission_name"] = filter.PermissionName
	}
	clause := "ORDER BY id"
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ") + " " + clause
	}
	return queryGrants(ctx, q, clause, params)
}
