package rbac

import (
	"context"
	"time"
)

// ============================================================================
// STORE INTERFACES
// ============================================================================

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	Subject string
	Object  string
	Action  string
}

func (f PolicyFilter) matches(p PolicyRule) bool {
	return (f.Subject == "" || f.Subject == p.Subject) &&
		(f.Object == "" || f.Object == p.Object) &&
		(f.Action == "" || f.Action == p.Action)
}

// GrantFilter narrows ListConditionalGrants.
type GrantFilter struct {
	Role           string
	PluginID       string
	ResourceType   string
	PermissionName string
}

func (f GrantFilter) matches(g *ConditionalGrant) bool {
	return (f.Role == "" || f.Role == g.RoleEntityRef) &&
		(f.PluginID == "" || f.PluginID == g.PluginID) &&
		(f.ResourceType == "" || f.ResourceType == g.ResourceType) &&
		(f.PermissionName == "" || f.PermissionName == g.PermissionName)
}

// AuditFilter narrows ListAudit. Results are returned oldest first.
type AuditFilter struct {
	ActorID   string
	Action    AuditAction
	Outcome   AuditOutcome
	Subject   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (f AuditFilter) matches(r *AuditRecord) bool {
	if f.ActorID != "" && f.ActorID != r.ActorID {
		return false
	}
	if f.Action != "" && f.Action != r.Action {
		return false
	}
	if f.Outcome != "" && f.Outcome != r.Outcome {
		return false
	}
	if f.Subject != "" && f.Subject != r.Subject {
		return false
	}
	if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// PolicyStore reads committed policy rules and membership edges.
type PolicyStore interface {
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]PolicyRule, error)
	ListMemberships(ctx context.Context) ([]Membership, error)
}

// RoleMetadataStore reads committed role provenance.
type RoleMetadataStore interface {
	GetRoleMetadata(ctx context.Context, role string) (*RoleMetadata, error)
	ListRoleMetadata(ctx context.Context) ([]*RoleMetadata, error)
}

// ConditionalStore reads committed conditional grants.
type ConditionalStore interface {
	GetConditionalGrant(ctx context.Context, id string) (*ConditionalGrant, error)
	FindByRoleAndPermission(ctx context.Context, role, pluginID, permissionName string) (*ConditionalGrant, error)
	ListConditionalGrants(ctx context.Context, filter GrantFilter) ([]*ConditionalGrant, error)
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}

// Store groups the read interfaces with a transaction factory. Every write
// goes through a Tx.
type Store interface {
	PolicyStore
	RoleMetadataStore
	ConditionalStore
	AuditStore
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of work spanning policies, memberships, role
// metadata, conditional grants and staged audit records. Lookups return
// (nil, nil) when the row is absent. Overlapping transactions serialise.
type Tx interface {
	HasPolicy(ctx context.Context, p PolicyRule) (bool, error)
	AddPolicy(ctx context.Context, p PolicyRule) error
	RemovePolicy(ctx context.Context, p PolicyRule) error
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]PolicyRule, error)

	HasMembership(ctx context.Context, m Membership) (bool, error)
	AddMembership(ctx context.Context, m Membership) error
	RemoveMembership(ctx context.Context, m Membership) error
	ListMemberships(ctx context.Context) ([]Membership, error)

	// CountRoleReferences counts policy rows whose subject is role plus
	// membership rows naming role on either side.
	CountRoleReferences(ctx context.Context, role string) (int, error)
	// CountRoleDefinitions counts policy rows whose subject is role plus
	// membership rows naming role on the role side.
	CountRoleDefinitions(ctx context.Context, role string) (int, error)

	GetRoleMetadata(ctx context.Context, role string) (*RoleMetadata, error)
	ListRoleMetadata(ctx context.Context) ([]*RoleMetadata, error)
	PutRoleMetadata(ctx context.Context, m *RoleMetadata) error
	DeleteRoleMetadata(ctx context.Context, role string) error

	GetConditionalGrant(ctx context.Context, id string) (*ConditionalGrant, error)
	FindConditionalGrant(ctx context.Context, key GrantKey) (*ConditionalGrant, error)
	ListConditionalGrants(ctx context.Context, filter GrantFilter) ([]*ConditionalGrant, error)
	CreateConditionalGrant(ctx context.Context, g *ConditionalGrant) error
	UpdateConditionalGrant(ctx context.Context, g *ConditionalGrant) error
	DeleteConditionalGrant(ctx context.Context, id string) error
	DeleteConditionalGrantsByRole(ctx context.Context, role string) (int, error)

	AppendAudit(ctx context.Context, rec *AuditRecord) error

	Commit() error
	Rollback() error
}
