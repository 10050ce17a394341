package rbac

import (
	"context"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect represents the outcome attached to a policy rule
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Source records where a role (and the rules attached to it) was provisioned.
type Source string

const (
	SourceREST          Source = "rest"
	SourceCSVFile       Source = "csv-file"
	SourceConfiguration Source = "configuration"
	SourceLegacy        Source = "legacy"
)

// ProviderSource returns the source used for roles owned by an external provider.
func ProviderSource(providerID string) Source { return Source(providerID) }

// IsProvider reports whether s names an external provider.
func (s Source) IsProvider() bool {
	switch s {
	case SourceREST, SourceCSVFile, SourceConfiguration, SourceLegacy, "":
		return false
	}
	return true
}

// Default namespace used when an entity reference omits one.
const DefaultNamespace = "default"

// Well-known entity kinds.
const (
	KindUser  = "user"
	KindGroup = "group"
	KindRole  = "role"
)

// EntityRef is a parsed "kind:namespace/name" reference.
type EntityRef struct {
	Kind      string
	Namespace string
	Name      string
}

func (r EntityRef) String() string {
	return r.Kind + ":" + r.Namespace + "/" + r.Name
}

// ParseEntityRef parses refs like "user:default/alice" or "group:team-a".
// Kind and namespace are lower-cased; a missing namespace becomes "default".
func ParseEntityRef(ref string) (EntityRef, bool) {
	ref = strings.TrimSpace(ref)
	kind, rest, ok := strings.Cut(ref, ":")
	if !ok || kind == "" || rest == "" {
		return EntityRef{}, false
	}
	ns, name, ok := strings.Cut(rest, "/")
	if !ok {
		ns, name = DefaultNamespace, rest
	}
	if ns == "" || name == "" || strings.ContainsAny(name, " ,") {
		return EntityRef{}, false
	}
	return EntityRef{Kind: strings.ToLower(kind), Namespace: strings.ToLower(ns), Name: name}, true
}

// NormalizeRef returns the canonical form of ref, or ref unchanged when it
// does not parse.
func NormalizeRef(ref string) string {
	if r, ok := ParseEntityRef(ref); ok {
		return r.String()
	}
	return strings.TrimSpace(ref)
}

// IsRoleRef reports whether ref names an RBAC role.
func IsRoleRef(ref string) bool {
	r, ok := ParseEntityRef(ref)
	return ok && r.Kind == KindRole
}

// PolicyRule is a (subject, object, action, effect) tuple. Object is either a
// resource type or a permission name.
type PolicyRule struct {
	Subject string `json:"subject" yaml:"subject" validate:"required,entityref"`
	Object  string `json:"object" yaml:"object" validate:"required,excludesall=0x2C"`
	Action  string `json:"action" yaml:"action" validate:"required,excludesall=0x2C"`
	Effect  Effect `json:"effect" yaml:"effect" validate:"required,oneof=allow deny"`
}

// Normalize canonicalises the subject ref and lower-cases the effect.
func (p PolicyRule) Normalize() PolicyRule {
	p.Subject = NormalizeRef(p.Subject)
	p.Object = strings.TrimSpace(p.Object)
	p.Action = strings.TrimSpace(p.Action)
	p.Effect = Effect(strings.ToLower(strings.TrimSpace(string(p.Effect))))
	return p
}

// Key is the uniqueness key of a rule.
func (p PolicyRule) Key() string {
	return p.Subject + "|" + p.Object + "|" + p.Action + "|" + string(p.Effect)
}

// Row renders the rule the way the evaluator and CSV files expect it.
func (p PolicyRule) Row() []string {
	return []string{p.Subject, p.Object, p.Action, string(p.Effect)}
}

func (p PolicyRule) String() string {
	return strings.Join(p.Row(), ", ")
}

// PolicyRuleFromRow is the inverse of Row.
func PolicyRuleFromRow(row []string) (PolicyRule, bool) {
	if len(row) < 4 {
		return PolicyRule{}, false
	}
	return PolicyRule{Subject: row[0], Object: row[1], Action: row[2], Effect: Effect(row[3])}, true
}

// Membership is a directed edge "Member belongs to Role". Members can be
// users, catalog groups or other roles.
type Membership struct {
	Member string `json:"member" yaml:"member" validate:"required,entityref"`
	Role   string `json:"role" yaml:"role" validate:"required,roleref"`
}

// Normalize canonicalises both refs.
func (m Membership) Normalize() Membership {
	return Membership{Member: NormalizeRef(m.Member), Role: NormalizeRef(m.Role)}
}

func (m Membership) Key() string { return m.Member + "|" + m.Role }

// Permission identifies what is being requested.
type Permission struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	ResourceType string `json:"resource_type,omitempty" yaml:"resource_type,omitempty"`
	Action       string `json:"action" yaml:"action" validate:"required"`
	PluginID     string `json:"plugin_id,omitempty" yaml:"plugin_id,omitempty"`
}

// RoleMetadata is the provenance record of a role.
type RoleMetadata struct {
	RoleName      string    `json:"role_name"`
	Source        Source    `json:"source"`
	Description   string    `json:"description,omitempty"`
	Author        string    `json:"author,omitempty"`
	Modifier      string    `json:"modifier,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastModified  time.Time `json:"last_modified"`
	LegacyAliases []string  `json:"legacy_aliases,omitempty"`
}

// Clone returns a deep copy.
func (m *RoleMetadata) Clone() *RoleMetadata {
	if m == nil {
		return nil
	}
	dup := *m
	dup.LegacyAliases = append([]string(nil), m.LegacyAliases...)
	return &dup
}

// AddAlias records a legacy alias once.
func (m *RoleMetadata) AddAlias(alias string) {
	for _, a := range m.LegacyAliases {
		if a == alias {
			return
		}
	}
	m.LegacyAliases = append(m.LegacyAliases, alias)
	sort.Strings(m.LegacyAliases)
}

// Role is a role together with its direct members and provenance.
type Role struct {
	Name     string        `json:"name" yaml:"name" validate:"required,roleref"`
	Members  []string      `json:"members" yaml:"members" validate:"dive,entityref"`
	Metadata *RoleMetadata `json:"metadata,omitempty" yaml:"-"`
}

// Actor identifies who performs an operation; recorded in audit records and
// role provenance.
type Actor struct {
	ID string `json:"id"`
}

// ============================================================================
// DECISIONS
// ============================================================================

// Request is a single authorization question.
type Request struct {
	Subject            string         `json:"subject" validate:"required"`
	Permission         Permission     `json:"permission"`
	ResourceAttributes map[string]any `json:"resource_attributes,omitempty"`
}

// ConditionResult records one conditional grant evaluated for a decision.
type ConditionResult struct {
	GrantID string `json:"grant_id"`
	Role    string `json:"role"`
	Result  bool   `json:"result"`
	Error   string `json:"error,omitempty"`
}

// Decision represents the authorization decision
type Decision struct {
	Allowed             bool              `json:"allowed"`
	Effect              Effect            `json:"effect"`
	MatchedRule         *PolicyRule       `json:"matched_rule,omitempty"`
	EvaluatedConditions []ConditionResult `json:"evaluated_conditions,omitempty"`
	Stale               bool              `json:"stale,omitempty"`
	Reason              string            `json:"reason"`
	Roles               []string          `json:"roles,omitempty"`
	Trace               []string          `json:"trace,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	AuditID             string            `json:"audit_id,omitempty"`
}

// AttributeProvider fetches extra attributes for a resource before
// conditions are evaluated. Values returned never override caller attributes.
type AttributeProvider interface {
	ID() string
	ResourceAttributes(ctx context.Context, req *Request) (map[string]any, error)
}
