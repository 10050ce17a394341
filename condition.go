package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// CONDITION EXPRESSIONS
// ============================================================================

// ConditionKind tags the variant held by a Condition.
type ConditionKind uint8

const (
	ConditionInvalid ConditionKind = iota
	ConditionLeaf
	ConditionAllOf
	ConditionAnyOf
	ConditionNot
)

func (k ConditionKind) String() string {
	switch k {
	case ConditionLeaf:
		return "rule"
	case ConditionAllOf:
		return "allOf"
	case ConditionAnyOf:
		return "anyOf"
	case ConditionNot:
		return "not"
	}
	return "invalid"
}

// Condition is a tagged tree: exactly one of Rule, AllOf, AnyOf or Not is set.
type Condition struct {
	Rule         string         `json:"rule,omitempty"`
	ResourceType string         `json:"resourceType,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	AllOf        []*Condition   `json:"allOf,omitempty"`
	AnyOf        []*Condition   `json:"anyOf,omitempty"`
	Not          *Condition     `json:"not,omitempty"`
}

// Leaf builds a rule leaf.
func Leaf(rule string, params map[string]any) *Condition {
	return &Condition{Rule: rule, Params: params}
}

// AllOf builds a conjunction.
func AllOf(children ...*Condition) *Condition { return &Condition{AllOf: children} }

// AnyOf builds a disjunction.
func AnyOf(children ...*Condition) *Condition { return &Condition{AnyOf: children} }

// Not negates child.
func Not(child *Condition) *Condition { return &Condition{Not: child} }

// Kind returns the variant, ConditionInvalid when zero or several tags are set.
func (c *Condition) Kind() ConditionKind {
	if c == nil {
		return ConditionInvalid
	}
	kind, n := ConditionInvalid, 0
	if c.Rule != "" {
		kind, n = ConditionLeaf, n+1
	}
	if c.AllOf != nil {
		kind, n = ConditionAllOf, n+1
	}
	if c.AnyOf != nil {
		kind, n = ConditionAnyOf, n+1
	}
	if c.Not != nil {
		kind, n = ConditionNot, n+1
	}
	if n != 1 {
		return ConditionInvalid
	}
	return kind
}

// UnmarshalJSON accepts "not" either as an object or a one-element array.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var aux struct {
		plain
		Not json.RawMessage `json:"not,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Condition(aux.plain)
	c.Not = nil
	raw := bytes.TrimSpace(aux.Not)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		var list []*Condition
		if err := json.Unmarshal(raw, &list); err != nil {
			return err
		}
		if len(list) != 1 {
			return fmt.Errorf("not expects exactly one condition, got %d", len(list))
		}
		c.Not = list[0]
		return nil
	}
	var child Condition
	if err := json.Unmarshal(raw, &child); err != nil {
		return err
	}
	c.Not = &child
	return nil
}

// Validate checks the tree shape and that every leaf names a rule registry
// knows about. The returned error names the offending path.
func (c *Condition) Validate(registry *RuleRegistry) error {
	return c.validate(registry, "conditions")
}

func (c *Condition) validate(registry *RuleRegistry, path string) error {
	switch c.Kind() {
	case ConditionLeaf:
		if registry != nil {
			rule, ok := registry.Get(c.Rule)
			if !ok {
				return ValidationError("validate_condition", path+".rule", "unknown rule %q", c.Rule)
			}
			if c.ResourceType != "" && rule.ResourceType() != "" && c.ResourceType != rule.ResourceType() {
				return ValidationError("validate_condition", path+".resourceType", "rule %s applies to %q, not %q", c.Rule, rule.ResourceType(), c.ResourceType)
			}
			if err := rule.ValidateParams(c.Params); err != nil {
				return ValidationError("validate_condition", path+".params", "%v", err)
			}
		}
		return nil
	case ConditionAllOf, ConditionAnyOf:
		children := c.AllOf
		name := "allOf"
		if c.Kind() == ConditionAnyOf {
			children, name = c.AnyOf, "anyOf"
		}
		if len(children) == 0 {
			return ValidationError("validate_condition", path+"."+name, "must contain at least one condition")
		}
		for i, child := range children {
			if err := child.validate(registry, fmt.Sprintf("%s.%s[%d]", path, name, i)); err != nil {
				return err
			}
		}
		return nil
	case ConditionNot:
		return c.Not.validate(registry, path+".not")
	}
	return ValidationError("validate_condition", path, "exactly one of rule, allOf, anyOf or not must be set")
}

func (c *Condition) String() string {
	switch c.Kind() {
	case ConditionLeaf:
		if len(c.Params) == 0 {
			return c.Rule + "()"
		}
		b, _ := json.Marshal(c.Params)
		return c.Rule + "(" + string(b) + ")"
	case ConditionAllOf, ConditionAnyOf:
		children, sep := c.AllOf, " AND "
		if c.Kind() == ConditionAnyOf {
			children, sep = c.AnyOf, " OR "
		}
		parts := make([]string, len(children))
		for i, child := range children {
			parts[i] = child.String()
		}
		return "(" + strings.Join(parts, sep) + ")"
	case ConditionNot:
		return "NOT " + c.Not.String()
	}
	return "<invalid>"
}

// EvalContext carries what a rule can look at.
type EvalContext struct {
	Context            context.Context
	Subject            string
	Claims             []string // subject plus its effective roles and groups
	Permission         Permission
	ResourceAttributes map[string]any
	Now                time.Time
}

// ConditionEvaluator walks a condition tree with short-circuit semantics.
type ConditionEvaluator struct {
	rules *RuleRegistry
}

func NewConditionEvaluator(rules *RuleRegistry) *ConditionEvaluator {
	if rules == nil {
		rules = NewRuleRegistry()
	}
	return &ConditionEvaluator{rules: rules}
}

// Evaluate returns the boolean value of c. allOf stops at the first false
// child, anyOf at the first true one. A rule error makes the whole
// evaluation fail; callers treat that as "condition not satisfied".
func (ev *ConditionEvaluator) Evaluate(c *Condition, ctx *EvalContext) (bool, error) {
	switch c.Kind() {
	case ConditionLeaf:
		rule, ok := ev.rules.Get(c.Rule)
		if !ok {
			return false, fmt.Errorf("unknown rule %q", c.Rule)
		}
		params := resolveAliases(c.Params, ctx)
		return rule.Apply(ctx, params)
	case ConditionAllOf:
		for _, child := range c.AllOf {
			ok, err := ev.Evaluate(child, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case ConditionAnyOf:
		for _, child := range c.AnyOf {
			ok, err := ev.Evaluate(child, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ConditionNot:
		ok, err := ev.Evaluate(c.Not, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("invalid condition node")
}

// Parameter aliases substituted before a rule runs.
const (
	AliasCurrentUser = "$currentUser"
	AliasOwnerRefs   = "$ownerRefs"
)

func resolveAliases(params map[string]any, ctx *EvalContext) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveAliasValue(v, ctx)
	}
	return out
}

func resolveAliasValue(v any, ctx *EvalContext) any {
	switch vv := v.(type) {
	case string:
		switch vv {
		case AliasCurrentUser:
			return ctx.Subject
		case AliasOwnerRefs:
			return append([]string(nil), ctx.Claims...)
		}
		return vv
	case []any:
		out := make([]any, 0, len(vv))
		for _, item := range vv {
			switch r := resolveAliasValue(item, ctx).(type) {
			case []string:
				for _, s := range r {
					out = append(out, s)
				}
			default:
				out = append(out, r)
			}
		}
		return out
	case []string:
		out := make([]any, 0, len(vv))
		for _, item := range vv {
			out = append(out, item)
		}
		return resolveAliasValue(out, ctx)
	}
	return v
}

// ============================================================================
// CONDITIONAL GRANTS
// ============================================================================

// ConditionalGrant attaches a condition tree to a role's permission.
type ConditionalGrant struct {
	ID             string     `json:"id"`
	RoleEntityRef  string     `json:"roleEntityRef" validate:"required,entityref"`
	PluginID       string     `json:"pluginId" validate:"required"`
	ResourceType   string     `json:"resourceType" validate:"required"`
	PermissionName string     `json:"permissionName" validate:"required"`
	Actions        []string   `json:"actions,omitempty"`
	Conditions     *Condition `json:"conditions" validate:"required"`
	Source         Source     `json:"source,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// GrantKey is the uniqueness key of a conditional grant.
type GrantKey struct {
	Role           string
	PluginID       string
	ResourceType   string
	PermissionName string
}

func (g *ConditionalGrant) Key() GrantKey {
	return GrantKey{Role: g.RoleEntityRef, PluginID: g.PluginID, ResourceType: g.ResourceType, PermissionName: g.PermissionName}
}

// Clone returns a deep copy; conditions are copied through JSON.
func (g *ConditionalGrant) Clone() *ConditionalGrant {
	if g == nil {
		return nil
	}
	dup := *g
	dup.Actions = append([]string(nil), g.Actions...)
	if g.Conditions != nil {
		if b, err := json.Marshal(g.Conditions); err == nil {
			var c Condition
			if json.Unmarshal(b, &c) == nil {
				dup.Conditions = &c
			}
		}
	}
	return &dup
}

// appliesTo reports whether the grant covers action; an empty action list
// covers every action.
func (g *ConditionalGrant) appliesTo(action string) bool {
	if len(g.Actions) == 0 {
		return true
	}
	for _, a := range g.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// MarshalConditions renders the tree for storage.
func MarshalConditions(c *Condition) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalConditions parses a stored tree.
func UnmarshalConditions(s string) (*Condition, error) {
	var c Condition
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
