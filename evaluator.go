package rbac

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// EVALUATOR
// ============================================================================

// The request carries a per-decision id so matcher functions can reach the
// decision's context, role view and condition recorder.
const casbinModel = `
[request_definition]
r = sub, obj, rtype, act, rid

[policy_definition]
p = sub, obj, act, eft

[policy_effect]
e = some(where (p.eft == allow)) && !some(where (p.eft == deny))

[matchers]
m = roleLink(r.rid, p.sub) && objectMatch(r.obj, r.rtype, p.obj) && actionMatch(r.act, p.act) && grantHolds(r.rid, p.sub, p.eft)
`

// ruleTable is one immutable generation of the evaluator state.
type ruleTable struct {
	enforcer *casbin.Enforcer
	grants   map[string][]*ConditionalGrant // subject|permissionName
	rules    int
}

func grantIndexKey(subject, permission string) string { return subject + "|" + permission }

// inflight is the state of one decision while casbin runs the matcher.
type inflight struct {
	ctx     context.Context
	req     *Request
	roles   *RoleSet
	linker  RoleLinker
	explain bool
	now     time.Time

	conditions []ConditionResult
	trace      []string
	linkErr    error
}

func (f *inflight) tracef(format string, args ...any) {
	if f.explain {
		f.trace = append(f.trace, fmt.Sprintf(format, args...))
	}
}

// Evaluator owns the casbin enforcer shared by every decision. Decisions
// hold a read lock for the duration of matching; Load swaps in a freshly
// built rule table under the write lock so a decision sees either the old
// or the new rule set.
type Evaluator struct {
	mu    sync.RWMutex
	table *ruleTable

	conditions *ConditionEvaluator
	requests   sync.Map // rid -> *inflight
	seq        atomic.Uint64
}

// NewEvaluator creates an Evaluator with an empty rule table.
func NewEvaluator(rules *RuleRegistry) (*Evaluator, error) {
	ev := &Evaluator{conditions: NewConditionEvaluator(rules)}
	if err := ev.Load(nil, nil); err != nil {
		return nil, err
	}
	return ev, nil
}

func (ev *Evaluator) buildTable(policies []PolicyRule, grants []*ConditionalGrant) (*ruleTable, error) {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	t := &ruleTable{enforcer: enforcer, grants: make(map[string][]*ConditionalGrant), rules: len(policies)}
	for _, g := range grants {
		key := grantIndexKey(g.RoleEntityRef, g.PermissionName)
		t.grants[key] = append(t.grants[key], g.Clone())
	}
	enforcer.AddFunction("roleLink", func(args ...interface{}) (interface{}, error) {
		f, psub, ok := ev.argsFor(args)
		if !ok {
			return false, nil
		}
		linked, err := f.linker.HasLink(f.ctx, f.req.Subject, psub)
		if err != nil {
			f.linkErr = err
			return false, nil
		}
		return linked, nil
	})
	enforcer.AddFunction("objectMatch", func(args ...interface{}) (interface{}, error) {
		if len(args) != 3 {
			return false, fmt.Errorf("objectMatch expects 3 arguments, got %d", len(args))
		}
		obj, _ := args[0].(string)
		rtype, _ := args[1].(string)
		pobj, _ := args[2].(string)
		if rtype != "" && rtype == pobj {
			return true, nil
		}
		return utils.MatchPermission(obj, pobj), nil
	})
	enforcer.AddFunction("actionMatch", func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("actionMatch expects 2 arguments, got %d", len(args))
		}
		act, _ := args[0].(string)
		pact, _ := args[1].(string)
		return pact == "*" || act == pact, nil
	})
	enforcer.AddFunction("grantHolds", func(args ...interface{}) (interface{}, error) {
		f, psub, ok := ev.argsFor(args)
		if !ok || len(args) != 3 {
			return false, nil
		}
		eft, _ := args[2].(string)
		if Effect(eft) != EffectAllow {
			f.tracef("candidate %s %s", psub, eft)
			return true, nil
		}
		return ev.grantHolds(t, f, psub), nil
	})
	if len(policies) > 0 {
		rows := make([][]string, 0, len(policies))
		for _, p := range policies {
			rows = append(rows, p.Row())
		}
		if _, err := enforcer.AddPolicies(rows); err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
	}
	return t, nil
}

func (ev *Evaluator) argsFor(args []interface{}) (*inflight, string, bool) {
	if len(args) < 2 {
		return nil, "", false
	}
	rid, _ := args[0].(string)
	psub, _ := args[1].(string)
	v, ok := ev.requests.Load(rid)
	if !ok {
		return nil, "", false
	}
	return v.(*inflight), psub, true
}

// grantHolds evaluates the conditional grants attached to subject for the
// requested permission. Without a grant the rule applies unconditionally.
func (ev *Evaluator) grantHolds(t *ruleTable, f *inflight, subject string) bool {
	perm := f.req.Permission
	var applicable []*ConditionalGrant
	for _, g := range t.grants[grantIndexKey(subject, perm.Name)] {
		if perm.PluginID != "" && g.PluginID != perm.PluginID {
			continue
		}
		if perm.ResourceType != "" && g.ResourceType != perm.ResourceType {
			continue
		}
		if g.appliesTo(perm.Action) {
			applicable = append(applicable, g)
		}
	}
	if len(applicable) == 0 {
		f.tracef("candidate %s allow (unconditional)", subject)
		return true
	}
	ectx := &EvalContext{
		Context:            f.ctx,
		Subject:            f.req.Subject,
		Claims:             f.roles.Claims(),
		Permission:         perm,
		ResourceAttributes: f.req.ResourceAttributes,
		Now:                f.now,
	}
	for _, g := range applicable {
		ok, err := ev.conditions.Evaluate(g.Conditions, ectx)
		res := ConditionResult{GrantID: g.ID, Role: subject, Result: ok && err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		f.conditions = append(f.conditions, res)
		f.tracef("condition %s on %s: %s => %v", g.ID, subject, g.Conditions, res.Result)
		if !res.Result {
			return false
		}
	}
	return true
}

// Load replaces the rule table with policies and grants.
func (ev *Evaluator) Load(policies []PolicyRule, grants []*ConditionalGrant) error {
	t, err := ev.buildTable(policies, grants)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	ev.table = t
	ev.mu.Unlock()
	return nil
}

// RuleCount returns the number of policy rules in the current table.
func (ev *Evaluator) RuleCount() int {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return ev.table.rules
}

// Policies returns the rows of the current rule table.
func (ev *Evaluator) Policies() ([]PolicyRule, error) {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	rows, err := ev.table.enforcer.GetPolicy()
	if err != nil {
		return nil, err
	}
	out := make([]PolicyRule, 0, len(rows))
	for _, row := range rows {
		if p, ok := PolicyRuleFromRow(row); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Decide runs req against the current rule table. roles is the subject's
// resolved role set; it doubles as the role-link strategy unless linker is
// given.
func (ev *Evaluator) Decide(ctx context.Context, req *Request, roles *RoleSet, linker RoleLinker, explain bool) (*Decision, error) {
	if roles == nil {
		roles = &RoleSet{Subject: req.Subject}
	}
	if linker == nil {
		linker = roles
	}
	f := &inflight{ctx: ctx, req: req, roles: roles, linker: linker, explain: explain, now: time.Now()}
	rid := strconv.FormatUint(ev.seq.Add(1), 36)
	ev.requests.Store(rid, f)
	defer ev.requests.Delete(rid)

	ev.mu.RLock()
	allowed, matched, err := ev.table.enforcer.EnforceEx(req.Subject, req.Permission.Name, req.Permission.ResourceType, req.Permission.Action, rid)
	ev.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	d := &Decision{
		Allowed:             allowed,
		Effect:              EffectDeny,
		EvaluatedConditions: f.conditions,
		Stale:               roles.Stale,
		Roles:               roles.Roles,
		Trace:               f.trace,
		Timestamp:           f.now,
	}
	if rule, ok := PolicyRuleFromRow(matched); ok {
		d.MatchedRule = &rule
	}
	switch {
	case allowed:
		d.Effect = EffectAllow
		d.Reason = "allowed"
		if d.MatchedRule != nil {
			d.Reason = "allowed by " + d.MatchedRule.String()
		}
	case d.MatchedRule != nil && d.MatchedRule.Effect == EffectDeny:
		d.Reason = "denied by " + d.MatchedRule.String()
	case len(f.conditions) > 0:
		d.Reason = "conditions not satisfied"
	case f.linkErr != nil:
		d.Reason = "role resolution failed: " + f.linkErr.Error()
	default:
		d.Reason = "no matching policy"
	}
	return d, nil
}
