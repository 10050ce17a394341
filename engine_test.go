package rbac_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
)

const (
	alice = "user:default/alice"
	bob   = "user:default/bob"
	teamA = "group:default/team-a"
	admin = "user:default/admin"
)

var adminActor = rbac.Actor{ID: admin}

type testEnv struct {
	engine  *rbac.Engine
	store   *rbac.MemoryStore
	catalog *rbac.MemoryCatalog
	plugins *rbac.StaticPluginSource
}

func newTestEnv(t *testing.T, opts ...rbac.EngineOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{
		store:   rbac.NewMemoryStore(),
		catalog: rbac.NewMemoryCatalog(),
		plugins: rbac.NewStaticPluginSource(),
	}
	env.catalog.AddGroup(teamA)
	env.catalog.AddUser(alice, teamA)
	env.catalog.AddUser(bob)
	env.plugins.SetPermissions("catalog", "catalog-entity", map[string]string{
		"catalog.entity.read":   "read",
		"catalog.entity.delete": "delete",
	})
	collector := rbac.NewPermissionCollector(env.plugins, []string{"catalog"})
	if err := collector.Refresh(ctx); err != nil {
		t.Fatalf("refresh permissions: %v", err)
	}
	base := []rbac.EngineOption{
		rbac.WithLogger(logger.NewNullLogger()),
		rbac.WithCatalog(env.catalog),
		rbac.WithPermissionCollector(collector),
		rbac.WithMetrics(rbac.NewMetrics(prometheus.NewRegistry())),
	}
	engine, err := rbac.NewEngine(ctx, env.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}

func readRequest(subject string, attrs map[string]any) *rbac.Request {
	return &rbac.Request{
		Subject: subject,
		Permission: rbac.Permission{
			Name:         "catalog.entity.read",
			ResourceType: "catalog-entity",
			Action:       "read",
			PluginID:     "catalog",
		},
		ResourceAttributes: attrs,
	}
}

func allow(subject, object, action string) rbac.PolicyRule {
	return rbac.PolicyRule{Subject: subject, Object: object, Action: action, Effect: rbac.EffectAllow}
}

func deny(subject, object, action string) rbac.PolicyRule {
	return rbac.PolicyRule{Subject: subject, Object: object, Action: action, Effect: rbac.EffectDeny}
}

func TestGroupMemberAllowedThroughGroupPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddPolicies(ctx, adminActor, allow(teamA, "catalog-entity", "read")); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	d, err := env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.MatchedRule == nil || d.MatchedRule.Subject != teamA {
		t.Fatalf("expected allow matched on %s, got %+v", teamA, d)
	}
	d, _ = env.engine.CheckPermission(ctx, readRequest(bob, nil))
	if d.Allowed {
		t.Fatalf("bob is not in team-a and must be denied")
	}
}

func TestConditionalGrantOwnerCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddPolicies(ctx, adminActor, allow(teamA, "catalog-entity", "read")); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	grant, err := env.engine.AddConditionalGrant(ctx, adminActor, &rbac.ConditionalGrant{
		RoleEntityRef:  teamA,
		PluginID:       "catalog",
		ResourceType:   "catalog-entity",
		PermissionName: "catalog.entity.read",
		Conditions:     rbac.Leaf("IS_ENTITY_OWNER", map[string]any{"claims": []any{rbac.AliasCurrentUser}}),
	})
	if err != nil {
		t.Fatalf("add grant: %v", err)
	}
	if grant.ID == "" {
		t.Fatalf("grant id not assigned")
	}

	d, _ := env.engine.CheckPermission(ctx, readRequest(alice, map[string]any{"owner": bob}))
	if d.Allowed {
		t.Fatalf("expected deny for resource owned by bob, got %+v", d)
	}
	if len(d.EvaluatedConditions) != 1 || d.EvaluatedConditions[0].Result {
		t.Fatalf("expected one failed condition, got %+v", d.EvaluatedConditions)
	}
	d, _ = env.engine.CheckPermission(ctx, readRequest(alice, map[string]any{"owner": alice}))
	if !d.Allowed {
		t.Fatalf("expected allow for resource owned by alice, got %+v", d)
	}
}

func TestConditionalGrantValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := rbac.ConditionalGrant{
		RoleEntityRef:  teamA,
		PluginID:       "catalog",
		ResourceType:   "catalog-entity",
		PermissionName: "catalog.entity.read",
		Conditions:     rbac.Leaf("IS_ENTITY_OWNER", map[string]any{"claims": []any{rbac.AliasOwnerRefs}}),
	}

	unknown := base
	unknown.PermissionName = "catalog.entity.publish"
	if _, err := env.engine.AddConditionalGrant(ctx, adminActor, &unknown); rbac.KindOf(err) != rbac.KindValidation {
		t.Fatalf("expected validation error for unknown permission, got %v", err)
	}
	badRule := base
	badRule.Conditions = rbac.Leaf("NO_SUCH_RULE", nil)
	if _, err := env.engine.AddConditionalGrant(ctx, adminActor, &badRule); rbac.KindOf(err) != rbac.KindValidation {
		t.Fatalf("expected validation error for unknown rule, got %v", err)
	}
	if _, err := env.engine.AddConditionalGrant(ctx, adminActor, &base); err != nil {
		t.Fatalf("add grant: %v", err)
	}
	if _, err := env.engine.AddConditionalGrant(ctx, adminActor, &base); rbac.KindOf(err) != rbac.KindConflict {
		t.Fatalf("expected conflict for duplicate grant, got %v", err)
	}
}

func TestDenyOverridesRegardlessOfOrder(t *testing.T) {
	for _, denyFirst := range []bool{true, false} {
		env := newTestEnv(t)
		ctx := context.Background()
		rules := []rbac.PolicyRule{allow(alice, "catalog-entity", "read"), deny(alice, "catalog-entity", "read")}
		if denyFirst {
			rules[0], rules[1] = rules[1], rules[0]
		}
		for _, r := range rules {
			if err := env.engine.AddPolicies(ctx, adminActor, r); err != nil {
				t.Fatalf("add policy: %v", err)
			}
		}
		d, err := env.engine.CheckPermission(ctx, readRequest(alice, nil))
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if d.Allowed || d.Effect != rbac.EffectDeny {
			t.Fatalf("deny first=%v: expected deny, got %+v", denyFirst, d)
		}
	}
}

func TestAddRemovePolicyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before, _ := env.store.ListPolicies(ctx, rbac.PolicyFilter{})
	p := allow("role:default/viewer", "catalog.entity.read", "read")
	if err := env.engine.AddPolicies(ctx, adminActor, p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := env.engine.RemovePolicies(ctx, adminActor, p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	after, _ := env.store.ListPolicies(ctx, rbac.PolicyFilter{})
	if len(before) != len(after) {
		t.Fatalf("policy store changed: before %d after %d", len(before), len(after))
	}
	if _, err := env.store.GetRoleMetadata(ctx, "role:default/viewer"); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("unreferenced role metadata should be dropped, got %v", err)
	}
	if err := env.engine.RemovePolicies(ctx, adminActor, p); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestTransitiveRoleClosure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chain := []rbac.Role{
		{Name: "role:default/r1", Members: []string{alice}},
		{Name: "role:default/r2", Members: []string{"role:default/r1"}},
		{Name: "role:default/r3", Members: []string{"role:default/r2"}},
	}
	for _, r := range chain {
		if err := env.engine.AddRole(ctx, adminActor, r); err != nil {
			t.Fatalf("add role %s: %v", r.Name, err)
		}
	}
	set, err := env.engine.Roles().GetRoles(ctx, alice)
	if err != nil {
		t.Fatalf("get roles: %v", err)
	}
	for _, r := range []string{"role:default/r1", "role:default/r2", "role:default/r3", teamA} {
		if !set.Has(r) {
			t.Fatalf("expected %s in closure %v", r, set.Roles)
		}
	}
	if err := env.engine.AddPolicies(ctx, adminActor, allow("role:default/r3", "catalog-entity", "*")); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if !d.Allowed {
		t.Fatalf("expected allow through r3, got %+v", d)
	}
}

func TestCycleRejectedAndGraphUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/a", Members: []string{"role:default/b"}}); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/b", Members: []string{"role:default/c"}}); err != nil {
		t.Fatalf("add b: %v", err)
	}
	before, _ := env.store.ListMemberships(ctx)
	for i := 0; i < 2; i++ {
		err := env.engine.AddRoleMembers(ctx, adminActor, "role:default/c", "role:default/a")
		if rbac.KindOf(err) != rbac.KindValidation {
			t.Fatalf("attempt %d: expected validation error, got %v", i, err)
		}
		if rbac.FieldOf(err) != "members" {
			t.Fatalf("expected offending field members, got %q", rbac.FieldOf(err))
		}
		if !strings.Contains(err.Error(), "role:default/a -> role:default/c -> role:default/b -> role:default/a") {
			t.Fatalf("cycle path missing from %q", err.Error())
		}
	}
	after, _ := env.store.ListMemberships(ctx)
	if len(before) != len(after) {
		t.Fatalf("membership graph changed: %v -> %v", before, after)
	}
	if _, err := env.store.GetRoleMetadata(ctx, "role:default/c"); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("rejected write must not create metadata, got %v", err)
	}
}

func TestRemoveRoleCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	role := "role:default/owners"
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: role, Members: []string{alice}}); err != nil {
		t.Fatalf("add role: %v", err)
	}
	if err := env.engine.AddPolicies(ctx, adminActor, allow(role, "catalog-entity", "read")); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	if _, err := env.engine.AddConditionalGrant(ctx, adminActor, &rbac.ConditionalGrant{
		RoleEntityRef:  role,
		PluginID:       "catalog",
		ResourceType:   "catalog-entity",
		PermissionName: "catalog.entity.read",
		Conditions:     rbac.Leaf("IS_ENTITY_OWNER", map[string]any{"claims": []any{rbac.AliasOwnerRefs}}),
	}); err != nil {
		t.Fatalf("add grant: %v", err)
	}

	if err := env.engine.RemoveRole(ctx, adminActor, role); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	if _, err := env.store.FindByRoleAndPermission(ctx, role, "catalog", "catalog.entity.read"); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("expected grant gone, got %v", err)
	}
	if _, err := env.store.GetRoleMetadata(ctx, role); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("expected metadata gone, got %v", err)
	}
	if ps, _ := env.store.ListPolicies(ctx, rbac.PolicyFilter{Subject: role}); len(ps) != 0 {
		t.Fatalf("expected policies gone, got %v", ps)
	}
	if err := env.engine.RemoveRole(ctx, adminActor, role); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("expected not found on second removal, got %v", err)
	}
}

func TestUpdateRoleRenameKeepsAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/old", Members: []string{alice}}); err != nil {
		t.Fatalf("add role: %v", err)
	}
	if err := env.engine.AddPolicies(ctx, adminActor, allow("role:default/old", "catalog-entity", "read")); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	if err := env.engine.UpdateRole(ctx, adminActor, "role:default/old", rbac.Role{Name: "role:default/new", Members: []string{alice, bob}}); err != nil {
		t.Fatalf("update role: %v", err)
	}
	r, err := env.engine.GetRole(ctx, adminActor, "role:default/new")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if len(r.Members) != 2 || r.Metadata == nil || len(r.Metadata.LegacyAliases) != 1 {
		t.Fatalf("unexpected role %+v", r)
	}
	d, _ := env.engine.CheckPermission(ctx, readRequest(bob, nil))
	if !d.Allowed {
		t.Fatalf("bob should inherit the moved policy, got %+v", d)
	}
	if _, err := env.engine.GetRole(ctx, adminActor, "role:default/old"); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("old role should be gone, got %v", err)
	}
}

func TestRoleOwnedByOtherSourceIsConflict(t *testing.T) {
	ctx := context.Background()
	role := "role:default/from-config"
	cfg := rbac.DefaultConfig()
	cfg.Roles = []rbac.Role{{Name: role, Members: []string{alice}}}
	env := newTestEnv(t, rbac.WithConfig(cfg))
	if err := env.engine.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	err := env.engine.AddRoleMembers(ctx, adminActor, role, bob)
	if rbac.KindOf(err) != rbac.KindConflict {
		t.Fatalf("expected conflict writing a configuration role, got %v", err)
	}
}

func TestFailedWriteAuditedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddPolicies(ctx, adminActor, allow(alice, "catalog-entity", "read")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := env.engine.AddPolicies(ctx, adminActor, allow(bob, "catalog-entity", "read"), allow(alice, "catalog-entity", "read"))
	if rbac.KindOf(err) != rbac.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ps, _ := env.store.ListPolicies(ctx, rbac.PolicyFilter{Subject: bob}); len(ps) != 0 {
		t.Fatalf("partial write leaked: %v", ps)
	}
	recs, err := env.engine.ListAuditRecords(ctx, adminActor, rbac.AuditFilter{Action: rbac.AuditPolicyWrite})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var success, failed int
	for _, r := range recs {
		switch r.Outcome {
		case rbac.OutcomeSuccess:
			success++
		case rbac.OutcomeFailed:
			failed++
		}
	}
	if success != 1 || failed != 1 {
		t.Fatalf("expected 1 success and 1 failed record, got %d/%d", success, failed)
	}
}

func TestEveryDecisionAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := env.engine.CheckPermission(ctx, readRequest(alice, nil))
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if d.AuditID == "" {
			t.Fatalf("decision carries no audit id")
		}
	}
	recs, _ := env.store.ListAudit(ctx, rbac.AuditFilter{Action: rbac.AuditDecision})
	if len(recs) != 3 {
		t.Fatalf("expected 3 decision records, got %d", len(recs))
	}
}

func TestFailClosedWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddPolicies(ctx, adminActor, allow(teamA, "catalog-entity", "read")); err != nil {
		t.Fatalf("add: %v", err)
	}
	env.catalog.SetUnavailable(true)
	d, err := env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if err != nil {
		t.Fatalf("decision should not error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected deny while catalog is down, got %+v", d)
	}
}

func TestStaleRolesServedWhenCatalogDown(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	catalog := rbac.NewMemoryCatalog()
	catalog.AddGroup(teamA)
	catalog.AddUser(alice, teamA)
	rm, err := rbac.NewRoleManager(catalog, nil, rbac.RoleCacheConfig{TTL: time.Minute, MaxStale: time.Hour}, rbac.WithRoleManagerClock(clock))
	if err != nil {
		t.Fatalf("role manager: %v", err)
	}
	env := newTestEnv(t, rbac.WithRoleManager(rm))
	if err := env.engine.AddPolicies(ctx, adminActor, allow(teamA, "catalog-entity", "read")); err != nil {
		t.Fatalf("add: %v", err)
	}
	d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if !d.Allowed || d.Stale {
		t.Fatalf("expected fresh allow, got %+v", d)
	}

	catalog.SetUnavailable(true)
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	d, _ = env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if !d.Allowed || !d.Stale {
		t.Fatalf("expected stale allow, got %+v", d)
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	d, _ = env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if d.Allowed {
		t.Fatalf("expected deny once the stale window passed, got %+v", d)
	}
}

func TestDisabledFrameworkAllowsAndAudits(t *testing.T) {
	cfg := rbac.DefaultConfig()
	cfg.Permission.Enabled = false
	env := newTestEnv(t, rbac.WithConfig(cfg))
	ctx := context.Background()
	d, err := env.engine.CheckPermission(ctx, readRequest(bob, nil))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Reason != "permission framework disabled" {
		t.Fatalf("unexpected decision %+v", d)
	}
	recs, _ := env.store.ListAudit(ctx, rbac.AuditFilter{Action: rbac.AuditDecision})
	if len(recs) != 1 {
		t.Fatalf("expected one decision record, got %d", len(recs))
	}
}

func TestBatchCheckKeepsOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddPolicies(ctx, adminActor, allow(alice, "catalog-entity", "read")); err != nil {
		t.Fatalf("add: %v", err)
	}
	reqs := []*rbac.Request{readRequest(alice, nil), readRequest(bob, nil), readRequest(alice, nil)}
	out, err := env.engine.BatchCheck(ctx, reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(out) != 3 || !out[0].Allowed || out[1].Allowed || !out[2].Allowed {
		t.Fatalf("unexpected batch result %+v", out)
	}
}

func TestExplainCarriesTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddPolicies(ctx, adminActor, allow(teamA, "catalog-entity", "read")); err != nil {
		t.Fatalf("add: %v", err)
	}
	d, err := env.engine.Explain(ctx, readRequest(alice, nil))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(d.Trace) == 0 {
		t.Fatalf("expected a trace, got %+v", d)
	}
}

func TestInvalidRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.CheckPermission(context.Background(), &rbac.Request{Subject: "alice"})
	if !errors.Is(err, rbac.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConcurrentChecksSeeWholeRuleSets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// each write adds an allow and a deny together; a half-applied set
	// would show up as an allow
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d, err := env.engine.CheckPermission(ctx, readRequest(alice, nil))
				if err == nil && d.Allowed {
					select {
					case errs <- d.Reason:
					default:
					}
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		allowRule := allow(alice, "catalog-entity", "read")
		denyRule := deny(alice, "catalog.entity.read", "read")
		if err := env.engine.AddPolicies(ctx, adminActor, allowRule, denyRule); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := env.engine.RemovePolicies(ctx, adminActor, allowRule, denyRule); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	select {
	case reason := <-errs:
		t.Fatalf("observed a half-applied rule set: %s", reason)
	default:
	}
}

func TestAdminPermissionsEnforced(t *testing.T) {
	cfg := rbac.DefaultConfig()
	cfg.Permission.RBAC.EnforceAdminPermissions = true
	cfg.Permission.RBAC.Admin.Users = []string{admin}
	env := newTestEnv(t, rbac.WithConfig(cfg))
	ctx := context.Background()
	if err := env.engine.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	err := env.engine.AddPolicies(ctx, rbac.Actor{ID: bob}, allow(bob, "catalog-entity", "read"))
	if !errors.Is(err, rbac.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}
	if err := env.engine.AddPolicies(ctx, adminActor, allow(bob, "catalog-entity", "read")); err != nil {
		t.Fatalf("admin write: %v", err)
	}
	if _, err := env.engine.ListRoles(ctx, rbac.Actor{ID: bob}); !errors.Is(err, rbac.ErrForbidden) {
		t.Fatalf("expected forbidden read, got %v", err)
	}
	roles, err := env.engine.ListRoles(ctx, adminActor)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != rbac.AdminRole {
		t.Fatalf("unexpected roles %+v", roles)
	}
}

func TestRefreshRolesPicksUpCatalogChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const teamB = "group:default/team-b"
	if err := env.engine.AddPolicies(ctx, adminActor, allow(teamB, "catalog-entity", "read")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil)); d.Allowed {
		t.Fatalf("alice is not in team-b yet")
	}

	env.catalog.AddGroup(teamB)
	env.catalog.AddUser(alice, teamA, teamB)
	if err := env.engine.RefreshRoles(ctx, adminActor); err != nil {
		t.Fatalf("refresh roles: %v", err)
	}
	if d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil)); !d.Allowed {
		t.Fatalf("expected allow after refresh, got %+v", d)
	}

	recs, err := env.engine.ListAuditRecords(ctx, adminActor, rbac.AuditFilter{Action: rbac.AuditSync})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recs) != 1 || recs[0].Operation != "refresh_roles" || recs[0].Outcome != rbac.OutcomeSuccess {
		t.Fatalf("unexpected sync audit records %+v", recs)
	}
}

func TestRoleNamedAsMemberCanBeDefinedLater(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/parent", Members: []string{"role:default/child"}}); err != nil {
		t.Fatalf("add parent: %v", err)
	}
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/child", Members: []string{alice}}); err != nil {
		t.Fatalf("add child after it was named as a member: %v", err)
	}
	if err := env.engine.AddPolicies(ctx, adminActor, allow("role:default/parent", "catalog-entity", "read")); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	if d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil)); !d.Allowed {
		t.Fatalf("expected allow through child -> parent, got %+v", d)
	}
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/parent", Members: []string{bob}}); rbac.KindOf(err) != rbac.KindConflict {
		t.Fatalf("expected conflict for a role with members, got %v", err)
	}
}

func addOwnerGrant(t *testing.T, env *testEnv, role string) *rbac.ConditionalGrant {
	t.Helper()
	g, err := env.engine.AddConditionalGrant(context.Background(), adminActor, &rbac.ConditionalGrant{
		RoleEntityRef:  role,
		PluginID:       "catalog",
		ResourceType:   "catalog-entity",
		PermissionName: "catalog.entity.read",
		Conditions:     rbac.Leaf("IS_ENTITY_OWNER", map[string]any{"claims": []any{rbac.AliasOwnerRefs}}),
	})
	if err != nil {
		t.Fatalf("add grant: %v", err)
	}
	return g
}

func TestOrphanedRoleDropsGrants(t *testing.T) {
	ctx := context.Background()

	t.Run("last policy removed", func(t *testing.T) {
		env := newTestEnv(t)
		role := "role:default/orphan"
		p := allow(role, "catalog-entity", "read")
		if err := env.engine.AddPolicies(ctx, adminActor, p); err != nil {
			t.Fatalf("add policy: %v", err)
		}
		g := addOwnerGrant(t, env, role)
		if err := env.engine.RemovePolicies(ctx, adminActor, p); err != nil {
			t.Fatalf("remove policy: %v", err)
		}
		if _, err := env.store.GetRoleMetadata(ctx, role); rbac.KindOf(err) != rbac.KindNotFound {
			t.Fatalf("expected metadata to be dropped, got %v", err)
		}
		if _, err := env.store.GetConditionalGrant(ctx, g.ID); rbac.KindOf(err) != rbac.KindNotFound {
			t.Fatalf("expected grant to be dropped with the role, got %v", err)
		}
	})

	t.Run("last member removed", func(t *testing.T) {
		env := newTestEnv(t)
		role := "role:default/orphan"
		if err := env.engine.AddRoleMembers(ctx, adminActor, role, alice); err != nil {
			t.Fatalf("add member: %v", err)
		}
		g := addOwnerGrant(t, env, role)
		if err := env.engine.RemoveRoleMembers(ctx, adminActor, role, alice); err != nil {
			t.Fatalf("remove member: %v", err)
		}
		if _, err := env.store.GetConditionalGrant(ctx, g.ID); rbac.KindOf(err) != rbac.KindNotFound {
			t.Fatalf("expected grant to be dropped with the role, got %v", err)
		}

		// reusing the name starts without the old grant
		if err := env.engine.AddRoleMembers(ctx, adminActor, role, alice); err != nil {
			t.Fatalf("re-add member: %v", err)
		}
		grants, err := env.engine.ListConditionalGrants(ctx, adminActor, rbac.GrantFilter{Role: role})
		if err != nil || len(grants) != 0 {
			t.Fatalf("expected no grants on the reused role, got %v %v", grants, err)
		}
	})

	t.Run("policies replaced", func(t *testing.T) {
		env := newTestEnv(t)
		role := "role:default/kept"
		oldRule := allow(role, "catalog-entity", "read")
		newRule := allow(role, "catalog.entity.read", "read")
		if err := env.engine.AddPolicies(ctx, adminActor, oldRule); err != nil {
			t.Fatalf("add policy: %v", err)
		}
		g := addOwnerGrant(t, env, role)
		if err := env.engine.UpdatePolicies(ctx, adminActor, []rbac.PolicyRule{oldRule}, []rbac.PolicyRule{newRule}); err != nil {
			t.Fatalf("update policies: %v", err)
		}
		if _, err := env.store.GetConditionalGrant(ctx, g.ID); err != nil {
			t.Fatalf("grant must survive a policy swap: %v", err)
		}
		if _, err := env.store.GetRoleMetadata(ctx, role); err != nil {
			t.Fatalf("metadata must survive a policy swap: %v", err)
		}
	})
}

func TestAuthorizedWriteIsAuditedOnce(t *testing.T) {
	cfg := rbac.DefaultConfig()
	cfg.Permission.RBAC.EnforceAdminPermissions = true
	cfg.Permission.RBAC.Admin.Users = []string{admin}
	env := newTestEnv(t, rbac.WithConfig(cfg))
	ctx := context.Background()
	if err := env.engine.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	before, _ := env.store.ListAudit(ctx, rbac.AuditFilter{})

	if err := env.engine.AddPolicies(ctx, adminActor, allow(bob, "catalog-entity", "read")); err != nil {
		t.Fatalf("admin write: %v", err)
	}
	after, _ := env.store.ListAudit(ctx, rbac.AuditFilter{})
	if len(after) != len(before)+1 {
		t.Fatalf("expected exactly one record for the write, got %d", len(after)-len(before))
	}
	rec := after[len(after)-1]
	if rec.Action != rbac.AuditPolicyWrite || rec.Outcome != rbac.OutcomeSuccess {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Detail["authorization"] == nil || !strings.Contains(rec.MatchedRule, rbac.AdminRole) {
		t.Fatalf("write record should carry the authorizing rule, got %+v", rec)
	}

	if err := env.engine.RemovePolicies(ctx, rbac.Actor{ID: bob}, allow(bob, "catalog-entity", "read")); !errors.Is(err, rbac.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	final, _ := env.store.ListAudit(ctx, rbac.AuditFilter{})
	if len(final) != len(after)+1 || final[len(final)-1].Outcome != rbac.OutcomeFailed {
		t.Fatalf("expected exactly one failed record for the rejected write, got %+v", final[len(after):])
	}
}
