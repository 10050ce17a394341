package rbac_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oarkflow/rbac"
)

type fakeProvider struct {
	id       string
	roles    []rbac.RoleSpec
	policies []rbac.PolicyRule
	failures int32
	calls    atomic.Int32
	conn     rbac.ProviderConnection
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Connect(conn rbac.ProviderConnection) error {
	p.conn = conn
	return nil
}

func (p *fakeProvider) Refresh(ctx context.Context) error {
	if p.calls.Add(1) <= p.failures {
		return errors.New("upstream not ready")
	}
	if err := p.conn.ApplyRoles(ctx, p.roles); err != nil {
		return err
	}
	return p.conn.ApplyPolicies(ctx, p.policies)
}

func TestConnectProvidersRetriesAndApplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := &fakeProvider{
		id:       "ldap",
		failures: 1,
		roles:    []rbac.RoleSpec{{Name: "role:default/ldap-readers", Members: []string{alice}}},
		policies: []rbac.PolicyRule{allow("role:default/ldap-readers", "catalog-entity", "read")},
	}
	if err := env.engine.ConnectProviders(ctx, 10*time.Second, p); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if p.calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", p.calls.Load())
	}
	meta, err := env.store.GetRoleMetadata(ctx, "role:default/ldap-readers")
	if err != nil || meta.Source != rbac.ProviderSource("ldap") || !meta.Source.IsProvider() {
		t.Fatalf("unexpected provider role metadata %+v %v", meta, err)
	}
	d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if !d.Allowed {
		t.Fatalf("expected allow through provider role, got %+v", d)
	}

	// a later refresh with fewer members revokes the dropped membership
	if err := p.conn.ApplyRoles(ctx, []rbac.RoleSpec{{Name: "role:default/ldap-readers", Members: []string{bob}}}); err != nil {
		t.Fatalf("apply roles: %v", err)
	}
	d, _ = env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if d.Allowed {
		t.Fatalf("alice should have lost the provider role")
	}
}

func TestProviderPoliciesMustNameRoles(t *testing.T) {
	env := newTestEnv(t)
	conn := env.engine.Connection("ldap")
	err := conn.ApplyPolicies(context.Background(), []rbac.PolicyRule{allow(alice, "catalog-entity", "read")})
	if rbac.KindOf(err) != rbac.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConnectProvidersGivesUp(t *testing.T) {
	env := newTestEnv(t)
	p := &fakeProvider{id: "scim", failures: 1 << 20}
	err := env.engine.ConnectProviders(context.Background(), 300*time.Millisecond, p)
	if rbac.KindOf(err) != rbac.KindUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
}
