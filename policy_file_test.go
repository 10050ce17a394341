package rbac_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oarkflow/rbac"
)

func TestParsePolicyCSV(t *testing.T) {
	in := `# team a
p, role:default/team-a, catalog-entity, read, allow

g, user:default/alice, role:default/team-a
g, group:default/ops, role:default/team-a
`
	policies, memberships, err := rbac.ParsePolicyCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(policies) != 1 || policies[0].Effect != rbac.EffectAllow || policies[0].Object != "catalog-entity" {
		t.Fatalf("unexpected policies %+v", policies)
	}
	if len(memberships) != 2 || memberships[1].Member != "group:default/ops" {
		t.Fatalf("unexpected memberships %+v", memberships)
	}
}

func TestParsePolicyCSVReportsLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short policy row", "p, role:default/a, catalog-entity, read, allow\np, role:default/a, read\n", "line 2"},
		{"bad effect", "p, role:default/a, catalog-entity, read, maybe\n", "line 1"},
		{"role row naming a user", "g, user:default/alice, user:default/bob\n", "line 1"},
		{"unknown row type", "\n\nx, a, b\n", "line 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := rbac.ParsePolicyCSV(strings.NewReader(tt.in))
			if rbac.KindOf(err) != rbac.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func writePolicyFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	return path
}

func TestLoadPolicyFileReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()

	// role owned by the REST source; the file may not touch it
	if err := env.engine.AddRole(ctx, adminActor, rbac.Role{Name: "role:default/rest", Members: []string{bob}}); err != nil {
		t.Fatalf("add role: %v", err)
	}

	path := writePolicyFile(t, dir, `p, role:default/csv, catalog-entity, read, allow
g, user:default/alice, role:default/csv
g, user:default/alice, role:default/rest
`)
	if err := env.engine.LoadPolicyFile(ctx, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	meta, err := env.store.GetRoleMetadata(ctx, "role:default/csv")
	if err != nil || meta.Source != rbac.SourceCSVFile || meta.Author != rbac.PolicyFileActor.ID {
		t.Fatalf("unexpected csv role metadata %+v %v", meta, err)
	}
	edges, _ := env.store.ListMemberships(ctx)
	for _, m := range edges {
		if m.Member == alice && m.Role == "role:default/rest" {
			t.Fatalf("row for a REST role must be skipped")
		}
	}
	d, _ := env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if !d.Allowed {
		t.Fatalf("expected allow through csv role, got %+v", d)
	}

	// reloading is idempotent
	if err := env.engine.LoadPolicyFile(ctx, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ps, _ := env.store.ListPolicies(ctx, rbac.PolicyFilter{Subject: "role:default/csv"}); len(ps) != 1 {
		t.Fatalf("expected one csv policy, got %v", ps)
	}

	// rows removed from the file are revoked
	path = writePolicyFile(t, dir, "# nothing left\n")
	if err := env.engine.LoadPolicyFile(ctx, path); err != nil {
		t.Fatalf("load emptied file: %v", err)
	}
	if _, err := env.store.GetRoleMetadata(ctx, "role:default/csv"); rbac.KindOf(err) != rbac.KindNotFound {
		t.Fatalf("csv role should be gone, got %v", err)
	}
	d, _ = env.engine.CheckPermission(ctx, readRequest(alice, nil))
	if d.Allowed {
		t.Fatalf("expected deny after the file dropped the role")
	}
	if _, err := env.store.GetRoleMetadata(ctx, "role:default/rest"); err != nil {
		t.Fatalf("REST role must survive: %v", err)
	}
}

func TestRESTWriteToFileRoleConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	path := writePolicyFile(t, t.TempDir(), "g, user:default/alice, role:default/csv\n")
	if err := env.engine.LoadPolicyFile(ctx, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := env.engine.AddPolicies(ctx, adminActor, allow("role:default/csv", "catalog-entity", "read"))
	if rbac.KindOf(err) != rbac.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestLoadPolicyFileRejectsBadFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	path := writePolicyFile(t, t.TempDir(), "g, user:default/alice, role:default/csv\np, nope\n")
	if err := env.engine.LoadPolicyFile(ctx, path); rbac.KindOf(err) != rbac.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if edges, _ := env.store.ListMemberships(ctx); len(edges) != 0 {
		t.Fatalf("bad file must not apply any row, got %v", edges)
	}
	if err := env.engine.LoadPolicyFile(ctx, filepath.Join(t.TempDir(), "missing.csv")); rbac.KindOf(err) != rbac.KindConfiguration {
		t.Fatalf("expected configuration error for missing file, got %v", err)
	}
}
