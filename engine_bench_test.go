package rbac_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
)

// Generate a policy CSV with n roles, each holding one allow rule and one member.
func generatePolicyCSV(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "p, role:default/r%d, catalog-entity, read, allow\n", i)
		fmt.Fprintf(&sb, "g, user:default/u%d, role:default/r%d\n", i, i)
	}
	return sb.String()
}

func benchEngine(b *testing.B, opts ...rbac.EngineOption) *rbac.Engine {
	b.Helper()
	ctx := context.Background()
	cfg := rbac.DefaultConfig()
	cfg.Audit.DecisionsBestEffort = true
	eng, err := rbac.NewEngine(ctx, rbac.NewMemoryStore(),
		append([]rbac.EngineOption{rbac.WithConfig(cfg), rbac.WithLogger(logger.NewNullLogger())}, opts...)...)
	if err != nil {
		b.Fatalf("new engine: %v", err)
	}
	b.Cleanup(eng.Close)
	return eng
}

func BenchmarkCheckPermissionDirect(b *testing.B) {
	eng := benchEngine(b)
	ctx := context.Background()
	if err := eng.AddPolicies(ctx, adminActor, allow(alice, "catalog-entity", "read")); err != nil {
		b.Fatalf("add: %v", err)
	}
	req := readRequest(alice, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = eng.CheckPermission(ctx, req)
	}
}

func BenchmarkCheckPermissionRoleChain(b *testing.B) {
	eng := benchEngine(b)
	ctx := context.Background()
	prev := alice
	for i := 0; i < 5; i++ {
		role := fmt.Sprintf("role:default/level%d", i)
		if err := eng.AddRole(ctx, adminActor, rbac.Role{Name: role, Members: []string{prev}}); err != nil {
			b.Fatalf("add role: %v", err)
		}
		prev = role
	}
	if err := eng.AddPolicies(ctx, adminActor, allow(prev, "catalog-entity", "read")); err != nil {
		b.Fatalf("add: %v", err)
	}
	req := readRequest(alice, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = eng.CheckPermission(ctx, req)
	}
}

func BenchmarkParsePolicyCSV(b *testing.B) {
	data := generatePolicyCSV(1000)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := rbac.ParsePolicyCSV(strings.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConfigYAMLDecode(b *testing.B) {
	cfg := rbac.DefaultConfig()
	for i := 0; i < 100; i++ {
		cfg.Roles = append(cfg.Roles, rbac.Role{
			Name:    fmt.Sprintf("role:default/r%d", i),
			Members: []string{fmt.Sprintf("user:default/u%d", i)},
		})
	}
	data, err := cfg.ToYAML()
	if err != nil {
		b.Fatal(err)
	}
	loader := rbac.NewConfigLoader()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := loader.LoadYAML(data); err != nil {
			b.Fatal(err)
		}
	}
}
