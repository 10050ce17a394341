package rbac_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
)

func TestCollectorRefreshIsolatesPlugins(t *testing.T) {
	ctx := context.Background()
	src := rbac.NewStaticPluginSource()
	src.SetPermissions("catalog", "catalog-entity", map[string]string{"catalog.entity.read": "read"})
	src.SetPermissions("scaffolder", "scaffolder-template", map[string]string{"scaffolder.template.read": "read"})
	c := rbac.NewPermissionCollector(src, []string{"catalog", "scaffolder"})
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.Fail("scaffolder", errors.New("connection refused"))
	src.SetPermissions("catalog", "catalog-entity", map[string]string{
		"catalog.entity.read":   "read",
		"catalog.entity.create": "create",
	})
	if err := c.Refresh(ctx); err == nil {
		t.Fatalf("expected an aggregated error for the failing plugin")
	}
	if !c.IsKnownPermission("catalog", "catalog.entity.create") {
		t.Fatalf("healthy plugin was not updated")
	}
	if !c.IsKnownPermission("scaffolder", "scaffolder.template.read") {
		t.Fatalf("failing plugin lost its previous data")
	}
	if c.LastError("scaffolder") == nil || c.LastError("catalog") != nil {
		t.Fatalf("unexpected last errors: %v %v", c.LastError("scaffolder"), c.LastError("catalog"))
	}
	if src.Fetches("catalog") != 2 || src.Fetches("scaffolder") != 2 {
		t.Fatalf("expected one fetch per plugin per refresh")
	}
}

func TestCollectorDeclaresRBACPermissions(t *testing.T) {
	c := rbac.NewPermissionCollector(nil, nil)
	p, ok := c.PermissionOf(rbac.RBACPluginID, rbac.PolicyEntityCreate)
	if !ok || p.ResourceType != rbac.PolicyEntityResource || p.Action != "create" {
		t.Fatalf("unexpected rbac permission %+v %v", p, ok)
	}
	if !c.IsKnownObject(rbac.PolicyEntityResource) {
		t.Fatalf("policy-entity should be a known object")
	}
}

func TestCollectorPluginIDProviders(t *testing.T) {
	c := rbac.NewPermissionCollector(nil, []string{"catalog", "catalog"},
		rbac.WithPluginIDProvider(rbac.PluginIDProviderFunc(func() []string { return []string{"search", "catalog"} })))
	got := c.PluginIDs()
	if len(got) != 2 || got[0] != "catalog" || got[1] != "search" {
		t.Fatalf("unexpected plugin ids %v", got)
	}
}

func TestEngineFetchesPluginMetadataFromBaseURL(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/catalog/.well-known/backstage/permissions/metadata" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"permissions":[{"type":"resource","name":"catalog.entity.read","resourceType":"catalog-entity","attributes":{"action":"read"}}],"rules":[]}`))
	}))
	defer srv.Close()

	cfg := rbac.DefaultConfig()
	cfg.Plugins.BaseURL = srv.URL
	cfg.Plugins.Token = "s3cret"
	cfg.Permission.RBAC.PluginsWithPermission = []string{"catalog"}
	engine, err := rbac.NewEngine(ctx, rbac.NewMemoryStore(), rbac.WithConfig(cfg), rbac.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	if err := engine.Permissions().Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	p, ok := engine.Permissions().PermissionOf("catalog", "catalog.entity.read")
	if !ok || p.ResourceType != "catalog-entity" || p.Action != "read" {
		t.Fatalf("plugin metadata was not fetched: %+v %v", p, ok)
	}
}
