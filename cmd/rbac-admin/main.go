package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/stores"
)

const cliActor = "user:default/rbac-admin-cli"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "migrate":
		handleMigrate()
	case "import":
		handleImport()
	case "check":
		handleCheck()
	case "roles":
		handleRoles()
	case "audit":
		handleAudit()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rbac-admin - administration tool for the rbac engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rbac-admin convert <input> <output>                    - Convert a config between YAML and JSON")
	fmt.Println("  rbac-admin validate <config> [policy.csv]              - Validate a config and policy file")
	fmt.Println("  rbac-admin migrate <sqlite-dsn>                        - Apply schema migrations")
	fmt.Println("  rbac-admin import <config> <policy.csv>                - Reconcile a CSV policy file")
	fmt.Println("  rbac-admin check <config> <subject> <plugin> <permission> <resource-type> <action> [attrs.json]")
	fmt.Println("  rbac-admin roles <config>                              - List roles with members and source")
	fmt.Println("  rbac-admin audit <config> [limit]                      - Show recent audit records")
	fmt.Println()
	fmt.Println("Environment variables prefixed with RBAC_ override config keys (RBAC_STORAGE__DSN=...).")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: rbac-admin convert <input> <output>")
	}
	in, out := os.Args[2], os.Args[3]
	data, err := os.ReadFile(in)
	if err != nil {
		fail("Error reading %s: %v", in, err)
	}
	loader := rbac.NewConfigLoader()
	var cfg *rbac.Config
	switch strings.ToLower(filepath.Ext(in)) {
	case ".yaml", ".yml":
		cfg, err = loader.LoadYAML(data)
	case ".json":
		cfg, err = loader.LoadJSON(data)
	default:
		fail("unsupported file format: %s", filepath.Ext(in))
	}
	if err != nil {
		fail("Error loading config: %v", err)
	}
	var encoded []byte
	switch strings.ToLower(filepath.Ext(out)) {
	case ".yaml", ".yml":
		encoded, err = cfg.ToYAML()
	case ".json":
		encoded, err = cfg.ToJSON()
	default:
		fail("unsupported file format: %s", filepath.Ext(out))
	}
	if err != nil {
		fail("Error encoding config: %v", err)
	}
	if err := os.WriteFile(out, encoded, 0o644); err != nil {
		fail("Error writing %s: %v", out, err)
	}
	fmt.Printf("Converted %s -> %s\n", in, out)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: rbac-admin validate <config> [policy.csv]")
	}
	cfg, err := rbac.LoadConfigFile(os.Args[2])
	if err != nil {
		fail("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid")
	fmt.Printf("  Framework enabled: %v\n", cfg.Permission.Enabled)
	fmt.Printf("  Storage:           %s\n", cfg.Storage.Driver)
	fmt.Printf("  Admin users:       %d\n", len(cfg.Permission.RBAC.Admin.Users))
	fmt.Printf("  Roles:             %d\n", len(cfg.Roles))
	fmt.Printf("  Policies:          %d\n", len(cfg.Policies))
	fmt.Printf("  Plugins:           %s\n", strings.Join(cfg.Permission.RBAC.PluginsWithPermission, ", "))

	path := cfg.Permission.RBAC.PolicyFile
	if len(os.Args) > 3 {
		path = os.Args[3]
	}
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fail("Error opening policy file: %v", err)
	}
	defer f.Close()
	policies, memberships, err := rbac.ParsePolicyCSV(f)
	if err != nil {
		fail("Invalid policy file: %v", err)
	}
	allow, deny := 0, 0
	for _, p := range policies {
		if p.Effect == rbac.EffectAllow {
			allow++
		} else {
			deny++
		}
	}
	fmt.Printf("Policy file %s is valid\n", path)
	fmt.Printf("  Allow policies: %d\n", allow)
	fmt.Printf("  Deny policies:  %d\n", deny)
	fmt.Printf("  Memberships:    %d\n", len(memberships))
}

func handleMigrate() {
	if len(os.Args) < 3 {
		fail("Usage: rbac-admin migrate <sqlite-dsn>")
	}
	s, err := stores.Open(os.Args[2])
	if err != nil {
		fail("Error migrating: %v", err)
	}
	defer s.Close()
	version, dirty, err := stores.SchemaVersion(s.DB())
	if err != nil {
		fail("Error reading schema version: %v", err)
	}
	fmt.Printf("Schema at version %d (dirty=%v)\n", version, dirty)
}

func handleImport() {
	if len(os.Args) < 4 {
		fail("Usage: rbac-admin import <config> <policy.csv>")
	}
	ctx := context.Background()
	eng, closeFn := openEngine(ctx, os.Args[2])
	defer closeFn()
	if err := eng.LoadPolicyFile(ctx, os.Args[3]); err != nil {
		fail("Error importing policy file: %v", err)
	}
	fmt.Printf("Policy file %s reconciled\n", os.Args[3])
}

func handleCheck() {
	if len(os.Args) < 8 {
		fail("Usage: rbac-admin check <config> <subject> <plugin> <permission> <resource-type> <action> [attrs.json]")
	}
	ctx := context.Background()
	eng, closeFn := openEngine(ctx, os.Args[2])
	defer closeFn()

	req := &rbac.Request{
		Subject: os.Args[3],
		Permission: rbac.Permission{
			PluginID:     os.Args[4],
			Name:         os.Args[5],
			ResourceType: os.Args[6],
			Action:       os.Args[7],
		},
	}
	if len(os.Args) > 8 {
		data, err := os.ReadFile(os.Args[8])
		if err != nil {
			fail("Error reading attributes: %v", err)
		}
		if err := json.Unmarshal(data, &req.ResourceAttributes); err != nil {
			fail("Error parsing attributes: %v", err)
		}
	}
	d, err := eng.Explain(ctx, req)
	if err != nil {
		fail("Error deciding: %v", err)
	}
	out, _ := json.MarshalIndent(d, "", "  ")
	fmt.Println(string(out))
	if !d.Allowed {
		os.Exit(2)
	}
}

func handleRoles() {
	if len(os.Args) < 3 {
		fail("Usage: rbac-admin roles <config>")
	}
	ctx := context.Background()
	eng, closeFn := openEngine(ctx, os.Args[2])
	defer closeFn()
	roles, err := eng.ListRoles(ctx, rbac.Actor{ID: cliActor})
	if err != nil {
		fail("Error listing roles: %v", err)
	}
	for _, r := range roles {
		source := "-"
		if r.Metadata != nil {
			source = string(r.Metadata.Source)
		}
		fmt.Printf("%s [%s]\n", r.Name, source)
		for _, m := range r.Members {
			fmt.Printf("  %s\n", m)
		}
	}
}

func handleAudit() {
	if len(os.Args) < 3 {
		fail("Usage: rbac-admin audit <config> [limit]")
	}
	limit := 50
	if len(os.Args) > 3 {
		n, err := strconv.Atoi(os.Args[3])
		if err != nil {
			fail("Invalid limit %q", os.Args[3])
		}
		limit = n
	}
	ctx := context.Background()
	eng, closeFn := openEngine(ctx, os.Args[2])
	defer closeFn()
	recs, err := eng.ListAuditRecords(ctx, rbac.Actor{ID: cliActor}, rbac.AuditFilter{Limit: limit})
	if err != nil {
		fail("Error reading audit records: %v", err)
	}
	for _, r := range recs {
		fmt.Printf("%s %-10s %-24s %-8s actor=%s subject=%s %s\n",
			r.Timestamp.Format(time.RFC3339), r.Action, r.Operation, r.Outcome, r.ActorID, r.Subject, r.Error)
	}
}

// openEngine wires an Engine from the config at path and bootstraps the
// configuration-owned state.
func openEngine(ctx context.Context, path string) (*rbac.Engine, func()) {
	cfg, err := rbac.LoadConfigFile(path)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	log := rbac.NewLogger(cfg.Log)
	closers := []func(){}

	var store rbac.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := stores.Open(cfg.Storage.DSN)
		if err != nil {
			fail("Error opening store: %v", err)
		}
		closers = append(closers, func() { _ = s.Close() })
		store = s
	default:
		store = rbac.NewMemoryStore()
	}

	opts := []rbac.EngineOption{
		rbac.WithConfig(cfg),
		rbac.WithLogger(log),
		rbac.WithMetrics(rbac.NewMetrics(prometheus.NewRegistry())),
	}
	if cfg.Catalog.BaseURL != "" {
		opts = append(opts, rbac.WithCatalog(rbac.NewHTTPCatalog(cfg.Catalog.BaseURL, rbac.WithCatalogToken(cfg.Catalog.Token))))
	}
	if cfg.Plugins.BaseURL != "" {
		src := rbac.NewHTTPPluginSource(cfg.Plugins.BaseURL, cfg.Plugins.Token)
		collector := rbac.NewPermissionCollector(src, cfg.Permission.RBAC.PluginsWithPermission,
			rbac.WithCollectorLogger(logger.With(log, "component", "permissions")))
		if err := collector.Refresh(ctx); err != nil {
			log.Warn("permission metadata incomplete", "error", err)
		}
		opts = append(opts, rbac.WithPermissionCollector(collector))
	}
	if cfg.Redis.Enabled {
		bus := stores.NewRedisBusFromConfig(cfg.Redis, log)
		closers = append(closers, func() { _ = bus.Close() })
		opts = append(opts, rbac.WithInvalidationBus(bus))
	}

	eng, err := rbac.NewEngine(ctx, store, opts...)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	if err := eng.Bootstrap(ctx); err != nil {
		fail("Error bootstrapping: %v", err)
	}
	return eng, func() {
		eng.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
