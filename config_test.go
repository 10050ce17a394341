package rbac_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oarkflow/rbac"
)

func TestLoadYAMLOverDefaults(t *testing.T) {
	cfg, err := rbac.NewConfigLoader().LoadYAML([]byte(`
permission:
  enabled: true
  rbac:
    admin:
      users: [user:default/admin]
    policies_csv_file: /etc/rbac/policy.csv
role_cache:
  ttl: 30s
storage:
  driver: sqlite
  dsn: file:rbac.db
roles:
  - name: role:default/viewer
    members: [group:default/team-a]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoleCache.TTL != 30*time.Second {
		t.Fatalf("expected ttl 30s, got %v", cfg.RoleCache.TTL)
	}
	if cfg.RoleCache.MaxStale != 5*time.Minute {
		t.Fatalf("unset max_stale should keep its default, got %v", cfg.RoleCache.MaxStale)
	}
	if len(cfg.Permission.RBAC.Admin.Users) != 1 || cfg.Permission.RBAC.PolicyFile != "/etc/rbac/policy.csv" {
		t.Fatalf("unexpected rbac config %+v", cfg.Permission.RBAC)
	}
	if len(cfg.Roles) != 1 || cfg.Roles[0].Members[0] != "group:default/team-a" {
		t.Fatalf("unexpected roles %+v", cfg.Roles)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "storage:\n  driver: postgres\n"},
		{"sqlite without dsn", "storage:\n  driver: sqlite\n"},
		{"bad admin ref", "permission:\n  rbac:\n    admin:\n      users: [alice]\n"},
		{"role without role ref", "roles:\n  - name: group:default/x\n    members: [user:default/a]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := rbac.NewConfigLoader().LoadYAML([]byte(tt.yaml))
			if rbac.KindOf(err) != rbac.KindConfiguration {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if cfg != nil {
				t.Fatalf("invalid config must not be returned")
			}
		})
	}
}

func TestLoadConfigFileWithEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	body := []byte("permission:\n  rbac:\n    batch_workers: 4\nplugins:\n  refresh_interval: 1m\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RBAC_PERMISSION__ENABLED", "false")
	t.Setenv("RBAC_PERMISSION__RBAC__ADMIN__USERS", "user:default/a, user:default/b")

	cfg, err := rbac.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Permission.Enabled {
		t.Fatalf("environment should disable the framework")
	}
	if cfg.Permission.RBAC.BatchWorkers != 4 || cfg.Plugins.RefreshInterval != time.Minute {
		t.Fatalf("file values lost: %+v %+v", cfg.Permission.RBAC, cfg.Plugins)
	}
	if got := cfg.Permission.RBAC.Admin.Users; len(got) != 2 || got[1] != "user:default/b" {
		t.Fatalf("unexpected admin users %v", got)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("default driver lost, got %q", cfg.Storage.Driver)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := rbac.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if rbac.KindOf(err) != rbac.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
