package rbac

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete rbac configuration
type Config struct {
	Permission PermissionConfig `json:"permission" yaml:"permission" koanf:"permission"`
	RoleCache  RoleCacheConfig  `json:"role_cache" yaml:"role_cache" koanf:"role_cache"`
	Audit      AuditConfig      `json:"audit" yaml:"audit" koanf:"audit"`
	Catalog    CatalogConfig    `json:"catalog" yaml:"catalog" koanf:"catalog"`
	Plugins    PluginsConfig    `json:"plugins" yaml:"plugins" koanf:"plugins"`
	Storage    StorageConfig    `json:"storage" yaml:"storage" koanf:"storage"`
	Redis      RedisConfig      `json:"redis" yaml:"redis" koanf:"redis"`
	Log        LogConfig        `json:"log" yaml:"log" koanf:"log"`

	// Roles and policies owned by the configuration source.
	Roles    []Role       `json:"roles,omitempty" yaml:"roles,omitempty" koanf:"roles" validate:"dive"`
	Policies []PolicyRule `json:"policies,omitempty" yaml:"policies,omitempty" koanf:"policies" validate:"dive"`
}

type PermissionConfig struct {
	Enabled bool       `json:"enabled" yaml:"enabled" koanf:"enabled"`
	RBAC    RBACConfig `json:"rbac" yaml:"rbac" koanf:"rbac"`
}

type RBACConfig struct {
	Admin                   AdminConfig `json:"admin" yaml:"admin" koanf:"admin"`
	PolicyFile              string      `json:"policies_csv_file,omitempty" yaml:"policies_csv_file,omitempty" koanf:"policies_csv_file"`
	PluginsWithPermission   []string    `json:"plugins_with_permission,omitempty" yaml:"plugins_with_permission,omitempty" koanf:"plugins_with_permission"`
	EnforceAdminPermissions bool        `json:"enforce_admin_permissions" yaml:"enforce_admin_permissions" koanf:"enforce_admin_permissions"`
	BatchWorkers            int         `json:"batch_workers" yaml:"batch_workers" koanf:"batch_workers" validate:"gte=0"`
}

type AdminConfig struct {
	Users []string `json:"users,omitempty" yaml:"users,omitempty" koanf:"users" validate:"dive,entityref"`
}

type AuditConfig struct {
	DecisionsBestEffort bool `json:"decisions_best_effort" yaml:"decisions_best_effort" koanf:"decisions_best_effort"`
}

type CatalogConfig struct {
	BaseURL string          `json:"base_url,omitempty" yaml:"base_url,omitempty" koanf:"base_url" validate:"omitempty,url"`
	Token   string          `json:"-" yaml:"token,omitempty" koanf:"token"`
	Breaker BreakerSettings `json:"breaker" yaml:"breaker" koanf:"breaker"`
}

type PluginsConfig struct {
	BaseURL         string        `json:"base_url,omitempty" yaml:"base_url,omitempty" koanf:"base_url" validate:"omitempty,url"`
	Token           string        `json:"-" yaml:"token,omitempty" koanf:"token"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval" koanf:"refresh_interval"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" koanf:"driver" validate:"oneof=memory sqlite"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty" koanf:"dsn" validate:"required_if=Driver sqlite"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" koanf:"enabled"`
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty" koanf:"addr" validate:"required_if=Enabled true"`
	Password string `json:"-" yaml:"password,omitempty" koanf:"password"`
	DB       int    `json:"db" yaml:"db" koanf:"db"`
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty" koanf:"channel"`
}

type LogConfig struct {
	Backend   string `json:"backend" yaml:"backend" koanf:"backend" validate:"oneof=phuslu slog null"`
	Component string `json:"component" yaml:"component" koanf:"component"`
}

// DefaultConfig returns the configuration used for unset keys.
func DefaultConfig() *Config {
	return &Config{
		Permission: PermissionConfig{
			Enabled: true,
			RBAC:    RBACConfig{BatchWorkers: 8},
		},
		RoleCache: DefaultRoleCacheConfig(),
		Catalog: CatalogConfig{Breaker: BreakerSettings{
			Name:             "catalog",
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		}},
		Plugins: PluginsConfig{RefreshInterval: 10 * time.Minute},
		Storage: StorageConfig{Driver: "memory"},
		Redis:   RedisConfig{Channel: "rbac:invalidate"},
		Log:     LogConfig{Backend: "phuslu", Component: "rbac"},
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validateStruct("config", c); err != nil {
		return wrapError(KindConfiguration, "config", err)
	}
	return nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadYAML decodes data over the defaults and validates the result.
func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(KindConfiguration, "load_config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(KindConfiguration, "load_config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// EnvPrefix is the prefix of environment overrides. Nesting uses a double
// underscore: RBAC_PERMISSION__ENABLED=false sets permission.enabled.
const EnvPrefix = "RBAC_"

var sliceConfigPaths = []string{
	"permission.rbac.plugins_with_permission",
	"permission.rbac.admin.users",
}

// LoadConfigFile layers defaults, the YAML file at path (optional when
// empty) and RBAC_ environment variables, then validates the result.
func LoadConfigFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, wrapError(KindConfiguration, "load_config", fmt.Errorf("load defaults: %w", err))
	}
	if path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, wrapError(KindConfiguration, "load_config", fmt.Errorf("load %s: %w", path, err))
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, wrapError(KindConfiguration, "load_config", fmt.Errorf("load environment: %w", err))
	}
	for _, p := range sliceConfigPaths {
		if s, ok := k.Get(p).(string); ok {
			parts := make([]string, 0)
			for _, v := range strings.Split(s, ",") {
				if v = strings.TrimSpace(v); v != "" {
					parts = append(parts, v)
				}
			}
			if err := k.Set(p, parts); err != nil {
				return nil, wrapError(KindConfiguration, "load_config", err)
			}
		}
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, wrapError(KindConfiguration, "load_config", fmt.Errorf("unmarshal: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
