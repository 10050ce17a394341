package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// PERMISSION METADATA
// ============================================================================

// PluginPermission is one permission a plugin declares.
type PluginPermission struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	ResourceType string `json:"resourceType,omitempty"`
	Attributes   struct {
		Action string `json:"action,omitempty"`
	} `json:"attributes"`
}

// RuleMetadata describes a condition rule a plugin supports.
type RuleMetadata struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ResourceType string         `json:"resourceType"`
	ParamsSchema map[string]any `json:"paramsSchema,omitempty"`
}

// PluginMetadata is the document served by a plugin's metadata endpoint.
type PluginMetadata struct {
	Permissions []PluginPermission `json:"permissions"`
	Rules       []RuleMetadata     `json:"rules"`
}

// PluginSource fetches the metadata document of one plugin.
type PluginSource interface {
	Fetch(ctx context.Context, pluginID string) (*PluginMetadata, error)
}

// PluginIDProvider contributes plugin ids in addition to configured ones.
type PluginIDProvider interface {
	PluginIDs() []string
}

// PluginIDProviderFunc adapts a function to PluginIDProvider.
type PluginIDProviderFunc func() []string

func (f PluginIDProviderFunc) PluginIDs() []string { return f() }

// Permissions the rbac backend itself declares. Writes to policies and
// roles are gated on these.
const (
	RBACPluginID         = "permission"
	PolicyEntityResource = "policy-entity"
	PolicyEntityRead     = "policy.entity.read"
	PolicyEntityCreate   = "policy.entity.create"
	PolicyEntityUpdate   = "policy.entity.update"
	PolicyEntityDelete   = "policy.entity.delete"
)

func rbacPluginMetadata() *PluginMetadata {
	meta := &PluginMetadata{}
	for _, p := range []struct{ name, action string }{
		{PolicyEntityRead, "read"},
		{PolicyEntityCreate, "create"},
		{PolicyEntityUpdate, "update"},
		{PolicyEntityDelete, "delete"},
	} {
		pp := PluginPermission{Type: "resource", Name: p.name, ResourceType: PolicyEntityResource}
		pp.Attributes.Action = p.action
		meta.Permissions = append(meta.Permissions, pp)
	}
	return meta
}

type pluginEntry struct {
	meta      *PluginMetadata
	fetchedAt time.Time
	lastErr   error
}

// PermissionCollector keeps the permission catalog of every registered
// plugin. A refresh that fails for one plugin keeps that plugin's previous
// data and does not affect the others.
type PermissionCollector struct {
	source    PluginSource
	static    []string
	providers []PluginIDProvider
	log       logger.Logger
	metrics   *Metrics

	mu      sync.RWMutex
	plugins map[string]*pluginEntry
}

// PermissionCollectorOption configures a PermissionCollector.
type PermissionCollectorOption func(*PermissionCollector)

func WithPluginIDProvider(p PluginIDProvider) PermissionCollectorOption {
	return func(c *PermissionCollector) { c.providers = append(c.providers, p) }
}

func WithCollectorLogger(l logger.Logger) PermissionCollectorOption {
	return func(c *PermissionCollector) { c.log = l }
}

func WithCollectorMetrics(m *Metrics) PermissionCollectorOption {
	return func(c *PermissionCollector) { c.metrics = m }
}

func NewPermissionCollector(source PluginSource, pluginIDs []string, opts ...PermissionCollectorOption) *PermissionCollector {
	c := &PermissionCollector{
		source:  source,
		static:  append([]string(nil), pluginIDs...),
		log:     logger.NewNullLogger(),
		plugins: map[string]*pluginEntry{RBACPluginID: {meta: rbacPluginMetadata(), fetchedAt: time.Now()}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PluginIDs returns configured and provided plugin ids, deduplicated.
func (c *PermissionCollector) PluginIDs() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(c.static))
	add := func(ids []string) {
		for _, id := range ids {
			if id == "" || id == RBACPluginID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	add(c.static)
	for _, p := range c.providers {
		add(p.PluginIDs())
	}
	sort.Strings(out)
	return out
}

// Refresh pulls metadata from every plugin concurrently. The returned error
// aggregates per-plugin failures; successful plugins are updated regardless.
func (c *PermissionCollector) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	var g multierror.Group
	for _, id := range c.PluginIDs() {
		id := id
		g.Go(func() error {
			meta, err := c.source.Fetch(ctx, id)
			if err == nil && meta == nil {
				err = fmt.Errorf("empty metadata")
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			entry, ok := c.plugins[id]
			if !ok {
				entry = &pluginEntry{}
				c.plugins[id] = entry
			}
			if err != nil {
				entry.lastErr = err
				c.metrics.pluginRefresh(id, false)
				c.log.Warn("plugin permission refresh failed; keeping previous data", "plugin", id, "error", err)
				return fmt.Errorf("plugin %s: %w", id, err)
			}
			entry.meta, entry.fetchedAt, entry.lastErr = meta, time.Now(), nil
			c.metrics.pluginRefresh(id, true)
			c.log.Debug("plugin permissions refreshed", "plugin", id, "permissions", len(meta.Permissions))
			return nil
		})
	}
	if merr := g.Wait(); merr != nil {
		return merr.ErrorOrNil()
	}
	return nil
}

// Run refreshes every interval until ctx is done.
func (c *PermissionCollector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Warn("periodic permission refresh incomplete", "error", err)
			}
		}
	}
}

func (c *PermissionCollector) permissionsOf(pluginID string) []PluginPermission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.plugins[pluginID]
	if !ok || e.meta == nil {
		return nil
	}
	return e.meta.Permissions
}

// IsKnownPermission reports whether pluginID currently declares name.
func (c *PermissionCollector) IsKnownPermission(pluginID, name string) bool {
	_, ok := c.PermissionOf(pluginID, name)
	return ok
}

// PermissionOf returns the permission name declared by pluginID.
func (c *PermissionCollector) PermissionOf(pluginID, name string) (Permission, bool) {
	for _, p := range c.permissionsOf(pluginID) {
		if p.Name == name {
			return Permission{Name: p.Name, ResourceType: p.ResourceType, Action: p.Attributes.Action, PluginID: pluginID}, true
		}
	}
	return Permission{}, false
}

// ListResourceTypes returns the resource types pluginID declares.
func (c *PermissionCollector) ListResourceTypes(pluginID string) []string {
	seen := map[string]bool{}
	out := make([]string, 0)
	for _, p := range c.permissionsOf(pluginID) {
		if p.ResourceType != "" && !seen[p.ResourceType] {
			seen[p.ResourceType] = true
			out = append(out, p.ResourceType)
		}
	}
	sort.Strings(out)
	return out
}

// Rules returns the condition rules pluginID declares.
func (c *PermissionCollector) Rules(pluginID string) []RuleMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.plugins[pluginID]
	if !ok || e.meta == nil {
		return nil
	}
	return append([]RuleMetadata(nil), e.meta.Rules...)
}

// ListPermissions returns every known permission across plugins.
func (c *PermissionCollector) ListPermissions() []Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Permission, 0)
	for id, e := range c.plugins {
		if e.meta == nil {
			continue
		}
		for _, p := range e.meta.Permissions {
			out = append(out, Permission{Name: p.Name, ResourceType: p.ResourceType, Action: p.Attributes.Action, PluginID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PluginID != out[j].PluginID {
			return out[i].PluginID < out[j].PluginID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// LookupPermission finds a permission by name in any plugin.
func (c *PermissionCollector) LookupPermission(name string) (Permission, bool) {
	for _, p := range c.ListPermissions() {
		if p.Name == name {
			return p, true
		}
	}
	return Permission{}, false
}

// IsKnownObject reports whether a policy object names a known permission,
// a wildcard over known permissions, or a known resource type.
func (c *PermissionCollector) IsKnownObject(object string) bool {
	for _, p := range c.ListPermissions() {
		if p.Name == object || p.ResourceType == object || utils.MatchPermission(p.Name, object) {
			return true
		}
	}
	return false
}

// LastError returns the error of the most recent failed refresh of pluginID.
func (c *PermissionCollector) LastError(pluginID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.plugins[pluginID]; ok {
		return e.lastErr
	}
	return nil
}
