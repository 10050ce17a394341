package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const pluginMetadataPath = "/.well-known/backstage/permissions/metadata"

// HTTPPluginSource fetches plugin metadata over HTTP from
// <base>/api/<pluginId>/.well-known/backstage/permissions/metadata.
type HTTPPluginSource struct {
	baseURL  func(pluginID string) string
	token    string
	client   *retryablehttp.Client
	maxBytes int64
}

// NewHTTPPluginSource builds a source rooted at baseURL.
func NewHTTPPluginSource(baseURL, token string) *HTTPPluginSource {
	base := strings.TrimRight(baseURL, "/")
	return &HTTPPluginSource{
		baseURL: func(id string) string { return base + "/api/" + id },
		token:   token,
		client: &retryablehttp.Client{
			HTTPClient:   cleanhttp.DefaultPooledClient(),
			RetryWaitMin: 200 * time.Millisecond,
			RetryWaitMax: 2 * time.Second,
			RetryMax:     2,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.LinearJitterBackoff,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
		maxBytes: 4 << 20,
	}
}

// WithDiscovery overrides how a plugin id maps to its base URL.
func (s *HTTPPluginSource) WithDiscovery(fn func(pluginID string) string) *HTTPPluginSource {
	s.baseURL = fn
	return s
}

func (s *HTTPPluginSource) Fetch(ctx context.Context, pluginID string) (*PluginMetadata, error) {
	u := strings.TrimRight(s.baseURL(pluginID), "/") + pluginMetadataPath
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: GET %s returned %d", ErrUpstreamUnavailable, u, resp.StatusCode)
	}
	var meta PluginMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, s.maxBytes)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode %s: %w", u, err)
	}
	return &meta, nil
}

// StaticPluginSource serves metadata registered in memory.
type StaticPluginSource struct {
	mu     sync.RWMutex
	meta   map[string]*PluginMetadata
	errs   map[string]error
	counts map[string]int
}

func NewStaticPluginSource() *StaticPluginSource {
	return &StaticPluginSource{meta: map[string]*PluginMetadata{}, errs: map[string]error{}, counts: map[string]int{}}
}

// Set registers the metadata served for pluginID and clears any failure.
func (s *StaticPluginSource) Set(pluginID string, meta *PluginMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[pluginID] = meta
	delete(s.errs, pluginID)
}

// SetPermissions is a shortcut registering resource permissions.
func (s *StaticPluginSource) SetPermissions(pluginID, resourceType string, perms map[string]string) {
	meta := &PluginMetadata{}
	for name, action := range perms {
		p := PluginPermission{Type: "resource", Name: name, ResourceType: resourceType}
		p.Attributes.Action = action
		meta.Permissions = append(meta.Permissions, p)
	}
	s.Set(pluginID, meta)
}

// Fail makes Fetch for pluginID return err.
func (s *StaticPluginSource) Fail(pluginID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[pluginID] = err
}

// Fetches reports how many times pluginID was fetched.
func (s *StaticPluginSource) Fetches(pluginID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[pluginID]
}

func (s *StaticPluginSource) Fetch(ctx context.Context, pluginID string) (*PluginMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[pluginID]++
	if err := s.errs[pluginID]; err != nil {
		return nil, err
	}
	meta, ok := s.meta[pluginID]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", pluginID, ErrNotFound)
	}
	return meta, nil
}
