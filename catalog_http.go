package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/oarkflow/rbac/logger"
)

// HTTPCatalog reads entities from a catalog REST API
// (GET <base>/entities/by-name/<kind>/<namespace>/<name>).
type HTTPCatalog struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// HTTPCatalogOption configures an HTTPCatalog.
type HTTPCatalogOption func(*HTTPCatalog)

// WithCatalogToken sends token as a bearer credential.
func WithCatalogToken(token string) HTTPCatalogOption {
	return func(c *HTTPCatalog) { c.token = token }
}

// WithCatalogHTTPClient replaces the underlying HTTP client.
func WithCatalogHTTPClient(hc *http.Client) HTTPCatalogOption {
	return func(c *HTTPCatalog) { c.client.HTTPClient = hc }
}

func NewHTTPCatalog(baseURL string, opts ...HTTPCatalogOption) *HTTPCatalog {
	c := &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &retryablehttp.Client{
			HTTPClient:   cleanhttp.DefaultPooledClient(),
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: time.Second,
			RetryMax:     3,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type catalogRelation struct {
	Type      string `json:"type"`
	TargetRef string `json:"targetRef"`
}

type catalogEntity struct {
	Kind     string `json:"kind"`
	Metadata struct {
		Name        string            `json:"name"`
		Namespace   string            `json:"namespace"`
		Annotations map[string]string `json:"annotations"`
		Labels      map[string]string `json:"labels"`
	} `json:"metadata"`
	Spec      map[string]any    `json:"spec"`
	Relations []catalogRelation `json:"relations"`
}

func (e *catalogEntity) related(kind string) []string {
	out := make([]string, 0)
	for _, r := range e.Relations {
		if strings.EqualFold(r.Type, kind) {
			out = append(out, NormalizeRef(r.TargetRef))
		}
	}
	return out
}

func (c *HTTPCatalog) fetch(ctx context.Context, ref string) (*catalogEntity, error) {
	parsed, ok := ParseEntityRef(ref)
	if !ok {
		return nil, fmt.Errorf("invalid entity ref %q: %w", ref, ErrEntityNotFound)
	}
	u := fmt.Sprintf("%s/entities/by-name/%s/%s/%s", c.baseURL,
		url.PathEscape(parsed.Kind), url.PathEscape(parsed.Namespace), url.PathEscape(parsed.Name))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrEntityNotFound
	case resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: GET %s returned %d", ErrCatalogUnavailable, u, resp.StatusCode)
	}
	var ent catalogEntity
	if err := json.NewDecoder(resp.Body).Decode(&ent); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCatalogUnavailable, u, err)
	}
	return &ent, nil
}

func (c *HTTPCatalog) ResolveEntity(ctx context.Context, ref string) (*Entity, error) {
	ent, err := c.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Entity{
		Ref:      NormalizeRef(ref),
		Kind:     strings.ToLower(ent.Kind),
		MemberOf: ent.related("memberOf"),
		Attributes: map[string]any{
			"kind": ent.Kind,
			"spec": ent.Spec,
			"metadata": map[string]any{
				"name":        ent.Metadata.Name,
				"namespace":   ent.Metadata.Namespace,
				"annotations": stringMapToAny(ent.Metadata.Annotations),
				"labels":      stringMapToAny(ent.Metadata.Labels),
			},
		},
	}, nil
}

func (c *HTTPCatalog) ListGroupMembers(ctx context.Context, groupRef string) ([]string, error) {
	ent, err := c.fetch(ctx, groupRef)
	if err != nil {
		return nil, err
	}
	return append(ent.related("hasMember"), ent.related("parentOf")...), nil
}

func (c *HTTPCatalog) ListGroupParents(ctx context.Context, groupRef string) ([]string, error) {
	ent, err := c.fetch(ctx, groupRef)
	if err != nil {
		return nil, err
	}
	return ent.related("childOf"), nil
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// BreakerSettings tunes the catalog circuit breaker.
type BreakerSettings struct {
	Name             string        `yaml:"name" json:"name" koanf:"name"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests" koanf:"max_requests"`
	Interval         time.Duration `yaml:"interval" json:"interval" koanf:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" koanf:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold" koanf:"failure_threshold"`
}

// BreakerCatalog guards a Catalog with a circuit breaker. While the breaker
// is open every call fails fast with ErrCatalogUnavailable. Not-found answers
// do not count as failures.
type BreakerCatalog struct {
	next Catalog
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerCatalog(next Catalog, s BreakerSettings, log logger.Logger) *BreakerCatalog {
	if log == nil {
		log = logger.NewNullLogger()
	}
	if s.Name == "" {
		s.Name = "catalog"
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	threshold := s.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEntityNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("catalog breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerCatalog{next: next, cb: cb}
}

// State reports the breaker state.
func (b *BreakerCatalog) State() string { return b.cb.State().String() }

func (b *BreakerCatalog) execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return v, err
}

func (b *BreakerCatalog) ResolveEntity(ctx context.Context, ref string) (*Entity, error) {
	v, err := b.execute(func() (any, error) { return b.next.ResolveEntity(ctx, ref) })
	if err != nil {
		return nil, err
	}
	return v.(*Entity), nil
}

func (b *BreakerCatalog) ListGroupMembers(ctx context.Context, groupRef string) ([]string, error) {
	v, err := b.execute(func() (any, error) { return b.next.ListGroupMembers(ctx, groupRef) })
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *BreakerCatalog) ListGroupParents(ctx context.Context, groupRef string) ([]string, error) {
	v, err := b.execute(func() (any, error) { return b.next.ListGroupParents(ctx, groupRef) })
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}
