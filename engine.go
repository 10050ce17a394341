package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// Engine answers authorization requests and applies administrative writes.
// Decisions run concurrently; administrative writes are serialised.
type Engine struct {
	store     Store
	cfg       *Config
	log       logger.Logger
	metrics   *Metrics
	rules     *RuleRegistry
	evaluator *Evaluator
	roles     *RoleManager
	catalog   Catalog
	collector *PermissionCollector
	audit     *AuditLogger
	bus       InvalidationBus

	attrProviders []AttributeProvider
	replicaID     string
	now           func() time.Time

	adminMu     sync.Mutex
	unsubscribe func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) EngineOption {
	return func(e *Engine) error {
		if cfg == nil {
			return fmt.Errorf("nil config")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithCatalog installs the entity catalog. It is wrapped in a circuit
// breaker configured by catalog.breaker.
func WithCatalog(c Catalog) EngineOption {
	return func(e *Engine) error {
		e.catalog = c
		return nil
	}
}

// WithRoleManager installs a prebuilt RoleManager; the catalog option is then
// ignored.
func WithRoleManager(rm *RoleManager) EngineOption {
	return func(e *Engine) error {
		e.roles = rm
		return nil
	}
}

// WithPermissionCollector installs a prebuilt collector. Without it the
// engine fetches plugin metadata from plugins.base_url, if set.
func WithPermissionCollector(c *PermissionCollector) EngineOption {
	return func(e *Engine) error {
		e.collector = c
		return nil
	}
}

// WithMetrics records engine, cache and audit metrics on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithInvalidationBus connects the engine to other replicas.
func WithInvalidationBus(b InvalidationBus) EngineOption {
	return func(e *Engine) error {
		e.bus = b
		return nil
	}
}

// WithAttributeProvider adds a resource attribute source consulted before
// conditions are evaluated.
func WithAttributeProvider(p AttributeProvider) EngineOption {
	return func(e *Engine) error {
		e.attrProviders = append(e.attrProviders, p)
		return nil
	}
}

// WithRuleRegistry replaces the built-in condition rules.
func WithRuleRegistry(r *RuleRegistry) EngineOption {
	return func(e *Engine) error {
		e.rules = r
		return nil
	}
}

// WithReplicaID names this process on the invalidation bus.
func WithReplicaID(id string) EngineOption {
	return func(e *Engine) error {
		e.replicaID = id
		return nil
	}
}

// WithClock replaces time.Now for provenance timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// NewEngine builds an Engine over store and loads the committed state.
func NewEngine(ctx context.Context, store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, newError(KindConfiguration, "new_engine", "store", "store is required")
	}
	e := &Engine{
		store:     store,
		cfg:       DefaultConfig(),
		replicaID: uuid.NewString(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, asKind(KindConfiguration, "new_engine", err)
		}
	}
	if e.log == nil {
		e.log = NewLogger(e.cfg.Log)
	}
	if e.rules == nil {
		e.rules = NewRuleRegistry()
	}
	if e.collector == nil {
		var source PluginSource
		if e.cfg.Plugins.BaseURL != "" {
			source = NewHTTPPluginSource(e.cfg.Plugins.BaseURL, e.cfg.Plugins.Token)
		}
		e.collector = NewPermissionCollector(source, e.cfg.Permission.RBAC.PluginsWithPermission,
			WithCollectorLogger(e.log), WithCollectorMetrics(e.metrics))
	}
	if e.roles == nil {
		var catalog Catalog
		if e.catalog != nil {
			catalog = NewBreakerCatalog(e.catalog, e.cfg.Catalog.Breaker, e.log)
		}
		rm, err := NewRoleManager(catalog, store, e.cfg.RoleCache,
			WithRoleManagerLogger(e.log), WithRoleManagerMetrics(e.metrics))
		if err != nil {
			return nil, asKind(KindConfiguration, "new_engine", err)
		}
		e.roles = rm
	}
	ev, err := NewEvaluator(e.rules)
	if err != nil {
		return nil, asKind(KindConfiguration, "new_engine", err)
	}
	e.evaluator = ev
	e.audit = NewAuditLogger(store, e.log)
	e.audit.decisionsBestEffort = e.cfg.Audit.DecisionsBestEffort
	e.audit.onDecisionFailed = func(error) { e.metrics.auditFailure(AuditDecision) }

	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	if e.bus != nil {
		unsub, err := e.bus.Subscribe(ctx, InvalidationSubscriberFunc(e.onInvalidate))
		if err != nil {
			return nil, wrapError(KindUpstreamUnavailable, "new_engine", fmt.Errorf("subscribe invalidation bus: %w", err))
		}
		e.unsubscribe = unsub
	}
	return e, nil
}

// Close detaches from the invalidation bus and releases the role cache.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.roles.Close()
}

// Roles exposes the role manager.
func (e *Engine) Roles() *RoleManager { return e.roles }

// Permissions exposes the permission metadata collector.
func (e *Engine) Permissions() *PermissionCollector { return e.collector }

// Rules exposes the condition rule registry.
func (e *Engine) Rules() *RuleRegistry { return e.rules }

// Start refreshes plugin metadata once and keeps refreshing it in the
// background until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if err := e.collector.Refresh(ctx); err != nil {
		e.log.Warn("initial permission refresh incomplete", "error", err)
	}
	go e.collector.Run(ctx, e.cfg.Plugins.RefreshInterval)
}

// reload rebuilds the evaluator rule table and the membership graph from
// committed state.
func (e *Engine) reload(ctx context.Context) error {
	policies, err := e.store.ListPolicies(ctx, PolicyFilter{})
	if err != nil {
		return wrapError(KindStorageTransaction, "reload", err)
	}
	grants, err := e.store.ListConditionalGrants(ctx, GrantFilter{})
	if err != nil {
		return wrapError(KindStorageTransaction, "reload", err)
	}
	edges, err := e.store.ListMemberships(ctx)
	if err != nil {
		return wrapError(KindStorageTransaction, "reload", err)
	}
	if err := e.evaluator.Load(policies, grants); err != nil {
		return wrapError(KindConfiguration, "reload", err)
	}
	e.roles.SetMemberships(edges)
	e.metrics.setRuleCount(len(policies))
	e.log.Debug("rule table loaded", "policies", len(policies), "grants", len(grants), "memberships", len(edges))
	return nil
}

func (e *Engine) onInvalidate(ctx context.Context, msg InvalidationMessage) error {
	if msg.Origin == e.replicaID {
		return nil
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	e.metrics.invalidation("remote")
	e.log.Info("remote invalidation", "origin", msg.Origin, "operation", msg.Operation)
	return e.reload(ctx)
}

// RefreshRoles reloads membership edges and drops cached role closures. It
// is the hook for external sync jobs and is audited as a sync.
func (e *Engine) RefreshRoles(ctx context.Context, actor Actor) error {
	rec := &AuditRecord{ActorID: actor.ID, Action: AuditSync, Operation: "refresh_roles"}
	err := e.roles.Sync(ctx)
	e.metrics.invalidation("sync")
	if err != nil {
		rec.Outcome, rec.Error = OutcomeFailed, err.Error()
	} else {
		rec.Outcome = OutcomeSuccess
	}
	if aerr := e.audit.Record(context.WithoutCancel(ctx), rec); aerr != nil && err == nil {
		return aerr
	}
	return err
}

// ============================================================================
// DECISIONS
// ============================================================================

// CheckPermission decides req.
func (e *Engine) CheckPermission(ctx context.Context, req *Request) (*Decision, error) {
	return e.decide(ctx, req, false, "check_permission")
}

// Explain decides req and includes the candidate trace.
func (e *Engine) Explain(ctx context.Context, req *Request) (*Decision, error) {
	return e.decide(ctx, req, true, "explain")
}

// BatchCheck decides every request with at most permission.rbac.batch_workers
// concurrent evaluations. Decisions are returned in request order; the error
// is the first one encountered.
func (e *Engine) BatchCheck(ctx context.Context, reqs []*Request) ([]*Decision, error) {
	out := make([]*Decision, len(reqs))
	var g errgroup.Group
	workers := e.cfg.Permission.RBAC.BatchWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			d, err := e.CheckPermission(ctx, req)
			out[i] = d
			return err
		})
	}
	return out, g.Wait()
}

func validateRequest(op string, req *Request) error {
	if req == nil {
		return ValidationError(op, "request", "request is required")
	}
	if _, ok := ParseEntityRef(req.Subject); !ok {
		return ValidationError(op, "subject", "%q is not a valid entity reference", req.Subject)
	}
	return validateStruct(op, &req.Permission)
}

func (e *Engine) decide(ctx context.Context, req *Request, explain bool, op string) (*Decision, error) {
	start := e.now()
	var (
		d       *Decision
		evalErr error
	)
	if err := validateRequest(op, req); err != nil {
		d = &Decision{Effect: EffectDeny, Reason: err.Error(), Timestamp: start}
		evalErr = err
		if req == nil {
			req = &Request{}
		}
	} else {
		r := *req
		r.Subject = NormalizeRef(req.Subject)
		req = &r
		if !e.cfg.Permission.Enabled {
			d = &Decision{Allowed: true, Effect: EffectAllow, Reason: "permission framework disabled", Timestamp: start}
		} else {
			d, evalErr = e.evaluate(ctx, req, explain)
		}
	}

	rec := &AuditRecord{
		ActorID:      req.Subject,
		Action:       AuditDecision,
		Operation:    op,
		Outcome:      OutcomeDeny,
		Subject:      req.Subject,
		Permission:   req.Permission.Name,
		ResourceType: req.Permission.ResourceType,
		Detail:       map[string]any{"reason": d.Reason, "action": req.Permission.Action},
	}
	if d.Allowed {
		rec.Outcome = OutcomeAllow
	}
	if d.MatchedRule != nil {
		rec.MatchedRule = d.MatchedRule.String()
	}
	if d.Stale {
		rec.Detail["stale"] = true
	}
	if len(d.EvaluatedConditions) > 0 {
		rec.Detail["conditions"] = len(d.EvaluatedConditions)
	}
	if evalErr != nil {
		rec.Error = evalErr.Error()
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.metrics.auditFailure(AuditDecision)
		e.log.Error("decision audit failed", "subject", req.Subject, "permission", req.Permission.Name, "error", err)
		denied := &Decision{Effect: EffectDeny, Reason: "audit unavailable: " + err.Error(), Timestamp: d.Timestamp}
		return denied, err
	}
	d.AuditID = rec.EventID
	e.metrics.observeDecision(d, e.now().Sub(start), req.Permission.Name)
	return d, evalErr
}

// evaluate never returns a nil decision; every failure path denies.
func (e *Engine) evaluate(ctx context.Context, req *Request, explain bool) (*Decision, error) {
	roles, err := e.roles.GetRoles(ctx, req.Subject)
	if err != nil {
		kind := KindOf(err)
		if kind == KindUnknown {
			kind = KindUpstreamUnavailable
		}
		e.log.Warn("role resolution failed; denying", "subject", req.Subject, "error", err)
		return &Decision{
			Effect:    EffectDeny,
			Reason:    fmt.Sprintf("%s: %v", kind, err),
			Timestamp: e.now(),
		}, nil
	}
	if len(e.attrProviders) > 0 {
		req.ResourceAttributes = e.resourceAttributes(ctx, req)
	}
	d, err := e.evaluator.Decide(ctx, req, roles, nil, explain)
	if err != nil {
		return &Decision{Effect: EffectDeny, Reason: "evaluation failed: " + err.Error(), Stale: roles.Stale, Timestamp: e.now()}, err
	}
	return d, nil
}

// resourceAttributes merges provider attributes under the caller's.
func (e *Engine) resourceAttributes(ctx context.Context, req *Request) map[string]any {
	merged := make(map[string]any, len(req.ResourceAttributes))
	for _, p := range e.attrProviders {
		attrs, err := p.ResourceAttributes(ctx, req)
		if err != nil {
			e.log.Warn("attribute provider failed", "provider", p.ID(), "error", err)
			continue
		}
		for k, v := range attrs {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	for k, v := range req.ResourceAttributes {
		merged[k] = v
	}
	return merged
}
