package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// AUDIT
// ============================================================================

// AuditAction classifies what an audit record is about.
type AuditAction string

const (
	AuditDecision       AuditAction = "decision"
	AuditPolicyWrite    AuditAction = "policy-write"
	AuditRoleWrite      AuditAction = "role-write"
	AuditConditionWrite AuditAction = "condition-write"
	AuditSync           AuditAction = "sync"
)

// AuditOutcome is allow/deny for decisions and success/failed for writes.
type AuditOutcome string

const (
	OutcomeAllow   AuditOutcome = "allow"
	OutcomeDeny    AuditOutcome = "deny"
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailed  AuditOutcome = "failed"
)

// AuditRecord is one append-only entry of the audit trail.
type AuditRecord struct {
	EventID      string         `json:"event_id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id"`
	Action       AuditAction    `json:"action"`
	Operation    string         `json:"operation"`
	Outcome      AuditOutcome   `json:"outcome"`
	Subject      string         `json:"subject,omitempty"`
	Permission   string         `json:"permission,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	MatchedRule  string         `json:"matched_rule,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Clone returns a copy with its own detail map.
func (r *AuditRecord) Clone() *AuditRecord {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Detail != nil {
		dup.Detail = make(map[string]any, len(r.Detail))
		for k, v := range r.Detail {
			dup.Detail[k] = v
		}
	}
	return &dup
}

// AuditLogger writes audit records durably and mirrors them to the
// structured log.
type AuditLogger struct {
	store               AuditStore
	log                 logger.Logger
	decisionsBestEffort bool
	now                 func() time.Time
	onDecisionFailed    func(error)
}

// NewAuditLogger creates an AuditLogger backed by store.
func NewAuditLogger(store AuditStore, log logger.Logger) *AuditLogger {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &AuditLogger{store: store, log: log, now: time.Now}
}

// prepare fills the id and timestamp.
func (a *AuditLogger) prepare(rec *AuditRecord) {
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now().UTC()
	}
}

// Record appends rec durably and logs it. Decision records may be written
// best-effort; a failed best-effort write is logged and swallowed.
func (a *AuditLogger) Record(ctx context.Context, rec *AuditRecord) error {
	a.prepare(rec)
	if err := a.store.AppendAudit(ctx, rec); err != nil {
		if rec.Action == AuditDecision && a.decisionsBestEffort {
			a.log.Warn("audit write dropped", "event_id", rec.EventID, "error", err)
			if a.onDecisionFailed != nil {
				a.onDecisionFailed(err)
			}
			a.Emit(rec)
			return nil
		}
		return wrapError(KindStorageTransaction, "audit", fmt.Errorf("append audit record: %w", err))
	}
	a.Emit(rec)
	return nil
}

// Stage appends rec inside an open administrative transaction. The record
// becomes visible only if tx commits.
func (a *AuditLogger) Stage(ctx context.Context, tx Tx, rec *AuditRecord) error {
	a.prepare(rec)
	if err := tx.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("stage audit record: %w", err)
	}
	return nil
}

// Emit writes the structured log line for rec.
func (a *AuditLogger) Emit(rec *AuditRecord) {
	kv := []any{
		"event_id", rec.EventID,
		"actor", rec.ActorID,
		"action", string(rec.Action),
		"operation", rec.Operation,
		"outcome", string(rec.Outcome),
	}
	if rec.Subject != "" {
		kv = append(kv, "subject", rec.Subject)
	}
	if rec.Permission != "" {
		kv = append(kv, "permission", rec.Permission)
	}
	if rec.ResourceType != "" {
		kv = append(kv, "resource_type", rec.ResourceType)
	}
	if rec.MatchedRule != "" {
		kv = append(kv, "matched_rule", rec.MatchedRule)
	}
	if rec.Error != "" {
		kv = append(kv, "error", rec.Error)
		a.log.Warn("audit", kv...)
		return
	}
	a.log.Info("audit", kv...)
}

// List returns stored records matching filter.
func (a *AuditLogger) List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	return a.store.ListAudit(ctx, filter)
}
