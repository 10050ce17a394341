package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ============================================================================
// EXTERNAL RBAC PROVIDERS
// ============================================================================

// RoleSpec is a role as an external provider describes it.
type RoleSpec struct {
	Name    string   `json:"name" yaml:"name" validate:"required,roleref"`
	Members []string `json:"members" yaml:"members" validate:"dive,entityref"`
}

// Provider feeds roles and policies from an external system. Connect hands
// it a connection scoped to its own source; Refresh pushes the current state
// through that connection.
type Provider interface {
	ID() string
	Connect(conn ProviderConnection) error
	Refresh(ctx context.Context) error
}

// ProviderConnection replaces the state owned by one provider. Each call is
// a full reconcile of that kind of row in one transaction.
type ProviderConnection interface {
	ApplyRoles(ctx context.Context, roles []RoleSpec) error
	ApplyPolicies(ctx context.Context, policies []PolicyRule) error
}

type providerConnection struct {
	engine *Engine
	source Source
	actor  Actor
}

func (c *providerConnection) ApplyRoles(ctx context.Context, roles []RoleSpec) error {
	op := "provider_apply_roles"
	memberships := make([]Membership, 0)
	for i := range roles {
		if err := validateStruct(op, &roles[i]); err != nil {
			return err
		}
		for _, m := range roles[i].Members {
			memberships = append(memberships, Membership{Member: m, Role: roles[i].Name})
		}
	}
	_, err := c.engine.sync(ctx, op, c.source, c.actor, desiredState{memberships: memberships})
	return err
}

func (c *providerConnection) ApplyPolicies(ctx context.Context, policies []PolicyRule) error {
	op := "provider_apply_policies"
	norm := make([]PolicyRule, 0, len(policies))
	for _, p := range policies {
		p = p.Normalize()
		if err := validateStruct(op, &p); err != nil {
			return err
		}
		if !IsRoleRef(p.Subject) {
			return ValidationError(op, "subject", "provider policies must name a role, got %s", p.Subject)
		}
		norm = append(norm, p)
	}
	_, err := c.engine.sync(ctx, op, c.source, c.actor, desiredState{policies: norm})
	return err
}

// Connection returns the connection a provider with the given id writes
// through.
func (e *Engine) Connection(providerID string) ProviderConnection {
	return &providerConnection{
		engine: e,
		source: ProviderSource(providerID),
		actor:  Actor{ID: "provider:" + providerID},
	}
}

// ConnectProviders connects every provider and runs its first refresh,
// retrying with exponential backoff for at most maxWait. Validation errors
// are not retried. Failures of one provider do not stop the others.
func (e *Engine) ConnectProviders(ctx context.Context, maxWait time.Duration, providers ...Provider) error {
	var errs []error
	for _, p := range providers {
		id := p.ID()
		if !ProviderSource(id).IsProvider() {
			errs = append(errs, newError(KindConfiguration, "connect_provider", "id", "invalid provider id %q", id))
			continue
		}
		if err := p.Connect(e.Connection(id)); err != nil {
			errs = append(errs, fmt.Errorf("connect provider %s: %w", id, err))
			continue
		}
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxWait
		err := backoff.RetryNotify(
			func() error {
				err := p.Refresh(ctx)
				if err != nil && KindOf(err) == KindValidation {
					return backoff.Permanent(err)
				}
				return err
			},
			backoff.WithContext(b, ctx),
			func(err error, next time.Duration) {
				e.log.Warn("provider refresh failed, retrying", "provider", id, "retry_in", next, "error", err)
			},
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh provider %s: %w", id, err))
			continue
		}
		e.log.Info("provider connected", "provider", id)
	}
	if len(errs) > 0 {
		return wrapError(KindUpstreamUnavailable, "connect_providers", errors.Join(errs...))
	}
	return nil
}
