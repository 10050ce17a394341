package rbac

import (
	"context"
	"sort"
	"strings"
)

// desiredState is what a non-REST source wants to own. A nil slice leaves
// that kind of row untouched.
type desiredState struct {
	policies    []PolicyRule
	memberships []Membership
}

// reconcileStats summarises one reconcile run; it becomes the audit detail.
type reconcileStats struct {
	PoliciesAdded      int
	PoliciesRemoved    int
	MembershipsAdded   int
	MembershipsRemoved int
	Skipped            []string
}

func (s reconcileStats) detail() map[string]any {
	d := map[string]any{
		"policies_added":      s.PoliciesAdded,
		"policies_removed":    s.PoliciesRemoved,
		"memberships_added":   s.MembershipsAdded,
		"memberships_removed": s.MembershipsRemoved,
	}
	if len(s.Skipped) > 0 {
		d["skipped"] = s.Skipped
	}
	return d
}

// reconcile makes the rows of roles owned by source match want. Rows naming
// a role owned by another source are skipped and reported.
func (e *Engine) reconcile(ctx context.Context, tx Tx, op string, source Source, actor Actor, want desiredState) (reconcileStats, error) {
	var stats reconcileStats

	metas, err := tx.ListRoleMetadata(ctx)
	if err != nil {
		return stats, err
	}
	owner := make(map[string]Source, len(metas))
	for _, m := range metas {
		owner[m.RoleName] = m.Source
	}
	ownedByOther := func(role string) bool {
		s, ok := owner[role]
		return ok && s != source && s != SourceLegacy
	}
	touched := make(map[string]bool)

	if want.memberships != nil {
		desired := make(map[string]Membership)
		for _, m := range want.memberships {
			m = m.Normalize()
			if ownedByOther(m.Role) {
				stats.Skipped = append(stats.Skipped, "g, "+m.Member+", "+m.Role)
				continue
			}
			desired[m.Key()] = m
		}
		edges, err := tx.ListMemberships(ctx)
		if err != nil {
			return stats, err
		}
		current := make(map[string]bool)
		var kept []Membership
		for _, m := range edges {
			if owner[m.Role] == source {
				current[m.Key()] = true
				if _, ok := desired[m.Key()]; !ok {
					if err := tx.RemoveMembership(ctx, m); err != nil {
						return stats, err
					}
					stats.MembershipsRemoved++
					touched[m.Role] = true
					continue
				}
			}
			kept = append(kept, m)
		}
		keys := sortedKeys(desired)
		for _, k := range keys {
			m := desired[k]
			exists := current[k]
			if !exists {
				if exists, err = tx.HasMembership(ctx, m); err != nil {
					return stats, err
				}
			}
			touched[m.Role] = true
			if exists {
				continue
			}
			if path := cyclePath(kept, m); path != nil {
				return stats, ValidationError(op, "memberships", "adding %s to %s would create a cycle: %s", m.Member, m.Role, strings.Join(path, " -> "))
			}
			if err := tx.AddMembership(ctx, m); err != nil {
				return stats, err
			}
			kept = append(kept, m)
			stats.MembershipsAdded++
		}
	}

	if want.policies != nil {
		desired := make(map[string]PolicyRule)
		for _, p := range want.policies {
			p = p.Normalize()
			if IsRoleRef(p.Subject) && ownedByOther(p.Subject) {
				stats.Skipped = append(stats.Skipped, "p, "+p.String())
				continue
			}
			desired[p.Key()] = p
		}
		current, err := tx.ListPolicies(ctx, PolicyFilter{})
		if err != nil {
			return stats, err
		}
		have := make(map[string]bool, len(current))
		for _, p := range current {
			have[p.Key()] = true
			if owner[p.Subject] != source {
				continue
			}
			if _, ok := desired[p.Key()]; ok {
				continue
			}
			if err := tx.RemovePolicy(ctx, p); err != nil {
				return stats, err
			}
			stats.PoliciesRemoved++
			touched[p.Subject] = true
		}
		for _, k := range sortedKeys(desired) {
			p := desired[k]
			if IsRoleRef(p.Subject) {
				touched[p.Subject] = true
			}
			if have[k] {
				continue
			}
			if err := tx.AddPolicy(ctx, p); err != nil {
				return stats, err
			}
			stats.PoliciesAdded++
		}
	}

	roles := make([]string, 0, len(touched))
	for r := range touched {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	for _, role := range roles {
		meta, err := e.claimRole(ctx, tx, op, role, source, actor)
		if err != nil {
			return stats, err
		}
		if err := settleRole(ctx, tx, meta); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sync runs reconcile as one audited sync write.
func (e *Engine) sync(ctx context.Context, op string, source Source, actor Actor, want desiredState) (reconcileStats, error) {
	var stats reconcileStats
	err := e.write(ctx, actor, AuditSync, op, "", func(ctx context.Context, tx Tx, rec *AuditRecord) error {
		rec.Subject = string(source)
		var err error
		stats, err = e.reconcile(ctx, tx, op, source, actor, want)
		rec.Detail = stats.detail()
		return err
	})
	for _, s := range stats.Skipped {
		e.log.Warn("row skipped: role owned by another source", "source", source, "row", s)
	}
	return stats, err
}
