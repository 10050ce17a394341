package rbac

import "context"

// AdminRole is the role granted to the configured admin users.
const AdminRole = "role:default/rbac_admin"

// ConfigurationActor is recorded as the author of configuration-owned rows.
var ConfigurationActor = Actor{ID: "configuration"}

// adminPolicies grants full policy-entity access to the admin role.
func adminPolicies() []PolicyRule {
	actions := []string{"read", "create", "update", "delete"}
	out := make([]PolicyRule, 0, len(actions))
	for _, a := range actions {
		out = append(out, PolicyRule{Subject: AdminRole, Object: PolicyEntityResource, Action: a, Effect: EffectAllow})
	}
	return out
}

// Bootstrap reconciles configuration-owned state: the admin role with its
// configured users, plus the roles and policies listed in the config. It is
// safe to run on every start; removed users and rows are revoked. When a
// policy file is configured it is loaded afterwards.
func (e *Engine) Bootstrap(ctx context.Context) error {
	rbacCfg := e.cfg.Permission.RBAC
	want := desiredState{memberships: []Membership{}, policies: []PolicyRule{}}

	if len(rbacCfg.Admin.Users) > 0 {
		want.policies = append(want.policies, adminPolicies()...)
		for _, u := range rbacCfg.Admin.Users {
			want.memberships = append(want.memberships, Membership{Member: u, Role: AdminRole})
		}
	}
	for _, r := range e.cfg.Roles {
		for _, m := range r.Members {
			want.memberships = append(want.memberships, Membership{Member: m, Role: r.Name})
		}
	}
	want.policies = append(want.policies, e.cfg.Policies...)

	stats, err := e.sync(ctx, "bootstrap", SourceConfiguration, ConfigurationActor, want)
	if err != nil {
		return err
	}
	e.log.Info("configuration roles reconciled", "admins", len(rbacCfg.Admin.Users),
		"policies_added", stats.PoliciesAdded, "memberships_added", stats.MembershipsAdded,
		"policies_removed", stats.PoliciesRemoved, "memberships_removed", stats.MembershipsRemoved)

	if rbacCfg.PolicyFile != "" {
		return e.LoadPolicyFile(ctx, rbacCfg.PolicyFile)
	}
	return nil
}
