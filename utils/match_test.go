package utils

import "testing"

func TestMatchPermission(t *testing.T) {
	cases := []struct {
		value, pattern string
		want           bool
	}{
		{"catalog.entity.read", "catalog.entity.read", true},
		{"catalog.entity.read", "*", true},
		{"catalog.entity.read", "catalog.*", true},
		{"catalog.entity.read", "catalog.entity.*", true},
		{"catalog.entity.read", "catalog.*.read", true},
		{"catalog.entity.read", "catalog.*.delete", false},
		{"catalog.entity", "catalog.entity.*", false},
		{"catalog", "catalog.*", false},
		{"catalog.entity.read", "scaffolder.*", false},
		{"catalog.entity.read", "catalog.entity", false},
		{"", "catalog.*", false},
	}
	for _, c := range cases {
		if got := MatchPermission(c.value, c.pattern); got != c.want {
			t.Fatalf("MatchPermission(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	if !MatchAny("policy.entity.read", "catalog.*", " policy.entity.* ") {
		t.Fatalf("expected a match")
	}
	if MatchAny("policy.entity.read") {
		t.Fatalf("no patterns must not match")
	}
}
