package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"
	"github.com/mitchellh/mapstructure"
)

// Rule is a named predicate usable as a condition leaf.
type Rule interface {
	Name() string
	ResourceType() string
	Description() string
	Apply(ctx *EvalContext, params map[string]any) (bool, error)
	ValidateParams(params map[string]any) error
}

type typedRule[P any] struct {
	name         string
	resourceType string
	description  string
	apply        func(ctx *EvalContext, p P) (bool, error)
}

// DefineRule builds a Rule whose params are decoded into P.
func DefineRule[P any](name, resourceType, description string, apply func(ctx *EvalContext, p P) (bool, error)) Rule {
	return &typedRule[P]{name: name, resourceType: resourceType, description: description, apply: apply}
}

func (r *typedRule[P]) Name() string         { return r.name }
func (r *typedRule[P]) ResourceType() string { return r.resourceType }
func (r *typedRule[P]) Description() string  { return r.description }

func (r *typedRule[P]) Apply(ctx *EvalContext, params map[string]any) (bool, error) {
	var p P
	if err := decodeParams(params, &p); err != nil {
		return false, fmt.Errorf("rule %s: %w", r.name, err)
	}
	return r.apply(ctx, p)
}

func (r *typedRule[P]) ValidateParams(params map[string]any) error {
	var p P
	return decodeParams(params, &p)
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

// RuleRegistry holds the rules conditions may reference.
type RuleRegistry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRuleRegistry returns a registry pre-loaded with the built-in rules.
func NewRuleRegistry() *RuleRegistry {
	r := &RuleRegistry{rules: make(map[string]Rule)}
	for _, rule := range builtinRules() {
		r.rules[rule.Name()] = rule
	}
	return r
}

// Register adds or replaces a rule.
func (r *RuleRegistry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Name()] = rule
}

func (r *RuleRegistry) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	return rule, ok
}

// Names lists registered rule names in order.
func (r *RuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for name := range r.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// BUILT-IN RULES
// ============================================================================

const catalogEntityResource = "catalog-entity"

type ownerParams struct {
	Claims []string `json:"claims"`
}

type kindParams struct {
	Kinds []string `json:"kinds"`
}

type annotationParams struct {
	Annotation string `json:"annotation"`
	Value      string `json:"value"`
}

type labelParams struct {
	Label string `json:"label"`
}

type keyValueParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type attributeParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type filterParams struct {
	Expression string `json:"expression"`
}

var filterCache sync.Map // expression -> *bexpr.Evaluator

func builtinRules() []Rule {
	return []Rule{
		DefineRule("IS_ENTITY_OWNER", catalogEntityResource, "Allow entities owned by one of the given claims",
			func(ctx *EvalContext, p ownerParams) (bool, error) {
				owners := stringsOf(lookupPath(ctx.ResourceAttributes, "owner"))
				if len(owners) == 0 {
					owners = stringsOf(lookupPath(ctx.ResourceAttributes, "spec.owner"))
				}
				for _, o := range owners {
					for _, c := range p.Claims {
						if NormalizeRef(o) == NormalizeRef(c) {
							return true, nil
						}
					}
				}
				return false, nil
			}),
		DefineRule("IS_ENTITY_KIND", catalogEntityResource, "Allow entities of the given kinds",
			func(ctx *EvalContext, p kindParams) (bool, error) {
				kind, _ := lookupPath(ctx.ResourceAttributes, "kind").(string)
				for _, k := range p.Kinds {
					if strings.EqualFold(k, kind) {
						return true, nil
					}
				}
				return false, nil
			}),
		DefineRule("HAS_ANNOTATION", catalogEntityResource, "Allow entities with the given annotation (and value)",
			func(ctx *EvalContext, p annotationParams) (bool, error) {
				return hasKey(ctx.ResourceAttributes, []string{"metadata.annotations", "annotations"}, p.Annotation, p.Value), nil
			}),
		DefineRule("HAS_LABEL", catalogEntityResource, "Allow entities with the given label",
			func(ctx *EvalContext, p labelParams) (bool, error) {
				return hasKey(ctx.ResourceAttributes, []string{"metadata.labels", "labels"}, p.Label, ""), nil
			}),
		DefineRule("HAS_METADATA", catalogEntityResource, "Allow entities with the given metadata key (and value)",
			func(ctx *EvalContext, p keyValueParams) (bool, error) {
				return hasKey(ctx.ResourceAttributes, []string{"metadata"}, p.Key, p.Value), nil
			}),
		DefineRule("HAS_SPEC", catalogEntityResource, "Allow entities with the given spec key (and value)",
			func(ctx *EvalContext, p keyValueParams) (bool, error) {
				return hasKey(ctx.ResourceAttributes, []string{"spec"}, p.Key, p.Value), nil
			}),
		DefineRule("ATTRIBUTE_EQUALS", "", "Allow resources whose attribute at key equals value",
			func(ctx *EvalContext, p attributeParams) (bool, error) {
				if p.Key == "" {
					return false, fmt.Errorf("key is required")
				}
				got := lookupPath(ctx.ResourceAttributes, p.Key)
				if got == nil {
					return false, nil
				}
				want := stringsOf(p.Value)
				for _, g := range stringsOf(got) {
					for _, w := range want {
						if g == w {
							return true, nil
						}
					}
				}
				return false, nil
			}),
		DefineRule("MATCHES_FILTER", "", "Allow resources whose attributes match a boolean filter expression",
			func(ctx *EvalContext, p filterParams) (bool, error) {
				eval, err := compileFilter(p.Expression)
				if err != nil {
					return false, err
				}
				datum := ctx.ResourceAttributes
				if datum == nil {
					datum = map[string]any{}
				}
				return eval.Evaluate(datum)
			}),
	}
}

func compileFilter(expr string) (*bexpr.Evaluator, error) {
	if cached, ok := filterCache.Load(expr); ok {
		return cached.(*bexpr.Evaluator), nil
	}
	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
	}
	filterCache.Store(expr, eval)
	return eval, nil
}

// lookupPath walks dotted keys through nested maps.
func lookupPath(attrs map[string]any, path string) any {
	if attrs == nil {
		return nil
	}
	if v, ok := attrs[path]; ok {
		return v
	}
	var cur any = attrs
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func hasKey(attrs map[string]any, containers []string, key, value string) bool {
	for _, c := range containers {
		m, ok := lookupPath(attrs, c).(map[string]any)
		if !ok {
			continue
		}
		v, ok := m[key]
		if !ok {
			continue
		}
		if value == "" || fmt.Sprint(v) == value {
			return true
		}
	}
	return false
}

func stringsOf(v any) []string {
	switch vv := v.(type) {
	case nil:
		return nil
	case string:
		return []string{vv}
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}
