package criteria

import (
	"sort"
	"sync"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// Rule computes the points a criterion awards to a child. Rules must be pure:
// same child and weight always yield the same points, no clock or I/O.
type Rule func(child models.Child, weight float64) float64

// Registry maps criterion names to their evaluation rules. Criteria are
// externally configurable rows; the registry supplies the behavior behind
// each name. Unknown names fall back to a flat rule (weight × 1) so that a
// newly configured criterion never breaks a run.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry returns a registry preloaded with the built-in rules.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Rule)}
	r.Register("special_needs", flagRule(func(c models.Child) bool { return c.SpecialNeeds }))
	r.Register("low_income", flagRule(func(c models.Child) bool { return c.LowIncome }))
	r.Register("single_guardian", flagRule(func(c models.Child) bool { return c.SingleGuardian }))
	r.Register("sibling_enrolled", flagRule(func(c models.Child) bool { return c.SiblingEnrolled }))
	return r
}

// Register installs or replaces the rule for a criterion name.
func (r *Registry) Register(name string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = rule
}

// Evaluate applies the named rule to the child. Inactive criteria score zero.
func (r *Registry) Evaluate(criterion models.Criterion, child models.Child) float64 {
	if !criterion.Active || criterion.Weight <= 0 {
		return 0
	}
	r.mu.RLock()
	rule, ok := r.rules[criterion.Name]
	r.mu.RUnlock()
	if !ok {
		rule = FlatRule
	}
	return rule(child, criterion.Weight)
}

// Names returns the registered rule names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlatRule awards the full weight unconditionally. It is the default for
// criterion names with no registered rule.
func FlatRule(_ models.Child, weight float64) float64 {
	return weight
}

func flagRule(flag func(models.Child) bool) Rule {
	return func(child models.Child, weight float64) float64 {
		if flag(child) {
			return weight
		}
		return 0
	}
}
