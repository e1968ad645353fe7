package scoring

import (
	"sort"

	"github.com/LucasSaviolo/creche-allocator/internal/criteria"
	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// Scorer computes a child's priority score from the active criteria. The
// computation is deterministic: criteria are evaluated in a stable order and
// every rule is pure, so recomputing with unchanged inputs yields the same
// total and breakdown.
type Scorer struct {
	registry *criteria.Registry
}

func New(registry *criteria.Registry) *Scorer {
	return &Scorer{registry: registry}
}

// Score evaluates the child against the given criteria and returns the total
// plus a per-criterion breakdown. Criteria are ordered by name before
// evaluation so the breakdown is reproducible regardless of input order;
// zero-point criteria are omitted from the breakdown.
func (s *Scorer) Score(child models.Child, crits []models.Criterion) (float64, []models.ScoreComponent) {
	ordered := make([]models.Criterion, len(crits))
	copy(ordered, crits)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var total float64
	breakdown := make([]models.ScoreComponent, 0, len(ordered))
	for _, c := range ordered {
		points := s.registry.Evaluate(c, child)
		if points == 0 {
			continue
		}
		total += points
		breakdown = append(breakdown, models.ScoreComponent{Criterion: c.Name, Points: points})
	}
	return total, breakdown
}
