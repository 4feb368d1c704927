package engagement

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	"github.com/katiba-labs/katiba/pkg/errors"
)

// DefaultFormula weights verifications double; comments and votes count
// once each.
const DefaultFormula = "comments * 1.0 + votes * 1.0 + verifications * 2.0"

type scoreEnv struct {
	Comments      float64 `expr:"comments"`
	Votes         float64 `expr:"votes"`
	Verifications float64 `expr:"verifications"`
}

// Scorer evaluates the configured score formula against an approved tally.
// The formula is compiled once at startup; an unparseable formula is a
// configuration error.
type Scorer struct {
	program *vm.Program
}

// NewScorer compiles formula. An empty formula falls back to DefaultFormula.
func NewScorer(formula string) (*Scorer, error) {
	if formula == "" {
		formula = DefaultFormula
	}
	program, err := expr.Compile(formula, expr.Env(scoreEnv{}), expr.AsFloat64())
	if err != nil {
		return nil, errors.Wrap(err, "compiling score formula")
	}
	return &Scorer{program: program}, nil
}

// Score evaluates the formula for one tally.
func (s *Scorer) Score(tally *engagementrepo.Tally) (float64, error) {
	out, err := expr.Run(s.program, scoreEnv{
		Comments:      float64(tally.Comments),
		Votes:         float64(tally.Votes),
		Verifications: float64(tally.Verifications),
	})
	if err != nil {
		return 0, errors.Wrap(err, "evaluating score formula")
	}
	return out.(float64), nil
}
