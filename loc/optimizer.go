package loc

import "math"

// Search defaults
const (
	DefaultGridResolution        = 10.0
	DefaultGlobalSearchThreshold = 3000.0
	DefaultGoodMatchError        = 50.0
	DefaultMaxIterations         = 20
)

// refinementLevels are the coarse-to-fine step multipliers of the base
// resolution.
var refinementLevels = []float64{8, 4, 2, 1}

// globalGridFactor is the global search grid spacing in base resolutions
const globalGridFactor = 4.0

// Optimizer finds the position that minimizes an ErrorModel for a fixed
// heading. It keeps no state of its own; callers pass the SearchState.
type Optimizer struct {
	Field                 *FieldMap
	Resolution            float64
	GlobalSearchThreshold float64
	GoodMatchError        float64
	MaxIterations         int
}

// NewOptimizer creates an optimizer with default tuning
func NewOptimizer(field *FieldMap) *Optimizer {
	return &Optimizer{
		Field:                 field,
		Resolution:            DefaultGridResolution,
		GlobalSearchThreshold: DefaultGlobalSearchThreshold,
		GoodMatchError:        DefaultGoodMatchError,
		MaxIterations:         DefaultMaxIterations,
	}
}

// NeedsGlobalSearch reports whether the seed is unusable
func (o *Optimizer) NeedsGlobalSearch(state SearchState) bool {
	return !state.Initialized || state.BestError > o.GlobalSearchThreshold
}

// GlobalSearch evaluates every cell center of a coarse grid covering the
// whole field and returns the best one. Ties keep the first cell in
// row-major order.
func (o *Optimizer) GlobalSearch(model *ErrorModel, heading float64) (Point, float64) {
	step := o.Resolution * globalGridFactor
	best := o.Field.Center()
	bestErr := math.Inf(1)

	for y := step / 2; y < o.Field.Height(); y += step {
		for x := step / 2; x < o.Field.Width(); x += step {
			p := Point{X: x, Y: y}
			if e := model.Error(p, heading); e < bestErr {
				best, bestErr = p, e
			}
		}
	}

	if math.IsInf(bestErr, 1) {
		bestErr = model.Error(best, heading)
	}
	return best, bestErr
}

// Refine hill-climbs from seed through successively finer step sizes. At
// each level the 3x3 neighbourhood of the current best is scanned and the
// lowest strictly-better neighbour accepted until none improves or the
// iteration cap is reached. Refinement stops early once the error drops
// below GoodMatchError.
func (o *Optimizer) Refine(model *ErrorModel, heading float64, seed Point) (Point, float64) {
	current := o.Field.ClampToField(seed)
	currentErr := model.Error(current, heading)

	for _, factor := range refinementLevels {
		if currentErr < o.GoodMatchError {
			break
		}
		step := o.Resolution * factor

		for i := 0; i < o.MaxIterations; i++ {
			bestCandidate := current
			bestCandidateErr := currentErr

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					cand := o.Field.ClampToField(Point{
						X: current.X + float64(dx)*step,
						Y: current.Y + float64(dy)*step,
					})
					if e := model.Error(cand, heading); e < bestCandidateErr {
						bestCandidate, bestCandidateErr = cand, e
					}
				}
			}

			if bestCandidateErr >= currentErr {
				break
			}
			current, currentErr = bestCandidate, bestCandidateErr
			if currentErr < o.GoodMatchError {
				break
			}
		}
	}

	return current, currentErr
}

// Search runs a global search when the state requires it, then refines.
// It reports whether the global search ran. The state is not modified.
func (o *Optimizer) Search(model *ErrorModel, heading float64, state SearchState) (Point, float64, bool) {
	seed := state.Position
	global := o.NeedsGlobalSearch(state)
	if global {
		seed, _ = o.GlobalSearch(model, heading)
	}
	pos, err := o.Refine(model, heading, seed)
	return pos, err, global
}
