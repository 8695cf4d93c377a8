// Package evaluation reduces captured battery output to statistics and
// pass/fail verdicts.
package evaluation

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"

	"github.com/google/uuid"
)

const (
	// DefaultAlpha is the base significance level for a whole test.
	DefaultAlpha = 0.01
	// DefaultEpsilon is the floating-point tolerance applied to the band.
	DefaultEpsilon = 1e-8
)

// ErrNoStatistics is returned when a verdict is requested over zero
// statistics. A test producing no statistics is an anomaly, never a pass.
var ErrNoStatistics = errors.New("evaluation: no statistics to evaluate")

// Config carries the significance constants. It is copied into the
// Evaluator and never mutated afterwards.
type Config struct {
	Alpha   float64
	Epsilon float64
}

// DefaultConfig returns the constants used by the reference batteries.
func DefaultConfig() Config {
	return Config{Alpha: DefaultAlpha, Epsilon: DefaultEpsilon}
}

// Evaluator computes statistics and verdicts. It keeps no per-run state.
type Evaluator struct {
	cfg Config
	now func() time.Time
}

// NewEvaluator validates cfg and returns an Evaluator.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if !(cfg.Alpha > 0 && cfg.Alpha < 1) {
		return nil, fmt.Errorf("evaluation: alpha must be in (0,1), got %v", cfg.Alpha)
	}
	if cfg.Epsilon < 0 || math.IsNaN(cfg.Epsilon) {
		return nil, fmt.Errorf("evaluation: epsilon must be non-negative, got %v", cfg.Epsilon)
	}
	return &Evaluator{cfg: cfg, now: time.Now}, nil
}

// Config returns the constants the evaluator was built with.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// PartialAlpha returns the per-statistic significance level used when n
// statistics are evaluated together: 1 - alpha^(1/n).
func (e *Evaluator) PartialAlpha(n int) float64 {
	if n <= 0 {
		return math.NaN()
	}
	return 1.0 - math.Pow(e.cfg.Alpha, 1.0/float64(n))
}

// inBand reports whether value lies in [a-eps, 1-a+eps].
func (e *Evaluator) inBand(value, partialAlpha float64) bool {
	return !(value < partialAlpha-e.cfg.Epsilon || value > 1.0-partialAlpha+e.cfg.Epsilon)
}

// EvaluateSet decides whether every statistic lies inside the corrected
// acceptance band. It stops at the first statistic outside the band.
func (e *Evaluator) EvaluateSet(statistics []float64) (bool, error) {
	if len(statistics) == 0 {
		return false, ErrNoStatistics
	}

	partialAlpha := e.PartialAlpha(len(statistics))
	for _, value := range statistics {
		if !e.inBand(value, partialAlpha) {
			metrics.RecordStatisticOutOfBand()
			return false, nil
		}
	}
	return true, nil
}

// Evaluate turns executed test units into a result tree. Units are expected
// to have finished; a unit that yields no statistics or an empty p-value
// group carries an error instead of a verdict.
func (e *Evaluator) Evaluate(kind battery.Kind, inputPath string, units []*battery.TestUnit, parser battery.OutputParser, statisticName string) *BatteryResult {
	result := &BatteryResult{
		RunID:     uuid.New(),
		Battery:   kind,
		InputPath: inputPath,
		CreatedAt: e.now(),
		Alpha:     e.cfg.Alpha,
		Epsilon:   e.cfg.Epsilon,
		Tests:     make([]TestResult, 0, len(units)),
	}

	for _, unit := range units {
		tr := e.evaluateUnit(unit, parser, statisticName)
		if tr.Err != nil {
			log.Printf("evaluation: test %d (%s): %v", tr.Index, tr.Name, tr.Err)
			metrics.RecordEvaluationError(errorReason(tr.Err))
		} else {
			metrics.RecordTestVerdict(tr.Passed)
		}
		result.Tests = append(result.Tests, tr)
	}

	return result
}

func (e *Evaluator) evaluateUnit(unit *battery.TestUnit, parser battery.OutputParser, statisticName string) TestResult {
	tr := TestResult{
		Index:    unit.Index,
		Name:     unit.Name,
		Variants: make([]VariantResult, 0, len(unit.Variants)),
	}

	var all []float64
	for _, variant := range unit.Variants {
		vr := VariantResult{Settings: variant.Settings}
		if out := variant.Output(); out != nil {
			vr.Output = *out
		} else {
			tr.Err = fmt.Errorf("evaluation: variant %q has no recorded output", variant.Invocation)
			return tr
		}

		for _, group := range parser.Parse(vr.Output.Stdout) {
			value, err := KSStatistic(group)
			if err != nil {
				tr.Err = fmt.Errorf("evaluation: variant %q: %w", variant.Invocation, err)
				return tr
			}
			metrics.RecordSubTestEvaluated()
			all = append(all, value)
			vr.SubTests = append(vr.SubTests, SubTestResult{
				Statistics: []Statistic{{Name: statisticName, Value: value}},
				PValues:    append([]float64(nil), group...),
			})
		}
		tr.Variants = append(tr.Variants, vr)
	}

	passed, err := e.EvaluateSet(all)
	if err != nil {
		tr.Err = fmt.Errorf("test %d: %w", unit.Index, err)
		return tr
	}

	tr.Passed = passed
	tr.PartialAlpha = e.PartialAlpha(len(all))
	tr.Summary = summarize(all)
	for vi := range tr.Variants {
		for si := range tr.Variants[vi].SubTests {
			stats := tr.Variants[vi].SubTests[si].Statistics
			for i := range stats {
				stats[i].Passed = e.inBand(stats[i].Value, tr.PartialAlpha)
			}
		}
	}
	return tr
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrNoStatistics):
		return "no_statistics"
	case errors.Is(err, ErrEmptySample):
		return "empty_sample"
	default:
		return "other"
	}
}
