// Package precheck screens an input file before a battery is spent on it.
// It runs the SP 800-22 frequency and runs tests, the SP 800-90B
// repetition count and adaptive proportion tests, and the MCV and collision
// min-entropy estimates over a bounded prefix of the file.
//
// A failing pre-check is reported, never fatal: the batteries are the
// authoritative judges of the input.
package precheck

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"
)

// Check names, also used as metric labels.
const (
	CheckFrequency          = "frequency"
	CheckRuns               = "runs"
	CheckRepetitionCount    = "repetition_count"
	CheckAdaptiveProportion = "adaptive_proportion"
	CheckMinEntropy         = "min_entropy"
)

// ErrEmptyInput is returned for an input without a single byte.
var ErrEmptyInput = errors.New("precheck: empty input")

// Config tunes the checks. Zero fields take the defaults.
type Config struct {
	// MaxBytes bounds the prefix of the input that is read.
	MaxBytes int
	// Significance is the p-value below which the SP 800-22 tests fail.
	Significance float64
	// RepetitionCutoff is the RCT cutoff C.
	RepetitionCutoff int
	// ProportionCutoff and ProportionWindow are the APT cutoff C and window W.
	ProportionCutoff int
	ProportionWindow int
	// MinEntropyBits is the lowest acceptable MCV estimate per byte.
	MinEntropyBits float64
}

// DefaultConfig returns the thresholds used by the CLI.
func DefaultConfig() Config {
	return Config{
		MaxBytes:         1 << 20,
		Significance:     0.01,
		RepetitionCutoff: 40,
		ProportionCutoff: 605,
		ProportionWindow: 4096,
		MinEntropyBits:   7.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.Significance <= 0 {
		c.Significance = d.Significance
	}
	if c.RepetitionCutoff <= 0 {
		c.RepetitionCutoff = d.RepetitionCutoff
	}
	if c.ProportionCutoff <= 0 {
		c.ProportionCutoff = d.ProportionCutoff
	}
	if c.ProportionWindow <= 0 {
		c.ProportionWindow = d.ProportionWindow
	}
	if c.MinEntropyBits <= 0 {
		c.MinEntropyBits = d.MinEntropyBits
	}
	return c
}

// Result is the outcome of one check. PValue is only meaningful for the
// SP 800-22 tests.
type Result struct {
	Name   string
	Value  float64
	PValue float64
	Passed bool
}

// Report collects the outcome of every check over the screened prefix.
type Report struct {
	Bytes     int
	Truncated bool
	OnesRatio float64
	MCV       float64
	Collision float64
	Results   []Result
	Duration  time.Duration
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	return len(r.Failures()) == 0
}

// Failures lists the names of the failed checks.
func (r *Report) Failures() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res.Name)
		}
	}
	return out
}

// Result returns the outcome of the named check.
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// CheckFile screens at most cfg.MaxBytes of the file at path.
func CheckFile(path string, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()

	f, err := os.Open(path) // #nosec G304 -- input chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("precheck: open input: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Printf("precheck: close %s: %v", path, cerr)
		}
	}()

	// One extra byte tells a truncated prefix from an exact fit.
	data, err := io.ReadAll(io.LimitReader(f, int64(cfg.MaxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("precheck: read input: %w", err)
	}
	truncated := len(data) > cfg.MaxBytes
	if truncated {
		data = data[:cfg.MaxBytes]
	}

	report, err := Check(data, cfg)
	if err != nil {
		return nil, err
	}
	report.Truncated = truncated
	return report, nil
}

// Check screens data and records the outcome in the metrics.
func Check(data []byte, cfg Config) (*Report, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	cfg = cfg.withDefaults()
	start := time.Now()

	report := &Report{Bytes: len(data)}

	ratio, freqP := frequency(data)
	report.OnesRatio = ratio
	report.Results = append(report.Results, Result{
		Name:   CheckFrequency,
		Value:  ratio,
		PValue: freqP,
		Passed: freqP >= cfg.Significance,
	})

	runCount, runsP := runs(data, ratio)
	report.Results = append(report.Results, Result{
		Name:   CheckRuns,
		Value:  float64(runCount),
		PValue: runsP,
		Passed: runsP >= cfg.Significance,
	})

	longest := longestRepetition(data)
	report.Results = append(report.Results, Result{
		Name:   CheckRepetitionCount,
		Value:  float64(longest),
		Passed: longest < cfg.RepetitionCutoff,
	})

	worst := worstProportion(data, cfg.ProportionWindow)
	report.Results = append(report.Results, Result{
		Name:   CheckAdaptiveProportion,
		Value:  float64(worst),
		Passed: worst < cfg.ProportionCutoff,
	})

	report.MCV = estimateMCV(data)
	report.Collision = estimateCollision(data)
	report.Results = append(report.Results, Result{
		Name:   CheckMinEntropy,
		Value:  report.MCV,
		Passed: report.MCV >= cfg.MinEntropyBits,
	})

	report.Duration = time.Since(start)

	metrics.RecordPrecheckFrequency(ratio)
	metrics.RecordPrecheckMinEntropy("mcv", report.MCV)
	metrics.RecordPrecheckMinEntropy("collision", report.Collision)
	metrics.RecordPrecheckDuration(report.Duration)
	for _, name := range report.Failures() {
		metrics.RecordPrecheckFailure(name)
	}

	return report, nil
}
