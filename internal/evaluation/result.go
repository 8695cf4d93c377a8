package evaluation

import (
	"fmt"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/precheck"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/montanaflynn/stats"
)

// Statistic is one named statistic computed over a p-value group.
type Statistic struct {
	Name   string
	Value  float64
	Passed bool
}

// SubTestResult holds the statistics and raw p-values of one sub-test.
type SubTestResult struct {
	Statistics []Statistic
	PValues    []float64
}

// VariantResult is the evaluated output of one variant.
type VariantResult struct {
	Settings []battery.Setting
	Output   battery.ProcessOutput
	SubTests []SubTestResult
}

// Summary describes the distribution of a test's statistics.
type Summary struct {
	Count  int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
}

// TestResult is the verdict for one test unit. When Err is set the test
// could not be evaluated and Passed is meaningless.
type TestResult struct {
	Index        int
	Name         string
	Passed       bool
	PartialAlpha float64
	Variants     []VariantResult
	Summary      Summary
	Err          error
}

// Statistics returns every statistic of the test in variant, sub-test order.
func (t *TestResult) Statistics() []Statistic {
	var out []Statistic
	for _, v := range t.Variants {
		for _, st := range v.SubTests {
			out = append(out, st.Statistics...)
		}
	}
	return out
}

// BatteryResult is the full result tree of one run.
type BatteryResult struct {
	RunID     uuid.UUID
	Battery   battery.Kind
	InputPath string
	CreatedAt time.Time
	Alpha     float64
	Epsilon   float64
	Tests     []TestResult
	Precheck  *precheck.Report
}

// TotalTests counts the tests that produced a verdict.
func (r *BatteryResult) TotalTests() int {
	total := 0
	for i := range r.Tests {
		if r.Tests[i].Err == nil {
			total++
		}
	}
	return total
}

// PassedTests counts the tests with a passing verdict.
func (r *BatteryResult) PassedTests() int {
	passed := 0
	for i := range r.Tests {
		if r.Tests[i].Err == nil && r.Tests[i].Passed {
			passed++
		}
	}
	return passed
}

// StatisticCounts returns the number of passing statistics and the total.
func (r *BatteryResult) StatisticCounts() (passed, total int) {
	for i := range r.Tests {
		for _, st := range r.Tests[i].Statistics() {
			total++
			if st.Passed {
				passed++
			}
		}
	}
	return passed, total
}

// Anomalies returns the tests that could not be evaluated.
func (r *BatteryResult) Anomalies() []TestResult {
	var out []TestResult
	for _, t := range r.Tests {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Err aggregates the evaluation errors of all tests, or nil.
func (r *BatteryResult) Err() error {
	var result *multierror.Error
	for _, t := range r.Tests {
		if t.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", t.Name, t.Err))
		}
	}
	return result.ErrorOrNil()
}

func summarize(values []float64) Summary {
	data := stats.Float64Data(values)
	summary := Summary{Count: len(values)}
	if len(values) == 0 {
		return summary
	}
	summary.Mean, _ = stats.Mean(data)
	summary.Median, _ = stats.Median(data)
	summary.Min, _ = stats.Min(data)
	summary.Max, _ = stats.Max(data)
	return summary
}
