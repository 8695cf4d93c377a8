package evaluation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineParser treats every stdout line as one p-value group of
// comma-separated values.
type lineParser struct{}

func (lineParser) Parse(stdout string) []battery.PValueGroup {
	var groups []battery.PValueGroup
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		var group battery.PValueGroup
		for _, field := range strings.Split(line, ",") {
			if v, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err == nil {
				group = append(group, v)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(DefaultConfig())
	require.NoError(t, err)
	return e
}

func completedVariant(stdout string) *battery.Variant {
	v := battery.NewVariant(battery.Invocation{BinaryPath: "fake"})
	v.MarkRunning()
	v.RecordOutput(battery.ProcessOutput{Stdout: stdout, Status: battery.StatusCompleted})
	return v
}

func TestNewEvaluatorValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "defaults", cfg: DefaultConfig(), ok: true},
		{name: "zero alpha", cfg: Config{Alpha: 0, Epsilon: 1e-8}},
		{name: "alpha one", cfg: Config{Alpha: 1, Epsilon: 1e-8}},
		{name: "nan alpha", cfg: Config{Alpha: math.NaN(), Epsilon: 1e-8}},
		{name: "negative epsilon", cfg: Config{Alpha: 0.01, Epsilon: -1}},
		{name: "zero epsilon", cfg: Config{Alpha: 0.01, Epsilon: 0}, ok: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewEvaluator(tc.cfg)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestPartialAlpha(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	assert.InDelta(t, 1-DefaultAlpha, e.PartialAlpha(1), 1e-15)
	assert.Less(t, e.PartialAlpha(100), e.PartialAlpha(10))
	for n := 1; n < 50; n++ {
		assert.Greater(t, e.PartialAlpha(n), e.PartialAlpha(n+1))
	}
	assert.True(t, math.IsNaN(e.PartialAlpha(0)))
}

func TestEvaluateSetEmpty(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	passed, err := e.EvaluateSet(nil)
	require.ErrorIs(t, err, ErrNoStatistics)
	assert.False(t, passed)
}

func TestEvaluateSetBand(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	eps := e.Config().Epsilon

	// below n=7 the band [alpha, 1-alpha] is empty for alpha=0.01
	for _, n := range []int{10, 50, 100} {
		alpha := e.PartialAlpha(n)
		stats := make([]float64, n)
		for i := range stats {
			stats[i] = 0.5
		}

		passed, err := e.EvaluateSet(stats)
		require.NoError(t, err)
		assert.True(t, passed, "n=%d", n)

		// band edges are inclusive
		stats[0] = alpha
		stats[n-1] = 1 - alpha
		passed, err = e.EvaluateSet(stats)
		require.NoError(t, err)
		assert.True(t, passed, "n=%d edges", n)

		stats[n/2] = alpha - 2*eps
		passed, err = e.EvaluateSet(stats)
		require.NoError(t, err)
		assert.False(t, passed, "n=%d low perturbation", n)

		stats[n/2] = 1 - alpha + 2*eps
		passed, err = e.EvaluateSet(stats)
		require.NoError(t, err)
		assert.False(t, passed, "n=%d high perturbation", n)
	}
}

func TestEvaluateSetSingleStatisticUsesBaseAlpha(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	// With one statistic the band is [0.99, 0.01]: empty, so any value fails
	// unless it sits inside the epsilon slack.
	passed, err := e.EvaluateSet([]float64{0.5})
	require.NoError(t, err)
	assert.False(t, passed)
}

func TestEvaluateBuildsResultTree(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	first := completedVariant("0.5\n0.45\n")
	first.Settings = []battery.Setting{{Name: "p-samples", Value: "5"}}
	second := completedVariant("0.55\n0.5\n0.6\n0.4\n0.5\n0.5\n0.5\n0.52\n")
	unit := &battery.TestUnit{Index: 3, Name: "diehard_rank_6x8", Variants: []*battery.Variant{first, second}}

	empty := completedVariant("")
	anomaly := &battery.TestUnit{Index: 4, Name: "diehard_bitstream", Variants: []*battery.Variant{empty}}

	result := e.Evaluate(battery.KindDieharder, "/data/in.bin", []*battery.TestUnit{unit, anomaly}, lineParser{}, "Kolmogorov-Smirnov")

	require.Len(t, result.Tests, 2)
	assert.Equal(t, battery.KindDieharder, result.Battery)
	assert.Equal(t, "/data/in.bin", result.InputPath)
	assert.NotEqual(t, [16]byte{}, [16]byte(result.RunID))

	tr := result.Tests[0]
	require.NoError(t, tr.Err)
	require.Len(t, tr.Variants, 2)
	require.Len(t, tr.Variants[0].SubTests, 2)
	require.Len(t, tr.Variants[1].SubTests, 8)
	assert.Equal(t, []float64{0.5}, tr.Variants[0].SubTests[0].PValues)
	assert.Equal(t, "Kolmogorov-Smirnov", tr.Variants[0].SubTests[0].Statistics[0].Name)
	assert.Equal(t, []battery.Setting{{Name: "p-samples", Value: "5"}}, tr.Variants[0].Settings)
	assert.Equal(t, 10, tr.Summary.Count)
	assert.InDelta(t, e.PartialAlpha(10), tr.PartialAlpha, 1e-15)
	assert.True(t, tr.Passed)
	for _, st := range tr.Statistics() {
		assert.True(t, st.Passed)
	}

	bad := result.Tests[1]
	require.Error(t, bad.Err)
	assert.True(t, errors.Is(bad.Err, ErrNoStatistics))
	assert.False(t, bad.Passed)

	assert.Equal(t, 1, result.TotalTests())
	assert.Equal(t, 1, result.PassedTests())
	assert.Len(t, result.Anomalies(), 1)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "diehard_bitstream")

	passed, total := result.StatisticCounts()
	assert.Equal(t, 10, passed)
	assert.Equal(t, 10, total)
}

func TestEvaluateVerdictMatchesEvaluateSet(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	stdout := "0.1,0.3,0.5,0.7,0.9\n0.35,0.5,0.62\n0.2\n0.8\n0.45\n0.5\n0.55\n0.6\n0.4\n0.5\n"
	unit := &battery.TestUnit{Index: 9, Name: "mixed", Variants: []*battery.Variant{completedVariant(stdout)}}

	result := e.Evaluate(battery.KindDieharder, "in", []*battery.TestUnit{unit}, lineParser{}, "KS")
	tr := result.Tests[0]
	require.NoError(t, tr.Err)

	var values []float64
	for _, st := range tr.Statistics() {
		values = append(values, st.Value)
		assert.GreaterOrEqual(t, st.Value, 0.0)
		assert.LessOrEqual(t, st.Value, 1.0)
	}
	require.Len(t, values, 10)

	want, err := e.EvaluateSet(values)
	require.NoError(t, err)
	assert.Equal(t, want, tr.Passed)
}

func TestEvaluateEmptyGroupIsHardError(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	// "x" yields a group without values
	unit := &battery.TestUnit{Index: 1, Name: "broken", Variants: []*battery.Variant{completedVariant("x\n")}}

	result := e.Evaluate(battery.KindDieharder, "in", []*battery.TestUnit{unit}, lineParser{}, "KS")
	require.Len(t, result.Tests, 1)
	assert.ErrorIs(t, result.Tests[0].Err, ErrEmptySample)
	assert.Equal(t, 0, result.TotalTests())
}

func TestEvaluateFailingVerdict(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)
	// every value near zero drives the KS statistic far below the band
	skewed := "0.0001,0.0002,0.0001,0.0003,0.0002,0.0001,0.0004,0.0002,0.0001,0.0003\n0.4,0.5,0.6\n"
	unit := &battery.TestUnit{Index: 2, Name: "skewed", Variants: []*battery.Variant{completedVariant(skewed)}}

	result := e.Evaluate(battery.KindDieharder, "in", []*battery.TestUnit{unit}, lineParser{}, "KS")
	tr := result.Tests[0]
	require.NoError(t, tr.Err)
	assert.False(t, tr.Passed)
	assert.False(t, tr.Variants[0].SubTests[0].Statistics[0].Passed)
	assert.Equal(t, 0, result.PassedTests())
	assert.Equal(t, 1, result.TotalTests())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	s := summarize([]float64{0.4, 0.1, 0.7})
	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 0.4, s.Mean, 1e-12)
	assert.InDelta(t, 0.4, s.Median, 1e-12)
	assert.Equal(t, 0.1, s.Min)
	assert.Equal(t, 0.7, s.Max)

	assert.Equal(t, Summary{}, summarize(nil))
}
