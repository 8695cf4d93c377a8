package mqtt

import (
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/evaluation"
)

type testMessage struct {
	RunID        string    `json:"run_id"`
	Battery      string    `json:"battery"`
	InputPath    string    `json:"input_path"`
	Test         string    `json:"test"`
	Index        int       `json:"index"`
	Result       string    `json:"result"`
	PartialAlpha float64   `json:"partial_alpha,omitempty"`
	Statistics   []float64 `json:"statistics"`
	Statuses     []string  `json:"variant_statuses"`
	Error        string    `json:"error,omitempty"`
}

type summaryMessage struct {
	RunID          string    `json:"run_id"`
	Battery        string    `json:"battery"`
	InputPath      string    `json:"input_path"`
	CreatedAt      time.Time `json:"created_at"`
	Alpha          float64   `json:"alpha"`
	PassedTests    int       `json:"passed_tests"`
	TotalTests     int       `json:"total_tests"`
	PassedStats    int       `json:"passed_statistics"`
	TotalStats     int       `json:"total_statistics"`
	Anomalies      []string  `json:"anomalies,omitempty"`
	PrecheckPassed *bool     `json:"precheck_passed,omitempty"`
}

func newTestMessage(result *evaluation.BatteryResult, t *evaluation.TestResult) testMessage {
	msg := testMessage{
		RunID:      result.RunID.String(),
		Battery:    result.Battery.String(),
		InputPath:  result.InputPath,
		Test:       t.Name,
		Index:      t.Index,
		Statistics: []float64{},
		Statuses:   []string{},
	}
	for _, st := range t.Statistics() {
		msg.Statistics = append(msg.Statistics, st.Value)
	}
	for _, v := range t.Variants {
		msg.Statuses = append(msg.Statuses, v.Output.Status.String())
	}

	switch {
	case t.Err != nil:
		msg.Result = "error"
		msg.Error = t.Err.Error()
	case t.Passed:
		msg.Result = "passed"
		msg.PartialAlpha = t.PartialAlpha
	default:
		msg.Result = "failed"
		msg.PartialAlpha = t.PartialAlpha
	}
	return msg
}

func newSummaryMessage(result *evaluation.BatteryResult) summaryMessage {
	passedStats, totalStats := result.StatisticCounts()
	msg := summaryMessage{
		RunID:       result.RunID.String(),
		Battery:     result.Battery.String(),
		InputPath:   result.InputPath,
		CreatedAt:   result.CreatedAt,
		Alpha:       result.Alpha,
		PassedTests: result.PassedTests(),
		TotalTests:  result.TotalTests(),
		PassedStats: passedStats,
		TotalStats:  totalStats,
	}
	for _, t := range result.Anomalies() {
		msg.Anomalies = append(msg.Anomalies, t.Name)
	}
	if result.Precheck != nil {
		passed := result.Precheck.Passed()
		msg.PrecheckPassed = &passed
	}
	return msg
}
