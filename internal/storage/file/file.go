// Package file writes the per-run text report and keeps the main results
// table, one row per input file and one column per battery.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/evaluation"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"
)

const (
	reportTimeLayout = "20060102150405"
	tableTimeLayout  = "2006-01-02 15:04:05"
	stateSuffix      = ".state.yaml"
)

// Sink is the file based result sink.
type Sink struct {
	reportDir string
	mainTable string

	// guards the read-modify-write of the main table
	mu sync.Mutex
}

// New returns a Sink writing reports below reportDir and the main table to
// mainTable. An empty mainTable disables the table.
func New(reportDir, mainTable string) (*Sink, error) {
	if strings.TrimSpace(reportDir) == "" {
		return nil, errors.New("file: report directory is required")
	}
	return &Sink{reportDir: reportDir, mainTable: mainTable}, nil
}

func (s *Sink) Name() string { return "file" }

// ReportPath returns where the report of result is written.
func (s *Sink) ReportPath(result *evaluation.BatteryResult) string {
	name := result.CreatedAt.Format(reportTimeLayout) + "-" + filepath.Base(result.InputPath) + ".report"
	return filepath.Join(s.reportDir, name)
}

// Write stores the report and updates the main table.
func (s *Sink) Write(ctx context.Context, result *evaluation.BatteryResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.ReportPath(result)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("file: create report directory: %w", err)
	}
	if err := writeFileAtomic(path, []byte(Report(result))); err != nil {
		return fmt.Errorf("file: write report: %w", err)
	}

	if s.mainTable == "" {
		return nil
	}
	return s.updateMainTable(result)
}

// Report renders the text report of result.
func Report(result *evaluation.BatteryResult) string {
	w := &reportWriter{}

	w.line("***** Randomness Testing Toolkit file analysis report *****")
	w.line("Date:    " + result.CreatedAt.Format("02-01-2006"))
	w.line("File:    " + result.InputPath)
	w.line("Battery: " + result.Battery.String())
	w.line("Run:     " + result.RunID.String())
	w.line("Alpha:   " + formatValue(result.Alpha))
	w.blank()
	w.blank()

	if pc := result.Precheck; pc != nil {
		status := "passed"
		if !pc.Passed() {
			status = "failed (" + strings.Join(pc.Failures(), ", ") + ")"
		}
		w.line(fmt.Sprintf("Input pre-check over %d bytes: %s", pc.Bytes, status))
		w.line(fmt.Sprintf("Min-entropy estimates: MCV %.4f, collision %.4f bits/byte", pc.MCV, pc.Collision))
		w.blank()
	}

	for i := range result.Tests {
		writeTest(w, &result.Tests[i])
	}

	passed, total := result.StatisticCounts()
	w.line(fmt.Sprintf("Proportion of passed statistics: %d/%d", passed, total))
	return w.String()
}

func writeTest(w *reportWriter, t *evaluation.TestResult) {
	w.line("---------------------------------------------------")
	w.line(t.Name + " test results:")
	w.indent++

	if t.Err != nil {
		w.line("Test could not be evaluated: " + t.Err.Error())
	} else {
		verdict := "Failed"
		if t.Passed {
			verdict = "Passed"
		}
		w.line(fmt.Sprintf("Result: %s (partial alpha %s)", verdict, formatValue(t.PartialAlpha)))
	}

	subtest := 0
	for _, v := range t.Variants {
		w.line("Test settings: ")
		w.indent++
		for _, s := range v.Settings {
			w.line(s.Name + ": " + s.Value)
		}
		w.line("status: " + v.Output.Status.String())
		w.indent--
		for _, msg := range v.Output.Warnings {
			w.line("Warning: " + msg)
		}
		for _, msg := range v.Output.Errors {
			w.line("Error: " + msg)
		}
		w.line("************")
		w.blank()

		for _, st := range v.SubTests {
			subtest++
			w.line(fmt.Sprintf("Subtest %d:", subtest))
			w.indent++
			for _, stat := range st.Statistics {
				w.line(stat.Name + " statistic p-value: " + formatValue(stat.Value))
			}
			if len(st.PValues) > 0 {
				w.line("p-values: ")
				w.indent++
				for _, p := range st.PValues {
					w.line(formatValue(p))
				}
				w.indent--
				w.line("============")
			}
			w.indent--
			w.line("############")
			w.blank()
		}
	}

	w.line("---------------------------------------------------")
	w.blank()
	w.indent--
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

type reportWriter struct {
	buf    bytes.Buffer
	indent int
}

func (w *reportWriter) line(s string) {
	w.buf.WriteString(strings.Repeat(" ", 4*w.indent))
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

func (w *reportWriter) blank() {
	w.buf.WriteByte('\n')
}

func (w *reportWriter) String() string {
	return w.buf.String()
}

// tableState is the machine readable side of the main table; the rendered
// table is regenerated from it on every run.
type tableState struct {
	Rows []tableRow `yaml:"rows"`
}

type tableRow struct {
	Input   string            `yaml:"input"`
	Updated string            `yaml:"updated"`
	Results map[string]string `yaml:"results"`
}

func (s *Sink) updateMainTable(result *evaluation.BatteryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statePath := s.mainTable + stateSuffix
	state, err := loadState(statePath)
	if err != nil {
		return err
	}

	passed, total := result.StatisticCounts()
	state.upsert(result.InputPath, result.CreatedAt.Format(tableTimeLayout),
		result.Battery.String(), fmt.Sprintf("%d/%d", passed, total))

	encoded, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("file: encode table state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.mainTable), 0o750); err != nil {
		return fmt.Errorf("file: create table directory: %w", err)
	}
	if err := writeFileAtomic(statePath, encoded); err != nil {
		return fmt.Errorf("file: write table state: %w", err)
	}
	if err := writeFileAtomic(s.mainTable, []byte(renderTable(state.Rows))); err != nil {
		return fmt.Errorf("file: write main table: %w", err)
	}
	return nil
}

func loadState(path string) (*tableState, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path derived from configuration
	if errors.Is(err, os.ErrNotExist) {
		return &tableState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read table state: %w", err)
	}

	var state tableState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("file: table state %s corrupted: %w", path, err)
	}
	return &state, nil
}

// upsert replaces the battery column of an existing input row or appends a
// new row.
func (st *tableState) upsert(input, updated, batteryName, proportion string) {
	for i := range st.Rows {
		if st.Rows[i].Input == input {
			st.Rows[i].Updated = updated
			if st.Rows[i].Results == nil {
				st.Rows[i].Results = make(map[string]string)
			}
			st.Rows[i].Results[batteryName] = proportion
			return
		}
	}
	st.Rows = append(st.Rows, tableRow{
		Input:   input,
		Updated: updated,
		Results: map[string]string{batteryName: proportion},
	})
}

// renderTable renders the main table with one column per known battery.
func renderTable(rows []tableRow) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	t.SetStyle(style)

	kinds := battery.Kinds()
	header := table.Row{"Input file path", "Time of last update"}
	for _, k := range kinds {
		header = append(header, k.String())
	}
	t.AppendHeader(header)

	configs := []table.ColumnConfig{{Number: 1, Align: text.AlignLeft}}
	for i := range kinds {
		configs = append(configs, table.ColumnConfig{Number: i + 3, Align: text.AlignRight})
	}
	t.SetColumnConfigs(configs)

	sorted := append([]tableRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Input < sorted[j].Input })
	for _, r := range sorted {
		row := table.Row{r.Input, r.Updated}
		for _, k := range kinds {
			row = append(row, r.Results[k.String()])
		}
		t.AppendRow(row)
	}

	t.Render()
	return buf.String()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
