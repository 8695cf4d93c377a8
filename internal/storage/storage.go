// Package storage fans a finished result tree out to the configured result
// sinks: the file report, the relational database and the MQTT notifier.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/evaluation"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"

	"github.com/hashicorp/go-multierror"
)

// ErrNilResult is returned when a sink is handed no result tree.
var ErrNilResult = errors.New("storage: nil result")

// Sink persists or forwards one result tree. Write is called once per run.
type Sink interface {
	Name() string
	Write(ctx context.Context, result *evaluation.BatteryResult) error
}

// Multi writes to every sink in order. A failing sink does not prevent the
// others from receiving the tree.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Multi over the non-nil sinks.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Name() string { return "multi" }

// Write hands result to every sink exactly once and aggregates their errors.
func (m *Multi) Write(ctx context.Context, result *evaluation.BatteryResult) error {
	if result == nil {
		return ErrNilResult
	}
	if anomalies := result.Anomalies(); len(anomalies) > 0 {
		log.Printf("storage: run %s has %d tests without a verdict", result.RunID, len(anomalies))
	}

	var errs *multierror.Error
	for _, sink := range m.sinks {
		err := sink.Write(ctx, result)
		metrics.RecordStorageWrite(sink.Name(), err)
		if err != nil {
			log.Printf("storage: %s: %v", sink.Name(), err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Close releases every sink that holds resources.
func (m *Multi) Close() error {
	var errs *multierror.Error
	for _, sink := range m.sinks {
		closer, ok := sink.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}
