package battery

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ExecStatus tracks a variant execution through
// PENDING -> RUNNING -> {COMPLETED | TIMED_OUT | SPAWN_FAILED}.
type ExecStatus int32

const (
	StatusPending ExecStatus = iota
	StatusRunning
	StatusCompleted
	StatusTimedOut
	StatusSpawnFailed
)

func (s ExecStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusSpawnFailed:
		return "SPAWN_FAILED"
	default:
		return fmt.Sprintf("ExecStatus(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s ExecStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusSpawnFailed
}

// Invocation is the fully constructed command line of one variant.
// Arguments is split on whitespace; quoting is not supported.
type Invocation struct {
	BinaryPath string
	Arguments  string
	Stdin      []byte
}

func (inv Invocation) String() string {
	if inv.Arguments == "" {
		return inv.BinaryPath
	}
	return inv.BinaryPath + " " + inv.Arguments
}

// ProcessOutput is what one execution left behind.
type ProcessOutput struct {
	Stdout   string
	Stderr   string
	Warnings []string
	Errors   []string
	ExitCode int
	Status   ExecStatus
	Duration time.Duration
	// Err carries the spawn failure or timeout description, if any.
	Err error
}

// Incomplete reports whether the captured streams were cut short.
func (o *ProcessOutput) Incomplete() bool {
	return o.Status != StatusCompleted
}

// Setting is one named parameter of a variant, kept in insertion order for
// reports.
type Setting struct {
	Name  string
	Value string
}

// Variant is one parameterisation of a test.
type Variant struct {
	Invocation Invocation
	Settings   []Setting

	status atomic.Int32
	output atomic.Pointer[ProcessOutput]
}

// NewVariant returns a pending variant.
func NewVariant(inv Invocation, settings ...Setting) *Variant {
	return &Variant{Invocation: inv, Settings: settings}
}

// Status returns the current execution state.
func (v *Variant) Status() ExecStatus {
	return ExecStatus(v.status.Load())
}

// MarkRunning moves a pending variant to RUNNING.
func (v *Variant) MarkRunning() {
	if !v.status.CompareAndSwap(int32(StatusPending), int32(StatusRunning)) {
		panic(fmt.Sprintf("battery: variant %q started twice (status %s)", v.Invocation, v.Status()))
	}
}

// RecordOutput stores the terminal output of the variant. It panics when
// called a second time or with a non-terminal status.
func (v *Variant) RecordOutput(out ProcessOutput) {
	if !out.Status.Terminal() {
		panic(fmt.Sprintf("battery: non-terminal status %s recorded for %q", out.Status, v.Invocation))
	}
	if !v.output.CompareAndSwap(nil, &out) {
		panic(fmt.Sprintf("battery: output of %q recorded twice", v.Invocation))
	}
	v.status.Store(int32(out.Status))
}

// Output returns the recorded output or nil while the variant has not
// reached a terminal state.
func (v *Variant) Output() *ProcessOutput {
	return v.output.Load()
}

// TestUnit is one test of a battery with all of its variants.
type TestUnit struct {
	Index    int
	Name     string
	Variants []*Variant
}

// Finished reports whether every variant reached a terminal state.
func (u *TestUnit) Finished() bool {
	for _, v := range u.Variants {
		if !v.Status().Terminal() {
			return false
		}
	}
	return true
}
