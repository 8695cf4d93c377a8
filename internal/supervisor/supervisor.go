// Package supervisor executes the variants of test units on a bounded pool
// of workers. Every process runs under a deadline; runaway children are
// killed together with their process group.
package supervisor

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/clock"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/process"

	"github.com/gammazero/workerpool"
)

const (
	// DefaultMaxConcurrency is the number of processes running at once.
	DefaultMaxConcurrency = 8
	// DefaultProcessTimeout bounds the lifetime of a single process.
	DefaultProcessTimeout = 600 * time.Second
)

// ErrTimeout is wrapped into the output of variants killed at the deadline.
var ErrTimeout = errors.New("supervisor: process timed out")

// Config holds the execution limits. It is copied into the Supervisor.
type Config struct {
	MaxConcurrency int
	ProcessTimeout time.Duration
}

// DefaultConfig returns the limits of the reference toolkit.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: DefaultMaxConcurrency,
		ProcessTimeout: DefaultProcessTimeout,
	}
}

// Option applies an optional setting to a Supervisor during construction.
type Option func(*Supervisor)

// WithClock injects the time source used for deadlines.
func WithClock(clockSource clock.Clock) Option {
	return func(s *Supervisor) {
		s.clockSource = clockSource
	}
}

// WithMessageLifter sets the battery capability that extracts warning and
// error lines from captured output.
func WithMessageLifter(lifter battery.MessageLifter) Option {
	return func(s *Supervisor) {
		s.lifter = lifter
	}
}

// Supervisor runs variants. It holds no per-run state apart from the
// gauges, so one instance may serve consecutive runs.
type Supervisor struct {
	cfg         Config
	clockSource clock.Clock
	lifter      battery.MessageLifter

	queued atomic.Int64
	active atomic.Int64
}

// New validates cfg and returns a Supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("supervisor: max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if cfg.ProcessTimeout <= 0 {
		return nil, fmt.Errorf("supervisor: process timeout must be positive, got %s", cfg.ProcessTimeout)
	}

	s := &Supervisor{
		cfg:         cfg,
		clockSource: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the limits the supervisor was built with.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// ExecuteAll runs every variant of every unit and returns once all of them
// reached a terminal state. Failures stay on the variant they happened to.
func (s *Supervisor) ExecuteAll(units []*battery.TestUnit) {
	reaper := process.NewReaper()
	go reaper.Run()
	defer reaper.Close()

	runner := process.NewRunner(reaper)
	pool := workerpool.New(s.cfg.MaxConcurrency)

	total := 0
	for _, unit := range units {
		for _, variant := range unit.Variants {
			total++
			metrics.SetQueuedVariants(s.queued.Add(1))
			pool.Submit(func() {
				metrics.SetQueuedVariants(s.queued.Add(-1))
				s.execute(runner, reaper, variant)
			})
		}
	}
	log.Printf("supervisor: %d variants of %d tests queued (max %d parallel, timeout %s)",
		total, len(units), s.cfg.MaxConcurrency, s.cfg.ProcessTimeout)

	pool.StopWait()
}

func (s *Supervisor) execute(runner *process.Runner, reaper *process.Reaper, variant *battery.Variant) {
	start := s.clockSource.Now()
	variant.MarkRunning()
	metrics.RecordVariantStarted()
	metrics.SetActiveProcesses(s.active.Add(1))
	defer func() {
		metrics.SetActiveProcesses(s.active.Add(-1))
	}()

	inv := variant.Invocation
	proc, err := runner.Start(inv.BinaryPath, inv.Arguments, inv.Stdin)
	if err != nil {
		log.Printf("supervisor: %s: %v", inv, err)
		s.record(variant, battery.ProcessOutput{
			ExitCode: -1,
			Status:   battery.StatusSpawnFailed,
			Err:      err,
		}, start)
		return
	}

	exited, err := reaper.Subscribe(proc.PID())
	if err != nil {
		// Without a subscription the exit cannot be observed.
		s.kill(proc)
		<-proc.Drained()
		s.record(variant, battery.ProcessOutput{
			Stdout:   proc.Stdout(),
			Stderr:   proc.Stderr(),
			ExitCode: -1,
			Status:   battery.StatusSpawnFailed,
			Err:      err,
		}, start)
		return
	}

	deadline := s.clockSource.After(s.cfg.ProcessTimeout)
	timedOut := false

	var notice process.ExitNotice
	select {
	case notice = <-exited:
	case <-deadline:
		timedOut = true
		s.kill(proc)
		notice = <-exited
	}

	// A grandchild may still hold the pipes after the child exited.
	if !timedOut {
		select {
		case <-proc.Drained():
		case <-deadline:
			timedOut = true
			s.kill(proc)
		}
	}
	<-proc.Drained()

	out := battery.ProcessOutput{
		Stdout:   proc.Stdout(),
		Stderr:   proc.Stderr(),
		ExitCode: notice.ExitCode,
		Status:   battery.StatusCompleted,
		Err:      notice.Err,
	}
	if timedOut {
		log.Printf("supervisor: %s timed out after %s", inv, s.cfg.ProcessTimeout)
		out.Status = battery.StatusTimedOut
		out.Err = fmt.Errorf("%w after %s", ErrTimeout, s.cfg.ProcessTimeout)
	}
	s.record(variant, out, start)
}

func (s *Supervisor) kill(proc *process.Process) {
	if err := proc.Kill(); err != nil {
		log.Printf("supervisor: kill process group %d: %v", proc.PID(), err)
	}
}

// record lifts messages and stores the output; it is the only writer of
// the variant's output.
func (s *Supervisor) record(variant *battery.Variant, out battery.ProcessOutput, start time.Time) {
	if s.lifter != nil {
		out.Warnings, out.Errors = s.lifter.Lift(out.Stdout, out.Stderr)
	}
	if out.Err != nil {
		out.Errors = append(out.Errors, out.Err.Error())
	}
	out.Duration = s.clockSource.Now().Sub(start)

	variant.RecordOutput(out)
	metrics.RecordVariantFinished(strings.ToLower(out.Status.String()), out.Duration)
}
