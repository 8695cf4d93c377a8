// Package process spawns external test binaries, drains their output for
// the whole lifetime of the child, and reports exits through a Reaper.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"
)

// SpawnError reports that the binary could not be started at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("process: spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Runner starts processes whose exits are announced on a Reaper.
type Runner struct {
	reaper *Reaper
}

// NewRunner returns a Runner publishing exit notices to reaper.
func NewRunner(reaper *Reaper) *Runner {
	return &Runner{reaper: reaper}
}

// Process is one running child. Its output buffers are filled by reader
// goroutines started together with the child.
type Process struct {
	pid    int
	path   string
	cmd    *exec.Cmd
	stdout lockedBuffer
	stderr lockedBuffer

	drained chan struct{}
}

// Start spawns path with the whitespace-separated arguments in args in its
// own process group. stdin, when non-empty, is written to the child and the
// pipe closed afterwards. All descriptors are released on every path.
func (r *Runner) Start(path, args string, stdin []byte) (*Process, error) {
	cmd := exec.Command(path, strings.Fields(args)...)
	setProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW

	var stdinW io.WriteCloser
	if len(stdin) > 0 {
		stdinW, err = cmd.StdinPipe()
		if err != nil {
			closeAll(outR, outW, errR, errW)
			return nil, fmt.Errorf("process: stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, &SpawnError{Path: path, Err: err}
	}

	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	p := &Process{
		pid:     cmd.Process.Pid,
		path:    path,
		cmd:     cmd,
		drained: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.drain(&readers, outR, &p.stdout, "stdout")
	go p.drain(&readers, errR, &p.stderr, "stderr")
	go func() {
		readers.Wait()
		close(p.drained)
	}()

	if stdinW != nil {
		go writeStdin(stdinW, stdin, path)
	}

	go r.wait(p)

	return p, nil
}

// wait blocks on the child and publishes its exit. It does not wait for the
// readers: a grandchild may keep the pipes open after the child is gone.
func (r *Runner) wait(p *Process) {
	err := p.cmd.Wait()

	notice := ExitNotice{PID: p.pid, ExitCode: -1}
	if state := p.cmd.ProcessState; state != nil {
		notice.ExitCode = state.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		notice.Err = err
	}

	r.reaper.Notify(notice)
}

func (p *Process) drain(wg *sync.WaitGroup, r *os.File, buf *lockedBuffer, stream string) {
	defer wg.Done()
	defer func() {
		if err := r.Close(); err != nil {
			log.Printf("process: close %s of pid %d: %v", stream, p.pid, err)
		}
	}()

	n, err := io.Copy(buf, r)
	metrics.RecordOutputBytes(stream, n)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("process: read %s of pid %d: %v", stream, p.pid, err)
	}
}

func writeStdin(w io.WriteCloser, payload []byte, path string) {
	if _, err := w.Write(payload); err != nil {
		log.Printf("process: write stdin of %s: %v", path, err)
	}
	if err := w.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("process: close stdin of %s: %v", path, err)
	}
}

// PID returns the operating system process identifier.
func (p *Process) PID() int {
	return p.pid
}

// Kill sends SIGKILL to the whole process group of the child.
func (p *Process) Kill() error {
	return killProcessGroup(p.cmd)
}

// Drained is closed once both output streams reached EOF.
func (p *Process) Drained() <-chan struct{} {
	return p.drained
}

// Stdout returns everything read from stdout so far.
func (p *Process) Stdout() string {
	return p.stdout.String()
}

// Stderr returns everything read from stderr so far.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if err := f.Close(); err != nil {
			log.Printf("process: close pipe: %v", err)
		}
	}
}
