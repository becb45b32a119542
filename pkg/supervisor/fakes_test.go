package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"pilot/pkg/checkpoint"
	"pilot/pkg/protocol"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// --- fake process ---

type fakeExitError struct{ code int }

func (e *fakeExitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExitError) ExitCode() int { return e.code }

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *fakeStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStdin) contents() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String(), s.closed
}

type fakeProcess struct {
	stdin            *fakeStdin
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	exitCh           chan error
	exitOnce         sync.Once

	// exitOnTerm makes Terminate behave like a well-behaved agent.
	exitOnTerm bool

	mu    sync.Mutex
	terms int
	kills int
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{stdin: &fakeStdin{}, exitCh: make(chan error, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Wait() error           { return <-p.exitCh }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terms++
	exit := p.exitOnTerm
	p.mu.Unlock()
	if exit {
		go p.exit(143, "")
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	go p.exit(137, "")
	return nil
}

func (p *fakeProcess) counts() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

// emit writes stdout lines as the agent would.
func (p *fakeProcess) emit(lines ...string) {
	for _, l := range lines {
		_, _ = io.WriteString(p.stdoutW, l+"\n")
	}
}

// exit finishes the process with code and stderr. Only the first call counts.
func (p *fakeProcess) exit(code int, stderr string) {
	p.exitOnce.Do(func() {
		if stderr != "" {
			_, _ = io.WriteString(p.stderrW, stderr)
		}
		_ = p.stderrW.Close()
		_ = p.stdoutW.Close()
		var err error
		if code != 0 {
			err = &fakeExitError{code: code}
		}
		p.exitCh <- err
	})
}

// --- fake spawner ---

type fakeSpawner struct {
	mu    sync.Mutex
	invs  []Invocation
	procs []*fakeProcess
	err   error

	exitOnTerm bool
}

func (s *fakeSpawner) Spawn(_ context.Context, inv Invocation) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invs = append(s.invs, inv)
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess()
	p.exitOnTerm = s.exitOnTerm
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last(t *testing.T) (*fakeProcess, Invocation) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		t.Fatal("nothing spawned")
	}
	return s.procs[len(s.procs)-1], s.invs[len(s.invs)-1]
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invs)
}

// --- recording sink ---

type recordingSink struct {
	mu          sync.Mutex
	events      []protocol.StreamEvent
	processing  []bool
	errs        []error
	infos       []string
	checkpoints []checkpoint.Checkpoint
}

func (s *recordingSink) Event(ev protocol.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Processing(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = append(s.processing, active)
}

func (s *recordingSink) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) Info(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, msg)
}

func (s *recordingSink) Checkpoint(cp checkpoint.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
}

func (s *recordingSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *recordingSink) kinds() []protocol.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

// --- fake recorder and index ---

type fakeRecorder struct {
	mu     sync.Mutex
	labels []string
	err    error
}

func (r *fakeRecorder) Snapshot(_ context.Context, label string) (checkpoint.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
	if r.err != nil {
		return checkpoint.Checkpoint{}, r.err
	}
	return checkpoint.Checkpoint{
		ID:        fmt.Sprintf("cp%d", len(r.labels)),
		Message:   checkpoint.PrefixInitial + checkpoint.Excerpt(label),
		Timestamp: time.Now(),
	}, nil
}

type fakeIndex struct {
	mu     sync.Mutex
	lastID string
	last   protocol.Totals
	saved  map[string]protocol.Totals
}

func (x *fakeIndex) LastSession(context.Context) (string, protocol.Totals, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastID, x.last, nil
}

func (x *fakeIndex) SaveSession(_ context.Context, id string, t protocol.Totals) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.saved == nil {
		x.saved = make(map[string]protocol.Totals)
	}
	x.saved[id] = t
	return nil
}

func (x *fakeIndex) get(id string) (protocol.Totals, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	t, ok := x.saved[id]
	return t, ok
}

var errBoom = errors.New("boom")
