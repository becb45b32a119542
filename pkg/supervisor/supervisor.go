// Package supervisor runs agent turns: it checkpoints the workspace, spawns
// the agent CLI, feeds it the operator's message, streams its output through
// the decoder to a Sink and manages the process until it exits or is
// stopped.
//
// At most one agent process runs per Supervisor. Every exit path, including
// spawn failure and panics in the read loop, returns the session to idle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"pilot/pkg/checkpoint"
	"pilot/pkg/metrics"
	"pilot/pkg/pricing"
	"pilot/pkg/protocol"
	"pilot/pkg/session"
	"pilot/pkg/stream"
)

// DefaultKillGrace is how long a stopped agent has to exit after SIGTERM
// before it is killed.
const DefaultKillGrace = 2 * time.Second

const persistTimeout = 5 * time.Second

// Sink is the UI boundary. Calls arrive from the supervisor's goroutines and
// must not block for long.
type Sink interface {
	Event(ev protocol.StreamEvent)
	Processing(active bool)
	Error(err error)
	Info(msg string)
	Checkpoint(cp checkpoint.Checkpoint)
}

// Checkpointer snapshots the workspace before a turn.
type Checkpointer interface {
	Snapshot(ctx context.Context, label string) (checkpoint.Checkpoint, error)
}

// SessionIndex persists session ids and totals for resumption.
type SessionIndex interface {
	LastSession(ctx context.Context) (string, protocol.Totals, error)
	SaveSession(ctx context.Context, id string, t protocol.Totals) error
}

// Config describes how the agent is invoked.
type Config struct {
	Executable string
	Model      string
	WorkDir    string

	// YOLO skips the permission handshake. Otherwise MCPConfigPath names
	// the config registering the approval tool.
	YOLO          bool
	MCPConfigPath string

	KillGrace time.Duration
	Env       []string
}

// Options are the Supervisor's collaborators. Zero values are valid.
type Options struct {
	Spawner  Spawner      // default: ExecSpawner
	Recorder Checkpointer // nil: no checkpoints
	Sessions SessionIndex // nil: nothing persisted
	Pricing  pricing.Table
	Metrics  *metrics.Metrics
	Log      logr.Logger
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	cfg      Config
	sink     Sink
	spawner  Spawner
	recorder Checkpointer
	sessions SessionIndex
	pricing  pricing.Table
	metrics  *metrics.Metrics
	log      logr.Logger
	session  *session.Session

	mu   sync.Mutex
	cur  *turn
	live map[*turn]struct{} // turns whose process has not exited yet, stopped ones included
}

// turn is the handle of one agent process.
type turn struct {
	stopped atomic.Bool
	stderr  *tailBuffer
	done    chan struct{}
	finish  sync.Once

	inMu  sync.Mutex
	stdin io.WriteCloser // nil until spawned and once the message is delivered

	mu        sync.Mutex
	proc      Process
	termSent  bool
	exited    bool
	killTimer *time.Timer
}

// New creates a Supervisor reporting to sink.
func New(cfg Config, sink Sink, opts Options) *Supervisor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if opts.Spawner == nil {
		opts.Spawner = &ExecSpawner{WaitDelay: cfg.KillGrace}
	}
	if opts.Pricing.Tiers == nil {
		opts.Pricing = pricing.DefaultTable()
	}
	return &Supervisor{
		cfg:      cfg,
		sink:     sink,
		spawner:  opts.Spawner,
		recorder: opts.Recorder,
		sessions: opts.Sessions,
		pricing:  opts.Pricing,
		metrics:  opts.Metrics,
		log:      opts.Log.WithName("supervisor"),
		session:  session.New(),
		live:     make(map[*turn]struct{}),
	}
}

// Session returns the supervised session.
func (s *Supervisor) Session() *session.Session {
	return s.session
}

// IsActive reports whether a turn is running.
func (s *Supervisor) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Resume adopts the workspace's most recent session so the next turn
// continues it. It returns the resumed id, or "" when there is none.
func (s *Supervisor) Resume(ctx context.Context) (string, error) {
	if s.sessions == nil {
		return "", nil
	}
	id, totals, err := s.sessions.LastSession(ctx)
	if err != nil {
		return "", fmt.Errorf("load last session: %w", err)
	}
	s.session.Resume(id, totals)
	return id, nil
}

// NewSession stops any running turn and forgets the session id and totals.
func (s *Supervisor) NewSession() {
	s.StopTurn()
	s.session.Reset()
	s.sink.Info("Started a new session")
}

// StartTurn delivers message to the agent. When a turn is running and its
// stdin is still open the message is written to it directly; when the
// running turn no longer accepts input, ErrTurnActive is returned.
// Otherwise the workspace is checkpointed and a new agent process spawned.
func (s *Supervisor) StartTurn(ctx context.Context, message string, mode Mode) error {
	text := mode.Apply(message)

	s.mu.Lock()
	if cur := s.cur; cur != nil {
		s.mu.Unlock()
		return cur.write(text)
	}
	t := &turn{stderr: newTailBuffer(stderrLimit), done: make(chan struct{})}
	s.cur = t
	s.live[t] = struct{}{}
	s.mu.Unlock()

	s.session.SetState(session.StateActive)
	s.metrics.SetActive(true)
	s.sink.Processing(true)

	s.checkpoint(ctx, message)
	if t.stopped.Load() {
		s.retire(t)
		return nil
	}

	inv := s.invocation()
	proc, err := s.spawner.Spawn(ctx, inv)
	if err != nil {
		spawnErr := &protocol.SpawnError{Executable: inv.Executable, Err: err}
		s.release(t)
		s.retire(t)
		s.metrics.TurnFinished(metrics.OutcomeSpawnFailed)
		s.sink.Error(spawnErr)
		return spawnErr
	}

	// inMu stays held until the turn's own message is written, so a
	// concurrent write can never land ahead of it.
	t.inMu.Lock()
	t.stdin = proc.Stdin()
	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()
	if t.stopped.Load() {
		t.terminate(s.cfg.KillGrace)
	}

	s.log.V(1).Info("agent started", "args", inv.Args, "dir", inv.Dir)
	go s.run(ctx, t)

	err = t.deliverLocked(text)
	t.inMu.Unlock()
	if err != nil {
		s.log.Error(err, "write message to agent")
	}
	return nil
}

// StopTurn ends the running turn: the session goes idle at once, the agent
// gets SIGTERM and, if it is still alive after the grace period, SIGKILL.
// Calling it with no turn running is a no-op.
func (s *Supervisor) StopTurn() {
	s.mu.Lock()
	t := s.cur
	s.cur = nil
	s.mu.Unlock()
	if t == nil {
		return
	}

	t.stopped.Store(true)
	t.terminate(s.cfg.KillGrace)

	s.session.SetState(session.StateIdle)
	s.metrics.SetActive(false)
	s.sink.Processing(false)
	s.sink.Info("Agent stopped")
}

// Wait blocks until every agent process started so far has exited,
// including turns already stopped and still within their kill grace period.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*turn, 0, len(s.live))
	for t := range s.live {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for turn: %w", ctx.Err())
		}
	}
	return nil
}

// retire marks t finished without a running process behind it.
func (s *Supervisor) retire(t *turn) {
	t.finish.Do(func() { close(t.done) })
	s.mu.Lock()
	delete(s.live, t)
	s.mu.Unlock()
}

func (s *Supervisor) checkpoint(ctx context.Context, message string) {
	if s.recorder == nil {
		return
	}
	cp, err := s.recorder.Snapshot(ctx, message)
	if err != nil {
		s.log.Error(err, "checkpoint failed; continuing without one")
		s.metrics.CheckpointFailed()
		return
	}
	s.sink.Checkpoint(cp)
}

// BuildArgs returns the agent arguments for cfg, resuming sessionID when it
// is non-empty.
func BuildArgs(cfg Config, sessionID string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if cfg.YOLO {
		args = append(args, "--dangerously-skip-permissions")
	} else if cfg.MCPConfigPath != "" {
		args = append(args,
			"--mcp-config", cfg.MCPConfigPath,
			"--allowedTools", protocol.PermissionToolRef,
			"--permission-prompt-tool", protocol.PermissionToolRef,
		)
	}
	return args
}

func (s *Supervisor) invocation() Invocation {
	env := append([]string{"NO_COLOR=1", "FORCE_COLOR=0"}, s.cfg.Env...)
	return Invocation{
		Executable: s.cfg.Executable,
		Args:       BuildArgs(s.cfg, s.session.ID()),
		Dir:        s.cfg.WorkDir,
		Env:        env,
	}
}

// run drains the agent's output and reports its exit.
func (s *Supervisor) run(ctx context.Context, t *turn) {
	defer func() {
		if r := recover(); r != nil {
			t.terminate(s.cfg.KillGrace)
			s.finishTurn(ctx, t, fmt.Errorf("agent read loop panic: %v", r))
		}
	}()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(t.stderr, t.proc.Stderr())
	}()

	model := s.cfg.Model
	if model == "" {
		model = protocol.DefaultModel
	}
	dec := stream.NewDecoder(s.session, s.pricing, model)

	buf := make([]byte, 32<<10)
	stdout := t.proc.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.emit(t, dec.Feed(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.V(1).Info("agent stdout closed", "err", err.Error())
			}
			break
		}
	}
	s.emit(t, dec.Flush())

	<-stderrDone
	s.finishTurn(ctx, t, t.proc.Wait())
}

func (s *Supervisor) emit(t *turn, events []protocol.StreamEvent) {
	for _, ev := range events {
		if ev.Kind == protocol.EventUsage && ev.Usage != nil {
			s.metrics.Usage(*ev.Usage)
		}
		// A stopped turn still accounts its usage but no longer talks.
		if t.stopped.Load() {
			continue
		}
		s.sink.Event(ev)
	}
}

// finishTurn runs once per turn when its process has exited.
func (s *Supervisor) finishTurn(ctx context.Context, t *turn, waitErr error) {
	t.finish.Do(func() {
		defer close(t.done)

		t.mu.Lock()
		t.exited = true
		if t.killTimer != nil {
			t.killTimer.Stop()
		}
		t.mu.Unlock()

		s.persist(ctx)

		stopped := t.stopped.Load() || ctx.Err() != nil
		switch {
		case stopped:
			s.metrics.TurnFinished(metrics.OutcomeStopped)
		case waitErr != nil:
			s.metrics.TurnFinished(metrics.OutcomeError)
			if s.current(t) {
				s.sink.Error(exitError(waitErr, t.stderr.String()))
			}
		default:
			s.metrics.TurnFinished(metrics.OutcomeOK)
		}
		s.log.V(1).Info("agent exited", "stopped", stopped, "err", fmt.Sprint(waitErr))
		s.release(t)
	})
	s.mu.Lock()
	delete(s.live, t)
	s.mu.Unlock()
}

func (s *Supervisor) current(t *turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == t
}

// release returns the session to idle and then clears t as the current
// turn, so IsActive turns false only after the sink has been told. A turn
// that was already replaced or stopped changes nothing.
func (s *Supervisor) release(t *turn) {
	if !s.current(t) {
		return
	}
	s.session.SetState(session.StateIdle)
	s.metrics.SetActive(false)
	s.sink.Processing(false)

	s.mu.Lock()
	if s.cur == t {
		s.cur = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) persist(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	id := s.session.ID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.sessions.SaveSession(ctx, id, s.session.Totals()); err != nil {
		s.log.Error(err, "persist session", "id", id)
	}
}

func exitError(err error, stderr string) error {
	var coder interface{ ExitCode() int }
	if !errors.As(err, &coder) {
		return fmt.Errorf("wait for agent: %w", err)
	}
	return &protocol.ExitError{Code: coder.ExitCode(), Stderr: strings.TrimSpace(stderr)}
}

// write queues text on a running turn's stdin.
func (t *turn) write(text string) error {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	if t.stdin == nil {
		return protocol.ErrTurnActive
	}
	if _, err := io.WriteString(t.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// deliverLocked writes the turn's message and closes stdin. The caller
// holds inMu.
func (t *turn) deliverLocked(text string) error {
	stdin := t.stdin
	t.stdin = nil
	if stdin == nil {
		return nil
	}
	_, werr := io.WriteString(stdin, text+"\n")
	cerr := stdin.Close()
	if werr != nil {
		return fmt.Errorf("write message: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close stdin: %w", cerr)
	}
	return nil
}

// terminate sends SIGTERM once and arms the SIGKILL escalation.
func (t *turn) terminate(grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil || t.termSent || t.exited {
		return
	}
	t.termSent = true
	proc := t.proc
	_ = proc.Terminate()
	t.killTimer = time.AfterFunc(grace, func() {
		select {
		case <-t.done:
		default:
			_ = proc.Kill()
		}
	})
}
