// Package permission brokers the file-based approval handshake between the
// agent's permission-prompt tool and the operator.
//
// The approval tool writes <id>.request into a watched directory and blocks
// until <id>.response appears. The Broker surfaces each request to the
// operator (or auto-approves it from the always-allow rules) and writes the
// response. Every request resolves exactly once: by Resolve, by an
// always-allow rule, by its timeout, or by Shutdown.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"pilot/internal/fsutil"
	"pilot/pkg/metrics"
	"pilot/pkg/protocol"
)

// DefaultTimeout is how long a request may stay pending before it is denied.
const DefaultTimeout = 30 * time.Second

// Notifier is the operator side of the broker.
type Notifier interface {
	// PermissionRequested is called once for every request that needs an
	// operator decision.
	PermissionRequested(req protocol.PermissionRequest)
	// PermissionResolved is called once for every resolved request,
	// including auto-approved and timed-out ones.
	PermissionResolved(id string, decision protocol.Decision, source protocol.DecisionSource)
}

type pendingRequest struct {
	req   protocol.PermissionRequest
	timer *time.Timer
	done  chan protocol.Decision // buffered(1), written once on resolution
}

// Broker is safe for concurrent use. Watch runs the watch loop; Resolve and
// the per-request timers may fire from any goroutine.
type Broker struct {
	rules    *RuleStore
	notifier Notifier
	log      logr.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration

	mu       sync.Mutex
	dir      string
	pending  map[string]*pendingRequest
	resolved map[string]struct{}
}

// NewBroker creates a Broker that consults rules and reports to notifier.
func NewBroker(rules *RuleStore, notifier Notifier, log logr.Logger) *Broker {
	return &Broker{
		rules:    rules,
		notifier: notifier,
		log:      log.WithName("permission"),
		timeout:  DefaultTimeout,
		pending:  make(map[string]*pendingRequest),
		resolved: make(map[string]struct{}),
	}
}

// SetTimeout overrides the pending-request timeout (for testing).
func (b *Broker) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// SetMetrics attaches metrics collectors.
func (b *Broker) SetMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// Watch monitors dir for request files until ctx is cancelled. Requests
// already present when Watch starts are handled too.
func (b *Broker) Watch(ctx context.Context, dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve permissions dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create permissions dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	b.mu.Lock()
	b.dir = dir
	b.mu.Unlock()

	b.scan(dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				b.handleFile(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Error(err, "watcher error", "dir", dir)
		}
	}
}

// scan handles request files that existed before the watcher started.
func (b *Broker) scan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.log.Error(err, "scan permissions dir", "dir", dir)
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), protocol.RequestSuffix) {
			b.handleFile(filepath.Join(dir, e.Name()))
		}
	}
}

// handleFile processes one request file. Files outside the watched
// directory, non-regular files and symlinks are ignored: only requests
// written locally by the approval tool are honoured.
func (b *Broker) handleFile(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, protocol.RequestSuffix) || strings.HasPrefix(base, ".") {
		return
	}
	b.mu.Lock()
	dir := b.dir
	b.mu.Unlock()
	if filepath.Dir(filepath.Clean(path)) != dir {
		return
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is inside the watched dir
	if err != nil {
		return
	}
	var req protocol.PermissionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		// Usually a partial write; the next Write event retries.
		b.log.V(1).Info("skipping unreadable request", "file", base, "err", err.Error())
		return
	}
	id := strings.TrimSuffix(base, protocol.RequestSuffix)
	if req.ID != id {
		b.log.V(1).Info("request id differs from file name", "file", base, "id", req.ID)
		req.ID = id
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	b.submit(req)
}

// submit registers a parsed request, auto-approving it when a rule allows.
func (b *Broker) submit(req protocol.PermissionRequest) {
	allowed, err := b.rules.Allows(req.ToolName, req.Input)
	if err != nil {
		b.log.Error(err, "load always-allow rules")
	}

	b.mu.Lock()
	if _, ok := b.pending[req.ID]; ok {
		b.mu.Unlock()
		return
	}
	if _, ok := b.resolved[req.ID]; ok {
		b.mu.Unlock()
		return
	}
	// An id pruned from resolved has had its request file removed; a late
	// event for it must not resurrect the request.
	if fi, err := os.Lstat(filepath.Join(b.dir, req.ID+protocol.RequestSuffix)); err != nil || !fi.Mode().IsRegular() {
		b.mu.Unlock()
		return
	}
	if allowed {
		b.resolved[req.ID] = struct{}{}
		b.mu.Unlock()
		b.log.V(1).Info("auto-approved", "id", req.ID, "tool", req.ToolName)
		b.complete(req.ID, protocol.DecisionApproved, protocol.SourceRule)
		return
	}

	id := req.ID
	p := &pendingRequest{req: req, done: make(chan protocol.Decision, 1)}
	p.timer = time.AfterFunc(remaining(b.timeout, req.Timestamp, time.Now()), func() {
		if err := b.resolve(id, false, false, protocol.SourceTimeout); err == nil {
			b.log.Info("permission request timed out", "id", id)
		}
	})
	b.pending[id] = p
	b.mu.Unlock()

	if b.notifier != nil {
		b.notifier.PermissionRequested(req)
	}
}

// remaining returns how much of timeout is left for a request created at
// created, clamped to [0, timeout] so skewed clocks never extend it.
func remaining(timeout time.Duration, created, now time.Time) time.Duration {
	left := timeout - now.Sub(created)
	switch {
	case left < 0:
		return 0
	case left > timeout:
		return timeout
	}
	return left
}

// Resolve delivers the operator's decision for a pending request. When
// approved with alwaysAllow, the rule is persisted before the response is
// written.
func (b *Broker) Resolve(id string, approved, alwaysAllow bool) error {
	return b.resolve(id, approved, alwaysAllow, protocol.SourceOperator)
}

func (b *Broker) resolve(id string, approved, alwaysAllow bool, source protocol.DecisionSource) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownRequest, id)
	}
	delete(b.pending, id)
	b.resolved[id] = struct{}{}
	p.timer.Stop()
	b.mu.Unlock()

	decision := protocol.DecisionDenied
	if approved {
		decision = protocol.DecisionApproved
		if alwaysAllow {
			if err := b.rules.Add(p.req.ToolName, p.req.Input); err != nil {
				b.log.Error(err, "persist always-allow rule", "tool", p.req.ToolName)
			}
		}
	}

	b.complete(id, decision, source)
	p.done <- decision
	return nil
}

// complete writes the response file, removes the request and notifies.
func (b *Broker) complete(id string, decision protocol.Decision, source protocol.DecisionSource) {
	b.mu.Lock()
	dir := b.dir
	m := b.metrics
	b.mu.Unlock()

	resp := protocol.PermissionResponse{
		ID:        id,
		Approved:  decision == protocol.DecisionApproved,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(resp)
	if err == nil {
		err = fsutil.WriteFileAtomic(filepath.Join(dir, id+protocol.ResponseSuffix), data, 0o600)
	}
	if err != nil {
		b.log.Error(err, "write permission response", "id", id)
	}
	if err := os.Remove(filepath.Join(dir, id+protocol.RequestSuffix)); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.log.Error(err, "remove permission request", "id", id)
	} else {
		b.mu.Lock()
		delete(b.resolved, id)
		b.mu.Unlock()
	}

	m.PermissionResolved(decision, source)
	if b.notifier != nil {
		b.notifier.PermissionResolved(id, decision, source)
	}
}

// Await blocks until the pending request id resolves or ctx is done.
func (b *Broker) Await(ctx context.Context, id string) (protocol.Decision, error) {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", protocol.ErrUnknownRequest, id)
	}
	select {
	case d := <-p.done:
		return d, nil
	case <-ctx.Done():
		return "", fmt.Errorf("await permission %s: %w", id, ctx.Err())
	}
}

// Pending returns the unresolved requests, oldest first.
func (b *Broker) Pending() []protocol.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.PermissionRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Shutdown denies every pending request so the agent never waits on a
// broker that is going away.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.resolve(id, false, false, protocol.SourceShutdown)
	}
}
