// Package checkpoint snapshots the live workspace into a private git
// repository before each turn and restores earlier snapshots on request.
//
// The repository's metadata lives under pilot storage (--git-dir) while its
// working tree is the workspace itself (--work-tree), so the workspace never
// gains a .git directory of ours.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"

	"pilot/pkg/protocol"
)

// Commit subject prefixes.
const (
	PrefixInitial   = "Initial backup: "
	PrefixChanges   = "Checkpoint: "
	PrefixNoChanges = "Checkpoint (no changes): "
)

const excerptLimit = 50

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Checkpoint is one snapshot commit.
type Checkpoint struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// GitError wraps a failed git invocation with its stderr.
type GitError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, s)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Recorder serializes snapshot and restore operations on one workspace.
type Recorder struct {
	git      GitRunner
	gitDir   string
	workTree string
	log      Log
	logger   logr.Logger

	mu      sync.Mutex
	ensured bool
}

// NewRecorder creates a Recorder whose repository lives at gitDir and whose
// working tree is workTree. A nil log keeps checkpoints in memory.
func NewRecorder(git GitRunner, gitDir, workTree string, log Log, logger logr.Logger) *Recorder {
	if log == nil {
		log = &MemoryLog{}
	}
	return &Recorder{
		git:      git,
		gitDir:   gitDir,
		workTree: workTree,
		log:      log,
		logger:   logger.WithName("checkpoint"),
	}
}

// run invokes git against the backup repository.
func (r *Recorder) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{
		"--git-dir=" + r.gitDir,
		"--work-tree=" + r.workTree,
		"-c", "user.name=pilot",
		"-c", "user.email=pilot@localhost",
		"-c", "commit.gpgsign=false",
	}, args...)
	stdout, stderr, err := r.git.Run(ctx, r.workTree, full...)
	if err != nil {
		return stdout, &GitError{Op: args[0], Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// Ensure initializes the backup repository. It is idempotent.
func (r *Recorder) Ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensure(ctx)
}

func (r *Recorder) ensure(ctx context.Context) error {
	if r.ensured {
		return nil
	}
	if _, err := os.Stat(filepath.Join(r.gitDir, "HEAD")); err == nil {
		r.ensured = true
		return nil
	}
	if err := os.MkdirAll(r.gitDir, 0o700); err != nil {
		return fmt.Errorf("create backup repo dir: %w", err)
	}
	if _, err := r.run(ctx, "init", "--quiet"); err != nil {
		return err
	}
	r.logger.V(1).Info("initialized backup repository", "gitDir", r.gitDir, "workTree", r.workTree)
	r.ensured = true
	return nil
}

// Snapshot stages every workspace change and commits, even when nothing
// changed, so each call yields a distinct restorable checkpoint.
func (r *Recorder) Snapshot(ctx context.Context, label string) (Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensure(ctx); err != nil {
		return Checkpoint{}, err
	}
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return Checkpoint{}, err
	}

	prefix := PrefixChanges
	if _, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		prefix = PrefixInitial
	} else {
		staged, err := r.run(ctx, "diff", "--cached", "--name-only")
		if err != nil {
			return Checkpoint{}, err
		}
		if strings.TrimSpace(staged) == "" {
			prefix = PrefixNoChanges
		}
	}

	message := prefix + Excerpt(label)
	if _, err := r.run(ctx, "commit", "--allow-empty", "--no-verify", "--quiet", "-m", message); err != nil {
		return Checkpoint{}, err
	}
	id, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{ID: strings.TrimSpace(id), Message: message, Timestamp: time.Now()}
	if err := r.log.Append(ctx, cp); err != nil {
		r.logger.Error(err, "record checkpoint", "id", cp.ID)
	}
	r.logger.V(1).Info("checkpoint", "id", cp.ID, "message", message)
	return cp, nil
}

// Restore checks the workspace out at checkpoint id. History is untouched,
// and files created after the checkpoint are left in place.
func (r *Recorder) Restore(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensure(ctx); err != nil {
		return err
	}
	if id == "" || strings.HasPrefix(id, "-") {
		return fmt.Errorf("%w: %q", protocol.ErrNoCheckpoint, id)
	}
	if _, err := r.run(ctx, "rev-parse", "--verify", "--quiet", id+"^{commit}"); err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrNoCheckpoint, id)
	}
	if _, err := r.run(ctx, "checkout", id, "--", "."); err != nil {
		return err
	}
	r.logger.Info("restored checkpoint", "id", id)
	return nil
}

// List returns the recorded checkpoints, oldest first.
func (r *Recorder) List(ctx context.Context) ([]Checkpoint, error) {
	cps, err := r.log.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// Excerpt flattens label to one line and truncates it to 50 characters,
// appending "..." when anything was cut.
func Excerpt(label string) string {
	s := strings.Join(strings.Fields(label), " ")
	if utf8.RuneCountInString(s) <= excerptLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptLimit]) + "..."
}
