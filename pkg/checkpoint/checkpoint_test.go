package checkpoint

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"

	"pilot/pkg/protocol"
)

// --- Mock GitRunner ---

type call struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Stdout string
	Stderr string
	Err    error
}

// mockGitRunner records calls and answers by subcommand. Results for a
// subcommand are consumed in order; if exhausted, returns empty success.
type mockGitRunner struct {
	mu      sync.Mutex
	calls   []call
	results map[string][]mockResult
}

func (m *mockGitRunner) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call{Dir: dir, Args: args})
	sub := subcommand(args)
	rs := m.results[sub]
	if len(rs) == 0 {
		return "", "", nil
	}
	r := rs[0]
	m.results[sub] = rs[1:]
	return r.Stdout, r.Stderr, r.Err
}

func (m *mockGitRunner) subcommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, subcommand(c.Args))
	}
	return out
}

// subcommand skips global options such as --git-dir and -c k=v.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-c":
			i++
		case strings.HasPrefix(args[i], "--"):
		default:
			return args[i]
		}
	}
	return ""
}

func newMockRecorder(t *testing.T, mock *mockGitRunner) (*Recorder, string) {
	t.Helper()
	gitDir := filepath.Join(t.TempDir(), "backups")
	// Pretend the repository already exists.
	if err := os.MkdirAll(gitDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/master\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return NewRecorder(mock, gitDir, "/work", nil, logr.Discard()), gitDir
}

// --- Tests ---

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("a", 60)
	tests := []struct {
		in, want string
	}{
		{"fix the bug", "fix the bug"},
		{"  fix\nthe\tbug  ", "fix the bug"},
		{long, strings.Repeat("a", 50) + "..."},
		{strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{strings.Repeat("é", 55), strings.Repeat("é", 50) + "..."},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Excerpt(tt.in); got != tt.want {
			t.Errorf("Excerpt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSnapshot_Initial(t *testing.T) {
	mock := &mockGitRunner{results: map[string][]mockResult{
		"rev-parse": {
			{Err: errors.New("exit status 1")}, // no HEAD yet
			{Stdout: "abc123\n"},
		},
	}}
	rec, gitDir := newMockRecorder(t, mock)

	cp, err := rec.Snapshot(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if cp.ID != "abc123" {
		t.Errorf("ID = %q, want abc123", cp.ID)
	}
	if cp.Message != "Initial backup: fix the bug" {
		t.Errorf("Message = %q", cp.Message)
	}

	got := strings.Join(mock.subcommands(), ",")
	if got != "add,rev-parse,commit,rev-parse" {
		t.Errorf("git sequence = %s", got)
	}
	for _, c := range mock.calls {
		if c.Dir != "/work" {
			t.Errorf("git ran in %q, want /work", c.Dir)
		}
		if c.Args[0] != "--git-dir="+gitDir || c.Args[1] != "--work-tree=/work" {
			t.Errorf("git args missing repo flags: %v", c.Args)
		}
	}
	for _, c := range mock.calls {
		if subcommand(c.Args) == "commit" && !containsArg(c.Args, "--allow-empty") {
			t.Errorf("commit must allow empty: %v", c.Args)
		}
	}
}

func TestSnapshot_ChangesAndNoChanges(t *testing.T) {
	mock := &mockGitRunner{results: map[string][]mockResult{
		"rev-parse": {{Stdout: "head\n"}, {Stdout: "c1\n"}, {Stdout: "head\n"}, {Stdout: "c2\n"}},
		"diff":      {{Stdout: "main.go\n"}, {Stdout: ""}},
	}}
	rec, _ := newMockRecorder(t, mock)

	first, err := rec.Snapshot(context.Background(), "edit main")
	if err != nil {
		t.Fatal(err)
	}
	second, err := rec.Snapshot(context.Background(), "edit main")
	if err != nil {
		t.Fatal(err)
	}
	if first.Message != "Checkpoint: edit main" {
		t.Errorf("first = %q", first.Message)
	}
	if second.Message != "Checkpoint (no changes): edit main" {
		t.Errorf("second = %q", second.Message)
	}

	cps, err := rec.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 || cps[0].ID != "c1" || cps[1].ID != "c2" {
		t.Errorf("List = %+v", cps)
	}
}

func TestSnapshot_CommitFailure(t *testing.T) {
	mock := &mockGitRunner{results: map[string][]mockResult{
		"commit": {{Stderr: "fatal: disk full", Err: errors.New("exit status 128")}},
	}}
	rec, _ := newMockRecorder(t, mock)

	_, err := rec.Snapshot(context.Background(), "x")
	var ge *GitError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *GitError", err)
	}
	if ge.Op != "commit" || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v", err)
	}
	if cps, _ := rec.List(context.Background()); len(cps) != 0 {
		t.Error("failed snapshot must not be recorded")
	}
}

func TestRestore_Unknown(t *testing.T) {
	mock := &mockGitRunner{results: map[string][]mockResult{
		"rev-parse": {{Err: errors.New("exit status 1")}},
	}}
	rec, _ := newMockRecorder(t, mock)

	if err := rec.Restore(context.Background(), "deadbeef"); !errors.Is(err, protocol.ErrNoCheckpoint) {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}
	if err := rec.Restore(context.Background(), "--force"); !errors.Is(err, protocol.ErrNoCheckpoint) {
		t.Fatalf("option-like id err = %v, want ErrNoCheckpoint", err)
	}
	for _, sub := range mock.subcommands() {
		if sub == "checkout" {
			t.Error("checkout must not run for an unknown checkpoint")
		}
	}
}

func TestEnsure_InitOnce(t *testing.T) {
	mock := &mockGitRunner{}
	gitDir := filepath.Join(t.TempDir(), "backups")
	rec := NewRecorder(mock, gitDir, "/work", nil, logr.Discard())

	for range 3 {
		if err := rec.Ensure(context.Background()); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	if got := mock.subcommands(); len(got) != 1 || got[0] != "init" {
		t.Errorf("git calls = %v, want one init", got)
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// --- Real git ---

func newGitRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	work := filepath.Join(root, "workspace")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &ExecGitRunner{Env: []string{"GIT_CONFIG_NOSYSTEM=1", "HOME=" + root}}
	return NewRecorder(runner, filepath.Join(root, "backups"), work, nil, logr.Discard()), work
}

func TestRecorder_RealGit(t *testing.T) {
	rec, work := newGitRecorder(t)
	ctx := context.Background()
	file := filepath.Join(work, "main.go")

	if err := os.WriteFile(file, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}
	cp1, err := rec.Snapshot(ctx, "fix the bug")
	if err != nil {
		t.Fatalf("Snapshot 1: %v", err)
	}
	if cp1.Message != "Initial backup: fix the bug" {
		t.Errorf("cp1 = %q", cp1.Message)
	}

	if err := os.WriteFile(file, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}
	cp2, err := rec.Snapshot(ctx, "second")
	if err != nil {
		t.Fatalf("Snapshot 2: %v", err)
	}
	if cp2.Message != "Checkpoint: second" {
		t.Errorf("cp2 = %q", cp2.Message)
	}

	cp3, err := rec.Snapshot(ctx, "third")
	if err != nil {
		t.Fatalf("Snapshot 3: %v", err)
	}
	cp4, err := rec.Snapshot(ctx, "fourth")
	if err != nil {
		t.Fatalf("Snapshot 4: %v", err)
	}
	if cp3.ID == cp4.ID {
		t.Error("consecutive no-change snapshots must be distinct commits")
	}
	if !strings.HasPrefix(cp4.Message, PrefixNoChanges) {
		t.Errorf("cp4 = %q", cp4.Message)
	}

	if _, err := os.Stat(filepath.Join(work, ".git")); !os.IsNotExist(err) {
		t.Error("workspace must not gain a .git directory")
	}

	if err := rec.Restore(ctx, cp1.ID); err != nil {
		t.Fatalf("Restore cp1: %v", err)
	}
	if data, _ := os.ReadFile(file); string(data) != "v1" {
		t.Errorf("after restore cp1: %q, want v1", data)
	}
	if err := rec.Restore(ctx, cp3.ID); err != nil {
		t.Fatalf("Restore cp3: %v", err)
	}
	if data, _ := os.ReadFile(file); string(data) != "v2" {
		t.Errorf("after restore cp3: %q, want v2", data)
	}

	cps, err := rec.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 4 {
		t.Errorf("history has %d checkpoints, want 4 (restore must not rewrite it)", len(cps))
	}
}
