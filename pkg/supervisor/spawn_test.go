package supervisor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecSpawner_StdioAndExitCode(t *testing.T) {
	requireSh(t)
	sp := &ExecSpawner{WaitDelay: time.Second}
	proc, err := sp.Spawn(context.Background(), Invocation{
		Executable: "sh",
		Args:       []string{"-c", `read line; echo "got:$line $NO_COLOR"; echo oops >&2; exit 3`},
		Dir:        t.TempDir(),
		Env:        []string{"NO_COLOR=1"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := io.WriteString(proc.Stdin(), "hello\n"); err != nil {
		t.Fatal(err)
	}
	_ = proc.Stdin().Close()

	errOut := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(proc.Stderr())
		errOut <- string(data)
	}()
	out, _ := io.ReadAll(proc.Stdout())
	stderr := <-errOut

	if strings.TrimSpace(string(out)) != "got:hello 1" {
		t.Errorf("stdout = %q", out)
	}
	if strings.TrimSpace(stderr) != "oops" {
		t.Errorf("stderr = %q", stderr)
	}
	err = proc.Wait()
	var coder interface{ ExitCode() int }
	if !errors.As(err, &coder) || coder.ExitCode() != 3 {
		t.Errorf("Wait = %v, want exit code 3", err)
	}
}

func TestExecSpawner_TerminateReachesGroup(t *testing.T) {
	requireSh(t)
	sp := &ExecSpawner{WaitDelay: time.Second}
	// The child sleep keeps stdout open; only a group signal ends both.
	proc, err := sp.Spawn(context.Background(), Invocation{
		Executable: "sh",
		Args:       []string{"-c", "sleep 30 & wait"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_ = proc.Stdin().Close()

	if err := proc.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(proc.Stdout())
		_, _ = io.ReadAll(proc.Stderr())
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = proc.Kill()
		t.Fatal("process group survived SIGTERM")
	}
}

func TestExecSpawner_MissingExecutable(t *testing.T) {
	sp := &ExecSpawner{}
	if _, err := sp.Spawn(context.Background(), Invocation{Executable: "/definitely/not/here"}); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	if got := b.String(); got != "lo world" {
		t.Errorf("tail = %q, want %q", got, "lo world")
	}
}
