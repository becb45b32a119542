package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Invocation describes one agent process launch.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string // appended to the inherited environment
}

// Spawner abstracts process creation for testing.
type Spawner interface {
	Spawn(ctx context.Context, inv Invocation) (Process, error)
}

// Process abstracts a running agent.
//
// Stdout and Stderr must be read to EOF before Wait is called. Wait's error
// exposes an ExitCode() int method when the process exited non-zero.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	// Terminate asks the process (group) to exit; Kill forces it.
	Terminate() error
	Kill() error
}

// ExecSpawner is the production Spawner. Each agent gets its own process
// group (Setpgid) so signals also reach the tools it launched.
type ExecSpawner struct {
	// WaitDelay bounds how long Wait lingers after ctx cancellation before
	// forcing the process down.
	WaitDelay time.Duration
}

// Spawn starts inv.
func (s *ExecSpawner) Spawn(ctx context.Context, inv Invocation) (Process, error) {
	//nolint:gosec // the agent executable is operator-configured
	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(cmd.Environ(), inv.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd.Process, syscall.SIGTERM) }
	cmd.WaitDelay = s.WaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err //nolint:wrapcheck // wrapped as SpawnError by the caller
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Wait() error {
	return p.cmd.Wait() //nolint:wrapcheck // callers inspect *exec.ExitError
}

func (p *execProcess) Terminate() error { return signalGroup(p.cmd.Process, syscall.SIGTERM) }
func (p *execProcess) Kill() error      { return signalGroup(p.cmd.Process, syscall.SIGKILL) }

// signalGroup signals the whole process group (negative PID), falling back
// to the leader alone when the group is already gone.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return nil
	}
	if err := syscall.Kill(-proc.Pid, sig); err == nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %d: %w", proc.Pid, err)
	}
	return nil
}
