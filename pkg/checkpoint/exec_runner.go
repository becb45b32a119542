package checkpoint

import (
	"context"
	"os/exec"
	"strings"
)

// baseEnv keeps checkpoint git calls non-interactive, with untranslated
// stderr so GitError text is stable.
var baseEnv = []string{"GIT_TERMINAL_PROMPT=0", "LC_ALL=C"} //nolint:gochecknoglobals // fixed table

// ExecGitRunner is the Recorder's GitRunner backed by the git binary on PATH.
type ExecGitRunner struct {
	// Env is appended after the inherited environment and baseEnv.
	Env []string
}

// Run executes git with args in dir and returns its stdout and stderr.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = r.environ(cmd.Environ())

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

func (r *ExecGitRunner) environ(inherited []string) []string {
	env := make([]string, 0, len(inherited)+len(baseEnv)+len(r.Env))
	env = append(env, inherited...)
	env = append(env, baseEnv...)
	return append(env, r.Env...)
}
