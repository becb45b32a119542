package approvaltool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"pilot/internal/fsutil"
	"pilot/pkg/protocol"
)

// answer plays the broker: it waits for one request in dir and answers it.
func answer(t *testing.T, dir string, approved bool) <-chan protocol.PermissionRequest {
	t.Helper()
	got := make(chan protocol.PermissionRequest, 1)
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				if !strings.HasSuffix(e.Name(), protocol.RequestSuffix) {
					continue
				}
				data, err := os.ReadFile(filepath.Join(dir, e.Name()))
				if err != nil {
					continue
				}
				var req protocol.PermissionRequest
				if json.Unmarshal(data, &req) != nil {
					continue
				}
				resp, _ := json.Marshal(protocol.PermissionResponse{ID: req.ID, Approved: approved, Timestamp: time.Now()})
				_ = fsutil.WriteFileAtomic(filepath.Join(dir, req.ID+protocol.ResponseSuffix), resp, 0o600)
				_ = os.Remove(filepath.Join(dir, e.Name()))
				got <- req
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		close(got)
	}()
	return got
}

func TestAsk_Approved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "permissions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	tool := New(dir, logr.Discard())
	reqs := answer(t, dir, true)

	approved, err := tool.Ask(context.Background(), "Bash", json.RawMessage(`{"command":"ls"}`))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !approved {
		t.Error("expected approval")
	}

	req, ok := <-reqs
	if !ok {
		t.Fatal("broker never saw a request")
	}
	if req.ToolName != "Bash" || string(req.Input) != `{"command":"ls"}` {
		t.Errorf("request = %+v", req)
	}
	if len(req.ID) != 36 {
		t.Errorf("request id %q is not a uuid", req.ID)
	}
	if _, err := os.Stat(filepath.Join(dir, req.ID+protocol.ResponseSuffix)); !os.IsNotExist(err) {
		t.Error("response file should be consumed")
	}
}

func TestAsk_DeadlineDenies(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, logr.Discard())
	tool.Wait = 50 * time.Millisecond

	approved, err := tool.Ask(context.Background(), "Write", nil)
	if err == nil || approved {
		t.Fatalf("Ask = %v, %v; want error and no approval", approved, err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), protocol.RequestSuffix) {
			t.Errorf("stale request left behind: %s", e.Name())
		}
	}
}

func TestAsk_ContextCancelled(t *testing.T) {
	tool := New(t.TempDir(), logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if approved, err := tool.Ask(ctx, "Write", nil); err == nil || approved {
		t.Fatalf("Ask = %v, %v; want cancellation error", approved, err)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		approved bool
		want     verdict
	}{
		{
			name:     "allow echoes input",
			args:     map[string]any{"tool_name": "Bash", "input": map[string]any{"command": "ls"}},
			approved: true,
			want:     verdict{Behavior: "allow", UpdatedInput: json.RawMessage(`{"command":"ls"}`)},
		},
		{
			name: "deny",
			args: map[string]any{"tool_name": "Bash", "input": map[string]any{"command": "rm -rf /"}},
			want: verdict{Behavior: "deny", Message: "Permission denied by operator"},
		},
		{
			name:     "allow without input",
			args:     map[string]any{"tool_name": "Read"},
			approved: true,
			want:     verdict{Behavior: "allow", UpdatedInput: json.RawMessage(`{}`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tool := New(dir, logr.Discard())
			answer(t, dir, tt.approved)

			var got verdict
			if err := json.Unmarshal([]byte(tool.decide(context.Background(), tt.args)), &got); err != nil {
				t.Fatalf("verdict is not JSON: %v", err)
			}
			if got.Behavior != tt.want.Behavior || got.Message != tt.want.Message ||
				string(got.UpdatedInput) != string(tt.want.UpdatedInput) {
				t.Errorf("verdict = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecide_MissingToolName(t *testing.T) {
	tool := New(t.TempDir(), logr.Discard())
	out := tool.decide(context.Background(), map[string]any{})
	if !strings.Contains(out, `"behavior":"deny"`) {
		t.Errorf("verdict = %s, want deny", out)
	}
}

func TestServerRegistersTool(t *testing.T) {
	s := New(t.TempDir(), logr.Discard()).Server()
	if s == nil {
		t.Fatal("Server returned nil")
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws", protocol.MCPConfigFile)
	if err := WriteConfig(path, "/usr/local/bin/pilot", "/tmp/perms"); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg mcpConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	entry, ok := cfg.MCPServers[protocol.PermissionServerName]
	if !ok {
		t.Fatalf("config missing %s: %s", protocol.PermissionServerName, data)
	}
	if entry.Command != "/usr/local/bin/pilot" {
		t.Errorf("command = %q", entry.Command)
	}
	want := []string{"permission-server", "--dir", "/tmp/perms"}
	if strings.Join(entry.Args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", entry.Args, want)
	}
}
