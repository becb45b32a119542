// Package approvaltool is the agent-side half of the permission handshake:
// a stdio MCP server whose approval_prompt tool writes a request file and
// blocks until the broker answers with a response file.
package approvaltool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"pilot/internal/fsutil"
	"pilot/internal/version"
	"pilot/pkg/protocol"
)

// DefaultWait bounds how long the tool waits for a response. It outlasts
// the broker's own timeout so the broker's denial normally arrives first.
const DefaultWait = 35 * time.Second

const pollInterval = 100 * time.Millisecond

// Tool writes requests into Dir and waits for their responses.
type Tool struct {
	Dir  string
	Wait time.Duration
	Log  logr.Logger
}

// New returns a Tool for dir with the default wait bound.
func New(dir string, log logr.Logger) *Tool {
	return &Tool{Dir: dir, Wait: DefaultWait, Log: log.WithName("approval")}
}

// Ask submits one permission request and returns the broker's verdict.
// Any failure to reach a verdict is a denial.
func (t *Tool) Ask(ctx context.Context, toolName string, input json.RawMessage) (bool, error) {
	if err := os.MkdirAll(t.Dir, 0o700); err != nil {
		return false, fmt.Errorf("create permissions dir: %w", err)
	}

	id := uuid.NewString()
	req := protocol.PermissionRequest{ID: id, ToolName: toolName, Input: input, Timestamp: time.Now()}
	data, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	reqPath := filepath.Join(t.Dir, id+protocol.RequestSuffix)
	respPath := filepath.Join(t.Dir, id+protocol.ResponseSuffix)

	// Watch before writing so a fast response is never missed.
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		if err := watcher.Add(t.Dir); err != nil {
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	if err := fsutil.WriteFileAtomic(reqPath, data, 0o600); err != nil {
		return false, fmt.Errorf("write request: %w", err)
	}
	t.Log.V(1).Info("permission requested", "id", id, "tool", toolName)

	resp, err := t.await(ctx, watcher, respPath)
	if err != nil {
		_ = os.Remove(reqPath)
		return false, err
	}
	_ = os.Remove(respPath)
	return resp.Approved, nil
}

func (t *Tool) await(ctx context.Context, watcher *fsnotify.Watcher, path string) (protocol.PermissionResponse, error) {
	wait := t.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		if resp, ok := readResponse(path); ok {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return protocol.PermissionResponse{}, fmt.Errorf("await response: %w", ctx.Err())
		case <-deadline.C:
			return protocol.PermissionResponse{}, errors.New("no permission response before deadline")
		case <-events:
		case <-ticker.C:
		}
	}
}

func readResponse(path string) (protocol.PermissionResponse, bool) {
	data, err := os.ReadFile(path) //nolint:gosec // path built from our own request id
	if err != nil {
		return protocol.PermissionResponse{}, false
	}
	var resp protocol.PermissionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.PermissionResponse{}, false
	}
	return resp, true
}

// verdict is the JSON shape the agent expects from a permission-prompt tool.
type verdict struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func allow(input json.RawMessage) string {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	data, _ := json.Marshal(verdict{Behavior: "allow", UpdatedInput: input})
	return string(data)
}

func deny(message string) string {
	data, _ := json.Marshal(verdict{Behavior: "deny", Message: message})
	return string(data)
}

// decide runs one approval_prompt call and returns the verdict text.
func (t *Tool) decide(ctx context.Context, args map[string]any) string {
	toolName, _ := args["tool_name"].(string)
	if toolName == "" {
		return deny("missing tool_name")
	}
	input, err := json.Marshal(args["input"])
	if err != nil || string(input) == "null" {
		input = json.RawMessage("{}")
	}

	approved, err := t.Ask(ctx, toolName, input)
	if err != nil {
		t.Log.Error(err, "permission request failed", "tool", toolName)
		return deny("Permission request failed: " + err.Error())
	}
	if !approved {
		return deny("Permission denied by operator")
	}
	return allow(input)
}

// Server builds the MCP server exposing the approval tool.
func (t *Tool) Server() *server.MCPServer {
	s := server.NewMCPServer(protocol.PermissionServerName, version.String())
	tool := mcp.NewTool(protocol.PermissionToolName,
		mcp.WithDescription("Ask the operator to approve a tool invocation."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Tool requesting permission")),
		mcp.WithObject("input", mcp.Description("Input the tool will run with")),
		mcp.WithString("tool_use_id", mcp.Description("Id of the tool_use block")),
	)
	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(t.decide(ctx, req.GetArguments())), nil
	})
	return s
}

// Serve speaks MCP over in/out until ctx is cancelled or in closes.
func (t *Tool) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(t.Server())
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve mcp: %w", err)
	}
	return nil
}
