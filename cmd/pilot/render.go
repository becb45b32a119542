package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"pilot/pkg/checkpoint"
	"pilot/pkg/protocol"
)

// theme holds the styles of the chat transcript.
type theme struct {
	Text    lipgloss.Style
	Muted   lipgloss.Style
	Tool    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

func colorTheme() theme {
	return theme{
		Text:    lipgloss.NewStyle(),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

func plainTheme() theme {
	s := lipgloss.NewStyle()
	return theme{Text: s, Muted: s, Tool: s, Success: s, Warning: s, Error: s}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

const summaryLimit = 120

// renderer prints supervisor and broker callbacks as a line-oriented
// transcript. It implements supervisor.Sink and permission.Notifier.
type renderer struct {
	mu    sync.Mutex
	out   io.Writer
	theme theme
}

func newRenderer(out io.Writer) *renderer {
	th := plainTheme()
	if isTerminal(out) && os.Getenv("NO_COLOR") == "" {
		th = colorTheme()
	}
	return &renderer{out: out, theme: th}
}

func (r *renderer) println(style lipgloss.Style, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, style.Render(fmt.Sprintf(format, args...)))
}

func (r *renderer) Event(ev protocol.StreamEvent) {
	switch ev.Kind {
	case protocol.EventSystemInit:
		r.println(r.theme.Muted, "● session %s (%s, %d tools)", ev.SessionID, orDash(ev.Model), len(ev.Tools))
	case protocol.EventText:
		if ev.Thinking {
			r.println(r.theme.Muted, "thinking: %s", ev.Body)
			return
		}
		r.println(r.theme.Text, "%s", ev.Body)
	case protocol.EventToolUse:
		r.println(r.theme.Tool, "→ %s %s", orDash(ev.ToolName), summarize(string(ev.Input)))
	case protocol.EventToolResult:
		style := r.theme.Muted
		if ev.IsError {
			style = r.theme.Error
		}
		r.println(style, "← %s", summarize(ev.Content))
	case protocol.EventUsage:
		if ev.Usage == nil || ev.Totals == nil {
			return
		}
		r.println(r.theme.Muted, "  tokens %d in / %d out · $%.4f (session $%.4f)",
			ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.Cost, ev.Totals.Cost)
	case protocol.EventResult:
		style := r.theme.Success
		if ev.IsError {
			style = r.theme.Error
		}
		var total float64
		if ev.Totals != nil {
			total = ev.Totals.Cost
		}
		r.println(style, "✓ done in %s · session $%.4f", ev.Duration.Round(100*time.Millisecond), total)
	case protocol.EventUnparsed:
		r.println(r.theme.Text, "%s", ev.RawLine)
	}
}

func (r *renderer) Processing(active bool) {
	if active {
		r.println(r.theme.Muted, "… working")
	}
}

func (r *renderer) Error(err error) {
	r.println(r.theme.Error, "error: %v", err)
}

func (r *renderer) Info(msg string) {
	r.println(r.theme.Muted, "%s", msg)
}

func (r *renderer) Checkpoint(cp checkpoint.Checkpoint) {
	r.println(r.theme.Muted, "checkpoint %s %s", shortID(cp.ID), cp.Message)
}

func (r *renderer) PermissionRequested(req protocol.PermissionRequest) {
	r.println(r.theme.Warning, "permission %s: %s %s", req.ID, req.ToolName, summarize(string(req.Input)))
	r.println(r.theme.Muted, "  /allow %[1]s · /always %[1]s · /deny %[1]s", req.ID)
}

func (r *renderer) PermissionResolved(id string, d protocol.Decision, src protocol.DecisionSource) {
	r.println(r.theme.Muted, "permission %s %s (%s)", id, d, src)
}

// summarize flattens s to one line of at most summaryLimit runes.
func summarize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= summaryLimit {
		return s
	}
	return string(runes[:summaryLimit]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
