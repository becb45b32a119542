package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pilot/pkg/approvaltool"
	"pilot/pkg/checkpoint"
	"pilot/pkg/metrics"
	"pilot/pkg/permission"
	"pilot/pkg/protocol"
	"pilot/pkg/supervisor"
)

// chatConfig holds configuration for the chat command.
type chatConfig struct {
	fresh       bool
	metricsAddr string
}

// newChatCmd creates the "pilot chat" subcommand.
func newChatCmd(flags *globalFlags) *cobra.Command {
	var cfg chatConfig

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in this workspace",
		Long: "Reads messages from stdin, one per line, and runs each as an agent turn.\n" +
			"Commands: /stop, /new, /plan, /think <level|off>, /allow <id>, /always <id>,\n" +
			"/deny <id>, /pending, /checkpoints, /restore <id>, /status, /quit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.metricsAddr == "" {
				cfg.metricsAddr = a.cfg.MetricsAddr
			}
			return runChat(cmd.Context(), a, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&cfg.fresh, "new", false, "start a new session instead of resuming the last one")
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runChat(ctx context.Context, a *app, cfg chatConfig, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.ws.Ensure(); err != nil {
		return err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.metricsAddr != "" {
		go func() {
			if err := serveMetrics(ctx, cfg.metricsAddr, reg); err != nil {
				a.log.Error(err, "metrics server stopped", "addr", cfg.metricsAddr)
			}
		}()
	}

	r := newRenderer(out)

	broker := permission.NewBroker(permission.NewRuleStore(a.ws.RulesPath), r, a.log)
	broker.SetTimeout(a.cfg.PermissionTimeout)
	broker.SetMetrics(m)
	defer broker.Shutdown()

	if !a.cfg.YOLO {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate pilot executable: %w", err)
		}
		if err := approvaltool.WriteConfig(a.ws.MCPConfigPath, exe, a.ws.PermissionsDir); err != nil {
			return err
		}
		go func() {
			if err := broker.Watch(ctx, a.ws.PermissionsDir); err != nil {
				a.log.Error(err, "permission broker stopped")
			}
		}()
	}

	recorder := a.recorder(st)
	mode, err := defaultMode(a)
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Config{
		Executable:    a.cfg.Executable,
		Model:         a.cfg.Model,
		WorkDir:       a.ws.Root,
		YOLO:          a.cfg.YOLO,
		MCPConfigPath: a.ws.MCPConfigPath,
		KillGrace:     a.cfg.KillGrace,
	}, r, supervisor.Options{
		Recorder: recorder,
		Sessions: st.Sessions(a.ws.Key),
		Pricing:  a.pricing(),
		Metrics:  m,
		Log:      a.log,
	})

	if !cfg.fresh {
		id, err := sup.Resume(ctx)
		if err != nil {
			a.log.Error(err, "resume last session")
		} else if id != "" {
			r.Info("Resuming session " + id)
		}
	}

	c := &chat{sup: sup, broker: broker, recorder: recorder, out: r, mode: mode, log: a.log}
	err = c.loop(ctx, in)

	sup.StopTurn()
	waitCtx, waitCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*a.cfg.KillGrace)
	defer waitCancel()
	_ = sup.Wait(waitCtx)
	return err
}

func defaultMode(a *app) (supervisor.Mode, error) {
	level, err := supervisor.ParseThinking(a.cfg.Thinking)
	if err != nil {
		return supervisor.Mode{}, fmt.Errorf("config: %w", err)
	}
	return supervisor.Mode{Plan: a.cfg.Plan, Thinking: level}, nil
}

// chat dispatches operator input lines.
type chat struct {
	sup      *supervisor.Supervisor
	broker   *permission.Broker
	recorder *checkpoint.Recorder
	out      *renderer
	mode     supervisor.Mode
	log      logr.Logger
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the operator quit.
func (c *chat) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, arg, isCommand := parseCommand(line)
	if !isCommand {
		c.send(ctx, strings.TrimPrefix(line, "/")) // "//text" sends "/text"
		return false
	}

	switch name {
	case "quit", "exit":
		return true
	case "stop":
		c.sup.StopTurn()
	case "new":
		c.sup.NewSession()
	case "plan":
		c.mode.Plan = !c.mode.Plan
		c.out.Info(fmt.Sprintf("Plan mode %s", onOff(c.mode.Plan)))
	case "think":
		level, err := supervisor.ParseThinking(arg)
		if err != nil {
			c.out.Error(err)
			return false
		}
		c.mode.Thinking = level
		c.out.Info(fmt.Sprintf("Thinking %s", orDash(string(level))))
	case "allow", "always", "deny":
		c.resolve(name, arg)
	case "pending":
		pending := c.broker.Pending()
		if len(pending) == 0 {
			c.out.Info("No pending permission requests")
		}
		for _, req := range pending {
			c.out.PermissionRequested(req)
		}
	case "checkpoints":
		c.listCheckpoints(ctx)
	case "restore":
		c.restore(ctx, arg)
	case "status":
		c.status()
	case "help":
		c.out.Info("/stop /new /plan /think <level|off> /allow|/always|/deny <id> /pending /checkpoints /restore <id> /status /quit")
	default:
		c.out.Error(fmt.Errorf("unknown command /%s (try /help)", name))
	}
	return false
}

func (c *chat) send(ctx context.Context, text string) {
	err := c.sup.StartTurn(ctx, text, c.mode)
	switch {
	case errors.Is(err, protocol.ErrTurnActive):
		c.out.Error(errors.New("the agent is still working; /stop it or wait"))
	case err != nil:
		// Spawn failures were already reported through the sink.
		c.log.V(1).Info("turn did not start", "err", err.Error())
	}
}

func (c *chat) resolve(verb, id string) {
	if id == "" {
		c.out.Error(fmt.Errorf("usage: /%s <request-id>", verb))
		return
	}
	approved := verb != "deny"
	if err := c.broker.Resolve(id, approved, verb == "always"); err != nil {
		c.out.Error(err)
	}
}

func (c *chat) listCheckpoints(ctx context.Context) {
	cps, err := c.recorder.List(ctx)
	if err != nil {
		c.out.Error(err)
		return
	}
	if len(cps) == 0 {
		c.out.Info("No checkpoints yet")
	}
	for _, cp := range cps {
		c.out.Info(fmt.Sprintf("%s  %s  %s", shortID(cp.ID), cp.Timestamp.Local().Format("Jan 02 15:04"), cp.Message))
	}
}

func (c *chat) restore(ctx context.Context, id string) {
	if id == "" {
		c.out.Error(errors.New("usage: /restore <checkpoint-id>"))
		return
	}
	if c.sup.IsActive() {
		c.out.Error(errors.New("stop the running turn before restoring"))
		return
	}
	if err := c.recorder.Restore(ctx, id); err != nil {
		c.out.Error(err)
		return
	}
	c.out.Info("Restored checkpoint " + shortID(id))
}

func (c *chat) status() {
	s := c.sup.Session()
	t := s.Totals()
	c.out.Info(fmt.Sprintf("session %s · %s · %d requests · %d in / %d out · $%.4f · plan %s · thinking %s",
		orDash(s.ID()), s.State(), t.Requests, t.InputTokens, t.OutputTokens, t.Cost,
		onOff(c.mode.Plan), orDash(string(c.mode.Thinking))))
}

// parseCommand splits "/name arg" input. Lines not starting with "/" are
// messages for the agent.
func parseCommand(line string) (name, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
