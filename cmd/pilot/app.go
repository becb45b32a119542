package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"pilot/pkg/checkpoint"
	"pilot/pkg/config"
	"pilot/pkg/pricing"
	"pilot/pkg/store"
)

// app is the resolved runtime environment of one pilot invocation.
type app struct {
	paths *config.Paths
	cfg   config.Config
	ws    *config.Workspace
	log   logr.Logger
}

func loadApp(flags *globalFlags, stderr io.Writer) (*app, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.model != "" {
		cfg.Model = flags.model
	}
	if flags.yolo {
		cfg.YOLO = true
	}

	root := flags.workspace
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("get working dir: %w", err)
		}
	}
	ws, err := paths.Workspace(root)
	if err != nil {
		return nil, err
	}

	return &app{paths: paths, cfg: cfg, ws: ws, log: newLogger(stderr, flags.verbose)}, nil
}

// newLogger writes key=value log lines to w. Errors and V(0) lines are
// always shown; -v raises the verbosity.
func newLogger(w io.Writer, verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		ts := time.Now().Format("15:04:05")
		if prefix != "" {
			fmt.Fprintf(w, "%s %s: %s\n", ts, prefix, args)
			return
		}
		fmt.Fprintf(w, "%s %s\n", ts, args)
	}, funcr.Options{Verbosity: verbosity})
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(a.paths.StateDBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	st, err := store.Open(ctx, a.paths.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return st, nil
}

func (a *app) recorder(st *store.Store) *checkpoint.Recorder {
	var log checkpoint.Log
	if st != nil {
		log = st.Checkpoints(a.ws.Key)
	}
	return checkpoint.NewRecorder(&checkpoint.ExecGitRunner{}, a.ws.BackupDir, a.ws.Root, log, a.log)
}

func (a *app) pricing() pricing.Table {
	path := a.cfg.PricingFile
	if path == "" {
		path = a.paths.PricingPath
	}
	table, err := pricing.LoadFile(path)
	if err != nil {
		a.log.Error(err, "load pricing overrides; using built-in prices", "path", path)
		return pricing.DefaultTable()
	}
	return table
}
