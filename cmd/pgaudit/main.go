package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/mickamy/pgaudit"
	"github.com/mickamy/pgaudit/internal/config"
)

const usage = `usage: pgaudit <command> [flags] [args]

commands:
  install [-config audit.yaml] [table...]   create the activity schema and audit tables
  audit [-exclude a,b] <table>              audit a single table
  remove <table>                            stop auditing a table
  uninstall                                 drop the activity table and functions
  tail [-n 20] [-table name]                print recent activity as JSON lines
  demo                                      run a sample workload against a scratch table`

type command struct {
	name    string
	args    []string
	config  string
	exclude []string
	limit   int
	table   string
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New(usage)
	}
	cmd := command{name: args[0]}
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var exclude string
	switch cmd.name {
	case "install":
		fs.StringVar(&cmd.config, "config", "", "YAML file listing tables to audit")
	case "audit":
		fs.StringVar(&exclude, "exclude", "", "comma-separated columns to leave out")
	case "tail":
		fs.IntVar(&cmd.limit, "n", 20, "number of activities")
		fs.StringVar(&cmd.table, "table", "", "only show this table")
	case "remove", "uninstall", "demo":
	default:
		return command{}, fmt.Errorf("unknown command %q\n%s", cmd.name, usage)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return command{}, fmt.Errorf("%s: %w", cmd.name, err)
	}
	cmd.args = fs.Args()

	if exclude != "" {
		for _, c := range strings.Split(exclude, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cmd.exclude = append(cmd.exclude, c)
			}
		}
	}
	switch cmd.name {
	case "audit", "remove":
		if len(cmd.args) != 1 {
			return command{}, fmt.Errorf("%s: expected exactly one table", cmd.name)
		}
	case "tail":
		if cmd.limit <= 0 {
			return command{}, fmt.Errorf("tail: -n must be positive, got %d", cmd.limit)
		}
	}
	return cmd, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	mcfg := pgaudit.Config{SchemaName: cfg.SchemaName, Logger: log}
	if cfg.ActorTable != "" {
		mcfg.Actor = cfg.ActorTable
	}
	m := pgaudit.New(mcfg)

	log.Debug("running command", zap.String("command", cmd.name), zap.Strings("args", cmd.args))
	switch cmd.name {
	case "install":
		return install(ctx, db, m, cmd)
	case "audit":
		return m.AuditTable(ctx, db, cmd.args[0], pgaudit.AuditOptions{Exclude: cmd.exclude})
	case "remove":
		return m.RemoveAudit(ctx, db, cmd.args[0])
	case "uninstall":
		return m.Uninstall(ctx, db)
	case "tail":
		return tail(ctx, db, m, cmd, os.Stdout)
	case "demo":
		return demo(ctx, db, m, log, os.Stdout)
	}
	return nil
}

func install(ctx context.Context, db *sql.DB, m *pgaudit.Manager, cmd command) error {
	targets := make([]any, len(cmd.args))
	for i, a := range cmd.args {
		targets[i] = a
	}
	if err := m.Install(ctx, db, targets...); err != nil {
		return err
	}
	if cmd.config == "" {
		return nil
	}
	t, err := config.LoadTargets(cmd.config)
	if err != nil {
		return err
	}
	for _, tbl := range t.Tables {
		if err := m.AuditTable(ctx, db, tbl.Name, pgaudit.AuditOptions{Exclude: tbl.Exclude}); err != nil {
			return err
		}
	}
	return nil
}

func tail(ctx context.Context, db *sql.DB, m *pgaudit.Manager, cmd command, w io.Writer) error {
	acts, err := m.FindActivities(ctx, db, pgaudit.Filter{Table: cmd.table, Limit: cmd.limit})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i := len(acts) - 1; i >= 0; i-- {
		if err := enc.Encode(acts[i]); err != nil {
			return err
		}
	}
	return nil
}
