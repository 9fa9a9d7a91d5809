// Command bos boots a kernel on a local SQLite database and exposes
// the core operations as subcommands: bootstrap a business, submit a
// command from JSON, verify a chain, replay projections.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/bos/core/pkg/clock"
	"github.com/Mindburn-Labs/bos/core/pkg/config"
	"github.com/Mindburn-Labs/bos/core/pkg/engine"
	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/kernel"
	"github.com/Mindburn-Labs/bos/core/pkg/replay"
	"github.com/Mindburn-Labs/bos/core/pkg/store"

	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "bootstrap":
		err = runBootstrap(cfg, os.Args[2:])
	case "submit":
		err = runSubmit(cfg, os.Args[2:])
	case "verify":
		err = runVerify(cfg, os.Args[2:])
	case "replay":
		err = runReplay(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bos <command> [flags]

commands:
  bootstrap  create and activate a business
  submit     submit a command from a JSON file
  verify     verify a business's hash chain
  replay     rebuild projections from the log`)
}

func logLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openKernel(cfg *config.Config) (*kernel.Kernel, func(), error) {
	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	es, err := store.NewSQLiteStore(db, nil, clock.System())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	snaps, err := store.NewSQLiteSnapshotStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	k, err := kernel.New(kernel.Options{
		Store:     es,
		Snapshots: snaps,
		RejectionAudit: config.StaticRejectionAudit{
			All: cfg.RejectionAudit,
		},
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	// Catch projections up with whatever the database already holds.
	return k, func() { _ = db.Close() }, nil
}

func runBootstrap(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	businessID := fs.String("business", "", "business id (generated when empty)")
	name := fs.String("name", "", "business display name")
	actor := fs.String("actor", "admin", "acting operator id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *businessID == "" {
		*businessID = uuid.NewString()
	}

	k, closeFn, err := openKernel(cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	steps := []struct {
		commandType string
		payload     map[string]any
	}{
		{engine.CmdBusinessCreate, map[string]any{"name": *name}},
		{engine.CmdRoleAssign, map[string]any{"actor_id": *actor, "role": "owner", "actor_type": "HUMAN"}},
		{engine.CmdBusinessActivate, map[string]any{}},
	}
	for _, s := range steps {
		outcome := k.Execute(ctx, &event.Command{
			CommandID:    uuid.NewString(),
			CommandType:  s.commandType,
			BusinessID:   *businessID,
			ActorType:    event.ActorSystem,
			ActorID:      *actor,
			IssuedAt:     time.Now().UTC(),
			Payload:      s.payload,
			SourceEngine: "core",
		})
		if !outcome.Accepted {
			return fmt.Errorf("%s rejected: %s", s.commandType, outcome.Rejection.Error())
		}
	}
	fmt.Println(*businessID)
	return nil
}

func runSubmit(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("file", "-", "command JSON file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return err
	}

	var cmd event.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}

	k, closeFn, err := openKernel(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	// Projections fold from the log before the command runs.
	if _, err := k.Rebuild(context.Background(), replay.Scope{BusinessID: cmd.BusinessID}); err != nil {
		return err
	}

	outcome := k.Execute(context.Background(), &cmd)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}

func runVerify(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	businessID := fs.String("business", "", "business id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *businessID == "" {
		return fmt.Errorf("-business is required")
	}

	k, closeFn, err := openKernel(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := k.VerifyChain(context.Background(), *businessID); err != nil {
		return err
	}
	fmt.Println("chain verified")
	return nil
}

func runReplay(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	businessID := fs.String("business", "", "business id")
	projections := fs.String("projections", "", "comma-separated projection names (all when empty)")
	fromSnapshot := fs.Bool("from-snapshot", false, "start from the newest snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *businessID == "" {
		return fmt.Errorf("-business is required")
	}

	k, closeFn, err := openKernel(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	scope := replay.Scope{BusinessID: *businessID, FromSnapshot: *fromSnapshot}
	if *projections != "" {
		scope.Projections = strings.Split(*projections, ",")
	}
	report, err := k.Rebuild(context.Background(), scope)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d events into %d projections in %s\n",
		report.EventsApplied, len(report.Projections), report.Duration)
	return nil
}
