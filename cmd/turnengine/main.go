// Package main provides the CLI entry point for the turn engine demo
// binary: a thin driver that wires every internal/turnengine collaborator
// together (durable session/pending-tool/permission-cache storage, the
// permission policy, tool dispatch, context packing, and Prometheus/OTel
// instrumentation) behind an interactive stdin/stdout loop.
//
// # Basic Usage
//
// Start an interactive session against an embedded SQLite database:
//
//	turnengine serve --db turnengine.db
//
// Point at Postgres/CockroachDB instead:
//
//	turnengine serve --dsn postgres://localhost:26257/turnengine?sslmode=disable
//
// Inspect or apply session-store schema migrations directly:
//
//	turnengine migrate status --db turnengine.db
//	turnengine migrate up --db turnengine.db
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/corvidlabs/turnengine/internal/learning"
	"github.com/corvidlabs/turnengine/internal/observability"
	"github.com/corvidlabs/turnengine/internal/sessions"
	"github.com/corvidlabs/turnengine/internal/turnengine"
	"github.com/corvidlabs/turnengine/pkg/models"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "turnengine",
		Short:   "turnengine - agentic turn-loop runtime",
		Long:    "turnengine drives a single conversational turn: provider round-trips, tool dispatch, durable permission suspension, and bounded budgets.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		dbPath string
		dsn    string
		agentName string
		model     string
		otlpEndpoint string
		metricsAddr  string
		allowedTools []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an interactive turn-loop session against stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				dbPath:       dbPath,
				dsn:          dsn,
				agent:        agentName,
				model:        model,
				otlpEndpoint: otlpEndpoint,
				metricsAddr:  metricsAddr,
				tools:        allowedTools,
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "turnengine.db", "path to the embedded SQLite database (ignored if --dsn is set)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres/CockroachDB connection string; overrides --db")
	cmd.Flags().StringVar(&agentName, "agent", "demo-agent", "agent identifier, scopes learning-store lookups")
	cmd.Flags().StringVar(&model, "model", "echo-1", "model identifier passed to the provider")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint; leave empty to disable tracing")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	cmd.Flags().StringSliceVar(&allowedTools, "tools", nil, "restrict the agent to this comma-separated list of tool names; empty means no restriction")

	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var dbPath, dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session store's schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "turnengine.db", "path to the embedded SQLite database (ignored if --dsn is set)")
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres/CockroachDB connection string; overrides --db")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, closeDB, err := openDatabase(dbPath, dsn)
				if err != nil {
					return err
				}
				defer closeDB()
				m, err := sessions.NewMigrator(db)
				if err != nil {
					return err
				}
				applied, err := m.Up(cmd.Context(), 0)
				if err != nil {
					return err
				}
				for _, id := range applied {
					slog.Info("applied migration", "id", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, closeDB, err := openDatabase(dbPath, dsn)
				if err != nil {
					return err
				}
				defer closeDB()
				m, err := sessions.NewMigrator(db)
				if err != nil {
					return err
				}
				applied, all, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				appliedIDs := map[string]bool{}
				for _, a := range applied {
					appliedIDs[a.ID] = true
					slog.Info("applied", "id", a.ID, "applied_at", a.AppliedAt)
				}
				for _, mig := range all {
					if !appliedIDs[mig.ID] {
						slog.Info("pending", "id", mig.ID)
					}
				}
				return nil
			},
		},
	)
	return cmd
}

func openDatabase(dbPath, dsn string) (*sql.DB, func(), error) {
	driver, source := "sqlite", dbPath
	if dsn != "" {
		driver, source = "postgres", dsn
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	return db, func() { db.Close() }, nil
}

type serveOptions struct {
	dbPath, dsn, agent, model, otlpEndpoint, metricsAddr string
	tools []string
}

func runServe(ctx context.Context, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openDatabase(opts.dbPath, opts.dsn)
	if err != nil {
		return err
	}
	defer closeDB()

	var sessionStore sessions.Store
	if opts.dsn != "" {
		sessionStore, err = sessions.NewCockroachStoreFromDSN(opts.dsn, nil)
	} else {
		sessionStore, err = sessions.NewSQLiteStoreFromDB(ctx, db)
	}
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	var pendingStore turnengine.PendingToolStore
	var cacheStore turnengine.PermissionCacheStore
	if opts.dsn != "" {
		pendingStore, err = turnengine.NewCockroachPendingToolStoreFromDB(ctx, db)
		if err == nil {
			cacheStore, err = turnengine.NewPostgresPermissionCacheStore(ctx, db)
		}
	} else {
		pendingStore, err = turnengine.NewSQLitePendingToolStoreFromDB(ctx, db)
		if err == nil {
			cacheStore, err = turnengine.NewSQLitePermissionCacheStore(ctx, db)
		}
	}
	if err != nil {
		return fmt.Errorf("open durable turn-engine stores: %w", err)
	}

	learnStore := learning.NewMemoryStore()
	store := turnengine.NewSessionStore(sessionStore, pendingStore, learnStore)

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "turnengine",
		ServiceVersion: version,
		Environment:    "demo",
		Endpoint:       opts.otlpEndpoint,
	})
	defer func() {
		_ = shutdownTracer(context.Background())
	}()
	instr := &turnengine.Instrumentation{Metrics: metrics, Tracer: tracer}

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr)
	}

	policy := turnengine.NewMemoryPolicyWithCache(turnengine.DefaultToolRule(), cacheStore)
	tools := turnengine.NewToolManager(policy)
	tools.Register(clockTool{})

	janitor := turnengine.NewPendingStateJanitor(pendingStore, turnengine.JanitorConfig{Logger: slog.Default()})
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("start pending-state janitor: %w", err)
	}
	defer janitor.Stop()

	ctxBuilder := turnengine.NewContextBuilder(turnengine.DefaultContextBuilderConfig(), nil, nil)

	loop := turnengine.NewTurnLoop(turnengine.TurnLoopConfig{
		Agent:           opts.agent,
		SystemPrompt:    "You are a terse demonstration assistant.",
		Model:           opts.model,
		Budgets:         func() *turnengine.TurnBudgets { return turnengine.NewTurnBudgets(8, 8, 32, 2*time.Minute) },
		Tools:           opts.tools,
		Instrumentation: instr,
	}, store, turnengine.NewInstrumentedProviderClient(newEchoProvider(), instr), tools, ctxBuilder, printEvent)

	session, err := sessionStore.GetOrCreate(ctx, "cli-session", opts.agent, models.ChannelAPI, "cli")
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	slog.Info("turnengine ready", "session", session.ID, "tools", tools.Names(), "allowed", opts.tools)
	fmt.Println("turnengine demo session. Type a message, or `use clock {}` to call the clock tool. Ctrl-D to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		incoming := &models.Message{
			ID:        fmt.Sprintf("msg-%d", time.Now().UnixNano()),
			SessionID: session.ID,
			Channel:   models.ChannelAPI,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   line,
			CreatedAt: time.Now(),
		}
		result, err := loop.StartTurn(ctx, session.ID, "", incoming)
		if err != nil {
			slog.Error("turn failed", "error", err)
			continue
		}
		for result.Status == turnengine.TurnPending {
			fmt.Printf("[permission] allow %s? (y/n) ", result.PendingTool.ToolCall.Name)
			if !scanner.Scan() {
				return nil
			}
			allow := scanner.Text() == "y"
			result, err = loop.ContinueAfterTool(ctx, session.ID, allow, turnengine.ScopeSession, "", false)
			if err != nil {
				slog.Error("resume turn failed", "error", err)
				break
			}
		}
		if result != nil && result.Status == turnengine.TurnCompleted {
			fmt.Printf("\n> %s\n", result.FinalText)
		}
	}
	return scanner.Err()
}

func printEvent(ev models.TurnEvent) {
	switch ev.Type {
	case models.TurnEventModelChunk:
		fmt.Print(ev.Text)
	case models.TurnEventToolStarted:
		fmt.Printf("\n[tool] %s started\n", ev.Tool)
	case models.TurnEventToolCompleted:
		fmt.Printf("[tool] %s completed\n", ev.Tool)
	case models.TurnEventError:
		fmt.Printf("\n[error] %s\n", ev.Message)
	}
}
