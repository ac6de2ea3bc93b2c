// Package main provides the flowrun binary: a worker that consumes
// execution jobs from NATS, a local runner for workflow files, and an
// enqueue command for publishing jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/knowledge"
	"github.com/dshills/flowrun-go/flow/model"
	"github.com/dshills/flowrun-go/flow/model/anthropic"
	"github.com/dshills/flowrun-go/flow/model/google"
	"github.com/dshills/flowrun-go/flow/model/openai"
	"github.com/dshills/flowrun-go/flow/nodes"
	"github.com/dshills/flowrun-go/flow/store"
	"github.com/dshills/flowrun-go/worker"
)

const (
	appName = "flowrun"
	version = "0.1.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow execution engine",
		Long: `Flowrun executes DAG workflows of typed nodes: LLM calls, HTTP
requests, transforms, knowledge retrieval, evaluations, and memory
operations.

The worker subcommand consumes execution jobs from a NATS JetStream
work queue and persists execution history; run executes a workflow
file locally; enqueue publishes a job for a stored workflow.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(workerCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(enqueueCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	})
	return cmd
}

// envOr returns the environment value for key, or fallback when unset.
// Flags default to the env value, so a flag set on the command line wins.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// newLogger builds the process logger. Worker logs are structured JSON on
// stderr; stdout stays free for the run command's table output.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// engineConfig collects the knobs shared by the worker and run commands.
type engineConfig struct {
	verbose              bool
	waveParallelism      int
	maxRetrievals        int
	maxRetrievalFailures int
	maxRetrievalMs       int64
}

func addEngineFlags(cmd *cobra.Command, cfg *engineConfig) {
	cmd.Flags().BoolVar(&cfg.verbose, "verbose", false, "Emit node lifecycle events to stderr")
	cmd.Flags().IntVar(&cfg.waveParallelism, "wave-parallelism", 1, "Concurrent nodes per wave")
	cmd.Flags().IntVar(&cfg.maxRetrievals, "max-retrievals",
		envIntOr("FLOWRUN_MAX_RETRIEVALS", flow.DefaultMaxRequests), "Retrieval request budget per execution")
	cmd.Flags().IntVar(&cfg.maxRetrievalFailures, "max-retrieval-failures",
		envIntOr("FLOWRUN_MAX_RETRIEVAL_FAILURES", flow.DefaultMaxFailures), "Retrieval failure budget per execution")
	cmd.Flags().Int64Var(&cfg.maxRetrievalMs, "max-retrieval-ms",
		envInt64Or("FLOWRUN_MAX_RETRIEVAL_MS", flow.DefaultMaxDurationMs), "Retrieval time budget per execution (ms)")
}

// buildEngine assembles an engine with the built-in nodes, the env-keyed
// provider selector, and an in-memory knowledge index.
func buildEngine(logger zerolog.Logger, cfg engineConfig, metrics *flow.PrometheusMetrics) (*flow.Engine, error) {
	selector := model.NewSelector(model.EnvKeyResolver{},
		model.WithFactory(model.ProviderOpenAI, openai.New),
		model.WithFactory(model.ProviderAnthropic, anthropic.New),
		model.WithFactory(model.ProviderGoogle, google.New),
		model.WithFallbackLogger(logger),
	)

	registry := flow.NewRegistry()
	index := knowledge.NewMemIndex()
	if err := nodes.RegisterBuiltins(registry, nodes.Deps{
		Models:    selector,
		Knowledge: index,
	}); err != nil {
		return nil, fmt.Errorf("register node types: %w", err)
	}

	opts := []flow.Option{
		flow.WithKnowledge(index),
		flow.WithRetrievalBudgets(cfg.maxRetrievals, cfg.maxRetrievalFailures, cfg.maxRetrievalMs),
	}
	if metrics != nil {
		opts = append(opts, flow.WithMetrics(metrics))
	}
	if cfg.waveParallelism > 1 {
		opts = append(opts, flow.WithWaveParallelism(cfg.waveParallelism))
	}
	if cfg.verbose {
		opts = append(opts, flow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)))
	}
	return flow.New(registry, opts...)
}

// jobStore is what the worker and enqueue commands need beyond the
// engine-facing Store interface: seeding workflows and execution rows.
type jobStore interface {
	store.Store
	SaveWorkflow(ctx context.Context, rec *store.WorkflowRecord) error
	CreateExecution(ctx context.Context, executionID, workflowID, userID string) error
}

// openStore routes a DATABASE_URL to its backend: postgres:// and
// postgresql:// to Postgres, mysql:// (or a native user@tcp(...) DSN) to
// MySQL, anything else to a SQLite file path.
func openStore(dsn string) (jobStore, error) {
	switch {
	case dsn == "":
		return nil, fmt.Errorf("no database configured; set DATABASE_URL or --database")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return store.NewPostgresStore(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		return store.NewMySQLStore(strings.TrimPrefix(dsn, "mysql://"))
	case strings.Contains(dsn, "@tcp("):
		return store.NewMySQLStore(dsn)
	default:
		return store.NewSQLiteStore(dsn)
	}
}

func workerCmd() *cobra.Command {
	var (
		cfg         engineConfig
		natsURL     string
		databaseURL string
		slots       int
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume and execute workflow jobs from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)

			st, err := openStore(databaseURL)
			if err != nil {
				return err
			}
			defer st.Close()

			metrics := flow.NewPrometheusMetrics()
			engine, err := buildEngine(logger, cfg, metrics)
			if err != nil {
				return err
			}

			queue, err := worker.NewQueue(natsURL, worker.QueueConfig{}, logger)
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := queue.EnsureStream(ctx); err != nil {
				return err
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
				server := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			logger.Info().
				Str("version", version).
				Str("nats", natsURL).
				Int("slots", slots).
				Bool("masterKeyConfigured", os.Getenv("MASTER_ENCRYPTION_KEY") != "").
				Msg("worker starting")

			handler := worker.NewHandler(st, engine, logger)
			if err := queue.Consume(ctx, handler.Handle, slots); err != nil {
				return err
			}
			logger.Info().Msg("worker stopped")
			return nil
		},
	}

	addEngineFlags(cmd, &cfg)
	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&databaseURL, "database", os.Getenv("DATABASE_URL"), "Database URL or SQLite path")
	cmd.Flags().IntVar(&slots, "slots", 4, "Concurrent executions")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", envOr("FLOWRUN_METRICS_ADDR", ":9090"), "Prometheus listen address (empty disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		cfg         engineConfig
		triggerJSON string
		userID      string
		executionID string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Execute a workflow file locally and print the step table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read workflow file: %w", err)
			}
			wf, err := flow.ParseWorkflow(data)
			if err != nil {
				return err
			}

			trigger, err := parseTrigger(triggerJSON)
			if err != nil {
				return err
			}
			if executionID == "" {
				executionID = uuid.NewString()
			}

			logger := newLogger("warn")
			engine, err := buildEngine(logger, cfg, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result := engine.Execute(ctx, flow.RunRequest{
				ExecutionID:    executionID,
				WorkflowID:     wf.ID,
				UserID:         userID,
				Workflow:       wf,
				TriggerPayload: trigger,
			})

			printStepTable(os.Stdout, result)
			if result.Status != flow.ExecutionCompleted {
				return fmt.Errorf("execution %s: %s", result.Status, result.ErrorMessage)
			}
			return nil
		},
	}

	addEngineFlags(cmd, &cfg)
	cmd.Flags().StringVar(&triggerJSON, "trigger", "", "Trigger payload as JSON")
	cmd.Flags().StringVar(&userID, "user", "", "User ID for key resolution and knowledge scoping")
	cmd.Flags().StringVar(&executionID, "execution-id", "", "Execution ID (default: random UUID)")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var (
		natsURL     string
		databaseURL string
		triggerJSON string
		userID      string
		executionID string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <workflow-id>",
		Short: "Publish an execution job for a stored workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			trigger, err := parseTrigger(triggerJSON)
			if err != nil {
				return err
			}
			if executionID == "" {
				executionID = uuid.NewString()
			}

			st, err := openStore(databaseURL)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Reject unknown workflows here rather than letting the worker
			// burn a delivery on a job that can never run.
			if _, err := st.LoadWorkflow(ctx, workflowID); err != nil {
				return fmt.Errorf("workflow %s: %w", workflowID, err)
			}
			if err := st.CreateExecution(ctx, executionID, workflowID, userID); err != nil {
				return err
			}

			queue, err := worker.NewQueue(natsURL, worker.QueueConfig{}, newLogger("warn"))
			if err != nil {
				return err
			}
			defer queue.Close()
			if err := queue.EnsureStream(ctx); err != nil {
				return err
			}
			if err := queue.Publish(ctx, worker.Job{
				ExecutionID:    executionID,
				WorkflowID:     workflowID,
				TriggerPayload: trigger,
				UserID:         userID,
			}); err != nil {
				return err
			}

			fmt.Println(executionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&databaseURL, "database", os.Getenv("DATABASE_URL"), "Database URL or SQLite path")
	cmd.Flags().StringVar(&triggerJSON, "trigger", "", "Trigger payload as JSON")
	cmd.Flags().StringVar(&userID, "user", "", "User ID to run the execution as")
	cmd.Flags().StringVar(&executionID, "execution-id", "", "Execution ID (default: random UUID)")
	return cmd
}

func parseTrigger(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var trigger map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &trigger); err != nil {
		return nil, fmt.Errorf("invalid trigger JSON: %w", err)
	}
	return trigger, nil
}

// printStepTable renders the execution outcome: one row per step, then the
// final status and the LLM usage summary when the run made any calls.
func printStepTable(w *os.File, result *flow.ExecutionResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTYPE\tSTATUS\tATTEMPTS\tDURATION\tDETAIL")
	for _, step := range result.Steps {
		detail := step.Error
		if detail == "" && len(step.Output) > 0 {
			if route, ok := flow.AsString(step.Output["_route"]); ok && route != "" {
				detail = "route=" + route
			}
		}
		attempts := len(step.Attempts)
		if attempts == 0 && step.Status != flow.StepSkipped {
			attempts = 1
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dms\t%s\n",
			step.NodeID, step.NodeType, step.Status, attempts, step.DurationMs, detail)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nStatus: %s (%d steps, %dms)\n",
		result.Status, len(result.Steps), result.TotalDurationMs)
	if result.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", result.ErrorMessage)
	}
	if result.Context == nil {
		return
	}
	if usage, ok := flow.AsMap(result.Context.Knowledge["llm.usage"]); ok {
		tokens, _ := flow.AsInt(usage["totalTokens"])
		cost, _ := flow.AsFloat(usage["estimatedCostUsd"])
		fmt.Fprintf(w, "LLM usage: %d tokens, $%.4f estimated\n", tokens, cost)
	}
}
