package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asap-proto/asap/pkg/authmw"
	"github.com/asap-proto/asap/pkg/config"
	"github.com/asap-proto/asap/pkg/delegation"
	"github.com/asap-proto/asap/pkg/envelope"
	"github.com/asap-proto/asap/pkg/mcptool"
	"github.com/asap-proto/asap/pkg/observability"
	"github.com/asap-proto/asap/pkg/ratelimit"
	"github.com/asap-proto/asap/pkg/server"
	"github.com/asap-proto/asap/pkg/storage"
)

type serveFlags struct {
	manifestPath string
	urn          string
	name         string
	corsOrigins  []string
	rpm          int
	burst        int
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ASAP HTTP server",
		Long: `serve starts the ASAP HTTP server: POST /asap dispatch,
GET /.well-known/asap/manifest.json, GET /asap/metrics, and — when a
delegation store is configured — the /asap/delegations routes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "path to a manifest JSON file (optional; a minimal manifest is synthesized from --urn/--name if absent)")
	cmd.Flags().StringVar(&flags.urn, "urn", "urn:asap:agent:local", "this agent's URN, used when --manifest is not given")
	cmd.Flags().StringVar(&flags.name, "name", "asap-agent", "this agent's human name, used when --manifest is not given")
	cmd.Flags().StringSliceVar(&flags.corsOrigins, "cors-origin", []string{"*"}, "allowed CORS origins")
	cmd.Flags().IntVar(&flags.rpm, "rate-limit-rpm", 600, "per-sender requests-per-minute limit")
	cmd.Flags().IntVar(&flags.burst, "rate-limit-burst", 60, "per-sender burst capacity")

	return cmd
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

func loadManifest(path, urn, name string) (*envelope.Manifest, error) {
	if path == "" {
		return &envelope.Manifest{
			URN:     urn,
			Name:    name,
			Version: "0.1.0",
			Capability: envelope.Capability{
				ASAPVersion:      envelope.ASAPProtocolVersion,
				Skills:           []envelope.Skill{{ID: "echo", Description: "echoes its input"}},
				StatePersistence: false,
				Streaming:        false,
				MCPTools:         []string{"echo"},
			},
			Endpoints: envelope.Endpoint{ASAP: "http://localhost:8443/asap"},
		}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m envelope.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// echoHandler answers every task.request, whatever its skill_id, with a
// completed task.response whose result wraps the request's input.
func echoHandler(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	var req envelope.TaskRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("echo: decode task.request: %w", err)
	}
	resp, err := envelope.New(env.Recipient, env.Sender, "task.response", envelope.TaskResponsePayload{
		Status: envelope.TaskCompleted,
		Result: map[string]any{"echoed": req.Input},
	})
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = env.ID
	return resp, nil
}

// builtinTools registers the MCP tools this agent exposes locally. Real
// deployments register their own; "echo" is kept here only so `send
// --payload-type mcp.tool_call` has something to call against a bare
// `serve` instance.
func builtinTools() (*mcptool.Registry, error) {
	tools := mcptool.NewRegistry()
	err := tools.Register("echo", map[string]any{
		"type":     "object",
		"required": []any{"message"},
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return args["message"], nil
	})
	return tools, err
}

func runServe(ctx context.Context, flags *serveFlags) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel)

	manifest, err := loadManifest(flags.manifestPath, flags.urn, flags.name)
	if err != nil {
		return err
	}

	tracing, err := observability.NewProvider(ctx, observability.TracingConfigFromEnv("asap-agent"))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	var db *sql.DB
	if cfg.StorageBackend == config.StorageSQLite {
		db, err = storage.Open(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var delegationRouter server.DelegationRouter
	if cfg.StorageBackend == config.StorageSQLite {
		delegStore, err := delegation.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("delegation store: %w", err)
		}
		keys := delegation.NewInMemoryKeySet()
		tm := delegation.NewTokenManager(keys, delegStore)
		// No OAuth2/JWKS validator is wired up for this standalone binary;
		// the bearer token is treated as the caller's URN directly so the
		// delegation routes are reachable for local testing and demos.
		validator := authmw.NewBearerValidator(func(_ context.Context, token string) (string, error) {
			return token, nil
		})
		router := delegation.NewRouter(tm, delegStore, delegation.BearerValidator(validator))
		delegationRouter = router.Mount
	}

	reqTotal := tracing.Metrics.Counter("asap_requests_total", "Total POST /asap requests by payload type and outcome.")
	reqLatency := tracing.Metrics.Histogram("asap_request_duration_seconds", "POST /asap handling latency in seconds.", observability.DefaultLatencyBuckets)

	srv := server.New(server.Config{
		Manifest:  manifest,
		Validator: envelope.NewValidator(),
		Limiter:   ratelimit.NewInMemoryStore(),
		Policy:    ratelimit.Policy{RPM: flags.rpm, Burst: flags.burst},
		Metrics:   tracing.Metrics,
		Observe: func(payloadType, outcome string, d time.Duration) {
			reqTotal.Inc(1, "payload_type", payloadType, "outcome", outcome)
			reqLatency.Observe(d.Seconds(), "payload_type", payloadType)
		},
		MountDelegations: delegationRouter,
		Logger:           logger,
	})
	srv.Registry().Register("task.request", echoHandler)

	tools, err := builtinTools()
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	srv.Registry().Register("mcp.tool_call", tools.HandleToolCall)

	var handler http.Handler = srv
	handler = authmw.CORS(flags.corsOrigins)(handler)
	handler = authmw.RequestID(handler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("asap-agent listening", "addr", cfg.ListenAddr, "urn", manifest.URN)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
