package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/eventlog"
	"github.com/secflow/engine/internal/orchestrator"
	"github.com/secflow/engine/internal/runner/inline"
	"github.com/secflow/engine/internal/telemetry"
	"github.com/secflow/engine/internal/toolgateway"
	"github.com/secflow/engine/internal/trigger"

	"github.com/secflow/engine/internal/artifacts"
)

// newTriggerCmd implements `secflowd trigger serve`: the long-lived daemon
// that runs the cron scheduler's polling loop and an HTTP listener for
// webhook deliveries, both converging on the same engineSubmitter (spec
// §4.K).
func newTriggerCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trigger",
		Short: "scheduled and webhook trigger daemon",
	}

	var (
		catalogFile string
		graphDir    string
		httpAddr    string
		sources     []string
		pollEvery   time.Duration
	)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the cron scheduler and webhook HTTP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := buildRegistry(cfg, catalogFile)
			if err != nil {
				return fmt.Errorf("build registry: %w", err)
			}

			db, err := openDB(cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			log := telemetry.New(cmd.OutOrStderr(), true)
			store := artifacts.NewStore(db, artifacts.NewMemoryBlobBackend())
			hub := eventlog.NewHub(eventlog.NewBunStore(db), log)

			eng := orchestrator.NewEngine(reg, hub, store)
			eng.Logger = log
			eng.Runners[domain.RunnerInline] = inline.New()
			if cfg.SessionTokenSecret != "" {
				if cfg.RedisAddr != "" {
					rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
					eng.Gateway = toolgateway.NewGatewayRedis(rdb, cfg.SessionTokenSecret, toolgateway.NewHTTPCaller())
				} else {
					eng.Gateway = toolgateway.NewGatewayMemory(cfg.SessionTokenSecret, toolgateway.NewHTTPCaller())
				}
			}

			submitter := newEngineSubmitter(eng, reg, graphDir, log)

			scheduleStore := trigger.NewBunScheduleStore(db)
			cronSched := trigger.NewCronScheduler(scheduleStore, submitter, log)
			go cronSched.Run(ctx, pollEvery)

			secret := cfg.WebhookMasterSecret
			if secret == "" {
				return fmt.Errorf("SECFLOW_WEBHOOK_MASTER_SECRET is required to serve webhook triggers")
			}
			webhookTrig := trigger.NewWebhookTrigger(submitter, secret, sources, log)

			mux := http.NewServeMux()
			mux.HandleFunc("/webhooks/{source}/{workflowId}", func(w http.ResponseWriter, r *http.Request) {
				handleWebhook(w, r, webhookTrig)
			})
			srv := &http.Server{Addr: httpAddr, Handler: mux}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "trigger daemon listening on %s (webhooks), polling cron every %s\n", httpAddr, pollEvery)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	serve.Flags().StringVar(&catalogFile, "catalog", "", "path to a YAML component catalog to seed the registry with")
	serve.Flags().StringVar(&graphDir, "graph-dir", "./workflows", "directory of <workflowId>.json graph documents")
	serve.Flags().StringVar(&httpAddr, "http-addr", ":8099", "webhook listener address")
	serve.Flags().StringSliceVar(&sources, "webhook-source", nil, "known webhook source name (repeatable)")
	serve.Flags().DurationVar(&pollEvery, "poll-interval", 30*time.Second, "cron tick interval")
	root.AddCommand(serve)
	return root
}

// handleWebhook reads the raw request body (the bytes the source's HMAC
// covers) from a /webhooks/{source}/{workflowId} request, carrying the
// delivery id, tenant id, and signature as headers the way GitHub/Stripe-
// style webhook senders do (spec §4.K).
func handleWebhook(w http.ResponseWriter, r *http.Request, trig *trigger.WebhookTrigger) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var inputs map[string]any
	if err := json.Unmarshal(body, &inputs); err != nil {
		inputs = map[string]any{"raw": string(body)}
	}

	handle, err := trig.Handle(r.Context(), trigger.WebhookDelivery{
		Source:     r.PathValue("source"),
		DeliveryID: r.Header.Get("X-Secflow-Delivery-Id"),
		WorkflowID: r.PathValue("workflowId"),
		TenantID:   r.Header.Get("X-Secflow-Tenant-Id"),
		Signature:  r.Header.Get("X-Secflow-Signature"),
		Body:       body,
		Inputs:     inputs,
	})
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"runId": handle.RunID})
	case err == trigger.ErrDuplicateDelivery:
		w.WriteHeader(http.StatusOK)
	case err == trigger.ErrBadSignature:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
