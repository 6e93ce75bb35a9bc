package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	dockerclient "github.com/docker/docker/client"

	"github.com/secflow/engine/internal/artifacts"
	"github.com/secflow/engine/internal/compiler"
	"github.com/secflow/engine/internal/domain"
	"github.com/secflow/engine/internal/eventlog"
	"github.com/secflow/engine/internal/orchestrator"
	"github.com/secflow/engine/internal/runner/container"
	"github.com/secflow/engine/internal/runner/inline"
	"github.com/secflow/engine/internal/telemetry"
	"github.com/secflow/engine/internal/toolgateway"
	"github.com/secflow/engine/internal/validator"
)

// newRunCmd implements `secflowd run <graph.json>`: compiles a graph and
// drives one Execution through the Orchestrator Core to completion
// in-process, printing the resulting node statuses and run outputs (spec
// §4.F). With SECFLOW_DATABASE_DSN set the Event Log and Artifact Store
// metadata persist to Postgres; without it the run executes against the
// in-memory stores, which is enough for local graph debugging.
func newRunCmd() *cobra.Command {
	var (
		catalogFile string
		workflowID  string
		tenantID    string
		inputsJSON  string
	)

	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "compile and execute a workflow graph locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			reg, err := buildRegistry(cfg, catalogFile)
			if err != nil {
				return fmt.Errorf("build registry: %w", err)
			}
			g, err := loadGraphFile(args[0])
			if err != nil {
				return err
			}
			res, err := validator.Validate(g, reg)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			if !res.OK() {
				return fmt.Errorf("graph has %d validation error(s); run `secflowd validate` for details", len(res.Errors))
			}
			plan, err := compiler.Compile(g, reg)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}

			if cfg.S3Bucket != "" {
				return fmt.Errorf("S3-backed artifact storage requires an AWS config loader not wired into the CLI yet; unset SECFLOW_S3_BUCKET to use in-memory blobs")
			}

			log := telemetry.New(cmd.OutOrStderr(), true)

			// With a database configured the run is durable; without one it
			// executes fully in-process, which is enough for local graph
			// debugging.
			var (
				store    *artifacts.Store
				eventSrc eventlog.Store
			)
			if cfg.DatabaseDSN != "" {
				db, err := openDB(cfg.DatabaseDSN)
				if err != nil {
					return err
				}
				defer db.Close()
				store = artifacts.NewStore(db, artifacts.NewMemoryBlobBackend())
				eventSrc = eventlog.NewBunStore(db)
			} else {
				store = artifacts.NewMemoryStore()
				eventSrc = eventlog.NewMemoryStore()
			}
			hub := eventlog.NewHub(eventSrc, log)

			eng := orchestrator.NewEngine(reg, hub, store)
			eng.Logger = log
			eng.Runners[domain.RunnerInline] = inline.New()
			if cfg.SessionTokenSecret != "" {
				eng.Gateway = toolgateway.NewGatewayMemory(cfg.SessionTokenSecret, toolgateway.NewHTTPCaller())
			}
			if cfg.ContainerEngineHost != "" {
				docker, err := dockerclient.NewClientWithOpts(dockerclient.WithHost(cfg.ContainerEngineHost), dockerclient.WithAPIVersionNegotiation())
				if err != nil {
					return fmt.Errorf("connect to container engine: %w", err)
				}
				eng.Runners[domain.RunnerContainer] = container.New(docker, store)
			}
			if cfg.MaxRunConcurrency > 0 {
				eng.MaxInFlight = cfg.MaxRunConcurrency
			}

			var inputs map[string]any
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parse --inputs: %w", err)
				}
			}

			run := domain.Run{
				ID:             uuid.NewString(),
				WorkflowID:     workflowID,
				PlanSignature:  plan.Signature,
				TenantID:       tenantID,
				Status:         domain.RunQueued,
				StartedAt:      time.Now().UTC(),
				TriggerKind:    "manual",
				TriggerPayload: inputs,
			}
			ex := domain.NewExecution(run)

			if err := eng.Run(ctx, plan, ex); err != nil {
				return fmt.Errorf("run: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s finished with status %s\n", ex.Run.ID, ex.Status())
			for ref, ne := range ex.NodeStates() {
				fmt.Fprintf(cmd.OutOrStdout(), "  node %-20s status=%-10s attempt=%d\n", ref, ne.Status, ne.Attempt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogFile, "catalog", "", "path to a YAML component catalog to seed the registry with")
	cmd.Flags().StringVar(&workflowID, "workflow-id", "local", "workflow id recorded on the run")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "local", "tenant id recorded on the run")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "JSON object of runtime inputs handed to the entrypoint node")
	return cmd
}
