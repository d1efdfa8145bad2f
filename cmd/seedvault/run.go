package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/seedvault/internal/config"
	"github.com/jkaninda/seedvault/internal/provision"
	"github.com/jkaninda/seedvault/internal/vault"
	"github.com/jkaninda/seedvault/internal/workload"
)

var (
	runRenderPath   string
	runRenderFormat string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one provisioning run and print the secret references",
	Long: `Run materializes, stores and binds every declared secret, then waits for
the grants to take effect. On success the references are printed to stdout.

Exit status is 0 when the run is ready, 1 on failure and 75 when the failure
is transient and the run may be retried.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runRenderPath, "render", "", "write the workload manifest to this file on success (- for stdout)")
	runCmd.Flags().StringVar(&runRenderFormat, "format", "yaml", "workload manifest format (yaml or json)")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sc.initOrchestrator(ctx); err != nil {
		return err
	}

	req, err := buildRequest(ctx, cfg, sc.Resolver)
	if err != nil {
		var runErr *provision.RunError
		if errors.As(err, &runErr) {
			_, err = sc.Orchestrator.Abort(ctx, provision.Request{Trigger: "cli"}, runErr)
		}
		return runFailure(err)
	}
	req.Trigger = "cli"

	run, err := sc.Orchestrator.Execute(ctx, req)
	if err != nil {
		return runFailure(err)
	}
	logger.Info("provisioning run ready",
		slog.String("run_id", run.ID.String()),
		slog.Int("secrets", len(run.References)),
		slog.Int("bindings", len(run.Bindings)),
	)

	if err := printReferences(cmd.OutOrStdout(), run.References); err != nil {
		return err
	}
	if runRenderPath != "" {
		if err := writeManifest(cmd.OutOrStdout(), runRenderPath, runRenderFormat, run.References, workloadsFromConfig(cfg)); err != nil {
			return fmt.Errorf("rendering workloads: %w", err)
		}
	}
	return nil
}

// runFailure maps a failed run to its exit status.
func runFailure(err error) error {
	var runErr *provision.RunError
	if !errors.As(err, &runErr) {
		return err
	}
	code := 1
	if runErr.Transient() {
		code = exitTempFail
	}
	return &exitError{code: code, msg: "failed: " + runErr.Error()}
}

func printReferences(w io.Writer, refs map[string]vault.Reference) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		References map[string]vault.Reference `yaml:"references"`
	}{refs}); err != nil {
		return fmt.Errorf("encoding references: %w", err)
	}
	return enc.Close()
}

// writeManifest renders specs against refs to path, or to stdout for "-".
func writeManifest(stdout io.Writer, path, format string, refs map[string]vault.Reference, specs []workload.Spec) error {
	manifests, err := workload.Render(refs, specs)
	if err != nil {
		return err
	}
	if path == "-" {
		return workload.Encode(stdout, manifests, format)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := workload.Encode(f, manifests, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
