package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/seedvault/internal/config"
	"github.com/jkaninda/seedvault/internal/vault"
	"github.com/jkaninda/seedvault/internal/workload"
)

var (
	renderOutput string
	renderFormat string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the workload manifest from the references currently in the store",
	Long: `Render looks up the latest version of every secret the configured workloads
use and prints their references. It never writes to the store and never
reads secret values.`,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "-", "output file (- for stdout)")
	renderCmd.Flags().StringVar(&renderFormat, "format", "yaml", "manifest format (yaml or json)")
}

func runRender(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	if len(cfg.Workloads) == 0 {
		return fmt.Errorf("no workloads declared in config")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout())
	defer cancel()

	specs := workloadsFromConfig(cfg)
	refs, err := currentReferences(ctx, sc.Store, specs)
	if err != nil {
		return err
	}
	return writeManifest(cmd.OutOrStdout(), renderOutput, renderFormat, refs, specs)
}

// currentReferences looks up the latest reference of every secret used by specs.
func currentReferences(ctx context.Context, store vault.Store, specs []workload.Spec) (map[string]vault.Reference, error) {
	refs := make(map[string]vault.Reference)
	for _, spec := range specs {
		for _, name := range spec.Env {
			if _, ok := refs[name]; ok {
				continue
			}
			ref, err := store.Reference(ctx, name)
			if errors.Is(err, vault.ErrNotFound) {
				return nil, fmt.Errorf("secret %q has not been provisioned yet (run seedvault run first)", name)
			}
			if err != nil {
				return nil, fmt.Errorf("looking up secret %q: %w", name, err)
			}
			refs[name] = ref
		}
	}
	return refs, nil
}
