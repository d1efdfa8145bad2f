package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/seedvault/internal/config"
	"github.com/jkaninda/seedvault/internal/scheduler"
	"github.com/jkaninda/seedvault/internal/storage"
	"github.com/jkaninda/seedvault/internal/vault"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config without touching any backend",
	RunE:  runValidate,
}

func runValidate(_ *cobra.Command, _ []string) error {
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if cfg.Store.StoreBackend() == "sql" {
		if _, err := storage.NewSealer(cfg.Store.EncryptionKey); err != nil {
			return fmt.Errorf("store.encryption_key: %w", err)
		}
	}
	if n := cfg.Store.Network; n != nil {
		if _, err := vault.ParseNetworkPolicy(n.BypassTrustedPlatform, n.DefaultAction, n.AllowedOrigins); err != nil {
			return fmt.Errorf("store.network: %w", err)
		}
	}
	if _, err := initResolver(cfg); err != nil {
		return fmt.Errorf("secret_sources: %w", err)
	}

	fmt.Printf("config %s is valid\n", path)
	fmt.Printf("  secrets:       %d\n", len(cfg.Secrets))
	fmt.Printf("  bindings:      %d\n", len(cfg.Bindings))
	fmt.Printf("  workloads:     %d\n", len(cfg.Workloads))
	fmt.Printf("  preconditions: %d\n", len(cfg.Preconditions))
	fmt.Printf("  store:         %s\n", cfg.Store.StoreBackend())
	fmt.Printf("  access:        %s\n", cfg.Access.AccessBackend())

	if cfg.Schedule != nil {
		next, err := scheduler.ComputeNextRunFrom(cfg.Schedule.Cron, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		fmt.Printf("  next run:      %s\n", next.Format(time.RFC3339))
	}
	return nil
}
