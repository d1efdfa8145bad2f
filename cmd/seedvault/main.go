// Seedvault provisions secrets, grants workloads access to them and
// publishes references.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/seedvault/internal/config"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h: the run failed but may
// succeed if retried later.
const exitTempFail = 75

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "seedvault",
	Short: "Seedvault provisions secrets and grants workloads access to them.",
	Long: `Seedvault materializes declared secrets, writes them to a versioned store,
grants the consuming identities access and waits for the grants to take
effect. Only references to the stored secrets are ever published.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, serveCmd, validateCmd, renderCmd, versionCmd)
	_ = godotenv.Load()
}

// exitError ends the process with a specific code and message, without the
// "fatal:" prefix.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, exit.msg)
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// resolvedConfigPath honors SEEDVAULT_CONFIG over the --config flag.
func resolvedConfigPath() string {
	return goutils.Env("SEEDVAULT_CONFIG", configPath)
}

func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(logLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
