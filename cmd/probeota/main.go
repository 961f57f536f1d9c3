// Probe OTA Core - firmware update orchestrator for BLE probes
//
// This is the main entry point. The core discovers probes through an MQTT
// BLE gateway, flashes them one at a time, and forces retries for devices
// left stuck in their bootloader.
//
// Usage:
//
//	probeota serve
//	probeota firmware add ./probe-1.4.0.bin --product probe --version 1.4.0
//	probeota firmware list --product probe
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"

	// configEnvVar names the config file when --config is not given.
	configEnvVar = "PROBEOTA_CONFIG"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand is the same as "serve".
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "probeota",
		Short:         "Firmware update orchestrator for BLE probes",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default $"+configEnvVar+" or "+defaultConfigPath+")")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile,
		"dotenv file loaded before the config; missing files are ignored")

	root.AddCommand(newServeCmd(opts), newFirmwareCmd(opts))
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, gateway bridge and HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

// loadEnvFile loads a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// loadConfig resolves the config path and loads it. A missing file at the
// default location falls back to built-in defaults; a missing file that was
// asked for explicitly is an error.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	path, explicit := opts.configPath, true
	if path == "" {
		path = os.Getenv(configEnvVar)
	}
	if path == "" {
		path, explicit = defaultConfigPath, false
	}

	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
			if vErr := cfg.Validate(); vErr != nil {
				return nil, "", fmt.Errorf("validating default config: %w", vErr)
			}
			return cfg, "", nil
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
