// Command mqstore-server runs the default storage stack as a standalone
// process: useful for smoke-testing the storage engines in isolation,
// or as the storage subsystem of a broker process that shells out to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gholt/mqstore/internal/config"
	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage/assemble"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	dataDir    string
	configFile string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:     "mqstore-server",
	Short:   "Run the mqstore tiered storage engine as a standalone process",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mqstore-server %s (%s)\n", Version, Commit))
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "storage data directory (required unless set via MQSTORE_DATA_DIR or --config)")
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warning, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs")
}

func run(cmd *cobra.Command, args []string) error {
	if dataDir != "" {
		// Load requires a data directory and derives the default DSN
		// from it, so the flag reaches it through the environment.
		if err := os.Setenv("MQSTORE_DATA_DIR", dataDir); err != nil {
			return err
		}
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data directory is required: pass --data-dir, MQSTORE_DATA_DIR, or --config")
	}

	log := mqlog.New(mqlog.Config{Level: mqlog.Level(logLevel), JSONOutput: logJSON})

	ctx := context.Background()
	store, err := assemble.Default(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("assembling storage stack: %w", err)
	}

	log.Infof("mqstore-server started, data_dir=%s", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	done := make(chan struct{})
	store.Shutdown(ctx, func() { close(done) })
	<-done
	log.Infof("shutdown complete")
	return nil
}
