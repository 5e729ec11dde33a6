// Package main is the entry point for kbd, the knowledge base daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/daemon"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

var (
	// Version is set at build time.
	Version = "dev"
	// BuildTime is set at build time.
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbd",
		Short: "kbd - knowledge base ingestion and retrieval daemon",
		Long: `kbd pulls documents from portal and website sources, ingests
uploads, maintains the vector index, and serves hybrid retrieval over a
Unix socket.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE:    runDaemon,
	}

	rootCmd.Flags().String("data-dir", "", "Data directory (default: ~/.kbsubsystem)")
	rootCmd.Flags().String("socket", "", "Unix socket path (default: ~/.kbsubsystem/kbd.sock)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "", "Log format: json, console")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if socket, _ := cmd.Flags().GetString("socket"); socket != "" {
		cfg.SocketPath = socket
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat, _ := cmd.Flags().GetString("log-format"); logFormat != "" {
		cfg.LogFormat = logFormat
	}

	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	d, err := daemon.New(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return d.Run()
}
