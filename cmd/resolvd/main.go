package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/resolvd/resolvd/internal/config"
	"github.com/resolvd/resolvd/internal/daemon"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "resolvd",
	Short: "Optimistic oracle resolution engine",
	Long:  "Drives oracle events through propose, liveness, dispute, finalize, and settle against the BNB chain.",
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the resolution engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}

			engine, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := engine.Start(ctx); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			cancel()
			return engine.Close()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (optional; env vars override)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("resolvd %s\n", version)
		},
	}
}

func main() {
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
