package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinelops/aegis/internal/app"
	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/detection"
	"github.com/sentinelops/aegis/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	demoMode   bool
)

var rootCmd = &cobra.Command{
	Use:     "aegis",
	Short:   "Aegis - autonomous network-defense pipeline",
	Long:    `Aegis ingests packets, scores flows, enriches suspicious flows with threat intelligence, and executes gated containment actions.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Aegis %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aegis.yaml", "path to the configuration file")
	rootCmd.Flags().BoolVar(&demoMode, "demo", false, "run against the synthetic packet source with a seeded attack burst")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "aegis"})
	log.Info().Str("version", Version).Str("bus", cfg.Bus.Transport).Msg("Starting Aegis")

	opts := app.Options{}
	if demoMode {
		source := detection.NewSyntheticSource(time.Now().UnixNano(), 20*time.Millisecond, time.Now())
		source.InjectBurst("203.0.113.7", "10.0.0.5", 500, 2048)
		opts.Source = source
		log.Info().Msg("Demo mode: synthetic traffic with one injected burst")
	}

	a, err := app.New(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
