package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/server"
	"github.com/ehr/fhirserver/internal/tenant"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "In-memory FHIR server with topic-based subscriptions",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configFile string
	var tenants []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile, tenants)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a yaml config file")
	cmd.Flags().StringSliceVar(&tenants, "tenants", []string{"main"}, "Tenant names to serve")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runServer(configFile string, tenantNames []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(*cfg)

	var tenants []*tenant.Tenant
	for _, name := range tenantNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tn := tenant.New(name, *cfg, logger)
		if err := tn.Init(); err != nil {
			return fmt.Errorf("initializing tenant %s: %w", name, err)
		}
		defer tn.Close()
		tenants = append(tenants, tn)
		logger.Info().Str("tenant", name).Msg("tenant ready")
	}

	srv := server.New(*cfg, logger, tenants...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("fhir_version", cfg.FHIRVersion).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
