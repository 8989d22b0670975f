// mlsmeow - Group session orchestration over a membership-agnostic relay.
// Copyright (C) 2026 mlsmeow contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"

	"go.mau.fi/mlsmeow/config"
	"go.mau.fi/mlsmeow/pkg/directory"
	"go.mau.fi/mlsmeow/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	ConfigPath     string
	GenerateConfig bool
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "mlsmeow-server",
		Short:        "Key package directory and message relay",
		SilenceUsage: true,
		Example: `  # Write the example config and edit it
  mlsmeow-server -c config.yaml --generate-config

  # Run the server
  mlsmeow-server -c config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.GenerateConfig {
				return writeExampleConfig(f.ConfigPath)
			}
			cfg, err := config.Load(f.ConfigPath)
			if err != nil {
				return err
			}
			log := exerrors.Must(cfg.Logging.Compile())
			exzerolog.SetupDefaults(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(log.WithContext(ctx), cfg)
		},
	}
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "config.yaml", "configuration file")
	cmd.Flags().BoolVarP(&f.GenerateConfig, "generate-config", "g", false, "write the example config to the config path and exit")
	return cmd
}

func writeExampleConfig(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	_, err = file.WriteString(config.ExampleConfig)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Println("Wrote example config to", path)
	return nil
}

func openStore(ctx context.Context, cfg dbutil.Config) (directory.Store, func() error, error) {
	if cfg.Type == "memory" {
		return directory.NewMemoryStore(), func() error { return nil }, nil
	}
	log := zerolog.Ctx(ctx)
	db, err := dbutil.NewFromConfig("mlsmeow", cfg, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := directory.NewSQLStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "directory").Logger()))
	if err = store.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return store, db.Close, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log := zerolog.Ctx(ctx)
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Err(err).Msg("Failed to close key package store")
		}
	}()

	var reg prometheus.Registerer
	var metrics *MetricsHandler
	if cfg.Metrics.Enabled {
		metrics = NewMetricsHandler(cfg.Metrics.Listen, log.With().Str("component", "metrics").Logger())
		reg = metrics.Registry
	}

	dir := directory.New(store, log.With().Str("component", "directory").Logger(), reg)
	dirHandler := directory.NewHandler(dir)
	dirHandler.MaxPackageSize = cfg.Server.MaxPackageSize

	rel := relay.New(log.With().Str("component", "relay").Logger(), reg)
	rel.QueueSize = cfg.Server.PeerQueueSize
	rel.ReadLimit = cfg.Server.ReadLimit
	rel.WriteTimeout = cfg.Server.WriteTimeout

	router := mux.NewRouter()
	dirHandler.Register(router)
	if metrics != nil {
		metrics.SetDirectory(dir)
		if cfg.Metrics.Listen == "" {
			router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
		}
		metrics.Start()
		defer metrics.Stop()
	}
	rel.Register(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Listen).Msg("Starting server")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serverErr:
		rel.Close()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Err(err).Msg("Failed to shut down server cleanly")
	}
	rel.Close()
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
