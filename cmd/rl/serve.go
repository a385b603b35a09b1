package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"routeline/internal/engine"
	"routeline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serve the REST API, the live event stream and /metrics. Background work (notification workers, the stale sweeper, the ownership file watcher and audit webhooks) runs until shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			r, closeDB, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer closeDB()
			cfg, err := resolveConfig(ctx, r)
			if err != nil {
				return err
			}
			logger := cliLogger(cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ROUTELINE_JWT_SECRET is required for bearer auth")
			}
			e, err := engine.New(ctx, r.DB, cfg, engine.Options{Log: logger})
			if err != nil {
				return err
			}
			e.Start(ctx)
			defer e.Stop()
			hooks, err := server.StartWebhooks(ctx, r, cfg.Webhooks, logger)
			if err != nil {
				return err
			}
			defer func() {
				stop()
				hooks.Wait()
			}()

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("Serving Routeline API")
			fmt.Printf("Serving Routeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header")
	return cmd
}
