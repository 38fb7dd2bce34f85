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

	"github.com/spf13/cobra"

	cfgpkg "github.com/ComUnity/edge-service/internal/config"
	"github.com/ComUnity/edge-service/internal/loader"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

var version = "development"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "edge",
		Short:        "A/B redirect router, tracking producer and CRM webhook receiver",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("EDGE_CONFIG"), "path to the YAML config file")

	for _, app := range []struct{ name, short string }{
		{cfgpkg.AppRouter, "Serve slug redirects and published pages"},
		{cfgpkg.AppProducer, "Accept tracking events and queue them"},
		{cfgpkg.AppWebhook, "Receive signed CRM webhooks"},
	} {
		name := app.name
		root.AddCommand(&cobra.Command{
			Use:   name,
			Short: app.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), name, configPath)
			},
		})
	}
	return root
}

func run(parent context.Context, app, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := cfgpkg.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger.ReplaceGlobal(&logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
		Output:   cfg.Logger.Output,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveSecrets(ctx, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(app); err != nil {
		return fmt.Errorf("invalid %s config: %w", app, err)
	}

	a, err := loader.Build(ctx, app, cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", app, err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Port),
		Handler:      a.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("Starting HTTP server", "app", app, "addr", srv.Addr, "version", version, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			logger.Errorf("%s server error: %v", app, err)
		}
	case <-ctx.Done():
		logger.Infof("Shutting down %s...", app)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("Server shutdown error: %v", serr)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Background.DrainTimeout)
	defer cancelDrain()
	if derr := a.Pool.Wait(drainCtx); derr != nil {
		logger.Warnf("%d background tasks still running at exit: %v", a.Pool.InFlight(), derr)
	}

	if cerr := a.Close(); cerr != nil {
		logger.Errorf("failed to close %s dependencies: %v", app, cerr)
	}
	logger.Infof("%s stopped", app)
	return err
}

func resolveSecrets(ctx context.Context, cfg *cfgpkg.Config) error {
	usesSM, usesSSM := cfgpkg.SecretReferences(cfg)
	if !usesSM && !usesSSM {
		return nil
	}

	var src cfgpkg.SecretSources
	if usesSM {
		l, err := cfgpkg.NewSecretsManagerSource(ctx)
		if err != nil {
			return fmt.Errorf("failed to create secrets manager loader: %w", err)
		}
		src.SecretsManager = l
	}
	if usesSSM {
		l, err := cfgpkg.NewSSMSource(ctx)
		if err != nil {
			return fmt.Errorf("failed to create SSM loader: %w", err)
		}
		src.SSM = l
	}
	return cfgpkg.ResolveSecrets(ctx, cfg, src)
}
