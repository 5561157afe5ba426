package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanepo/MQTTScanner/internal/api"
	"github.com/hanepo/MQTTScanner/internal/application"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scanner as a REST API service",
	Long: `Serve the dashboard endpoints under /api/v1 and the scan job API under
/api/scan. Flags override the server section of the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)
		if err := applyServeFlags(cmd, appCtx); err != nil {
			return err
		}

		c, err := appCtx.container()
		if err != nil {
			return err
		}
		defer c.Close()

		scans := c.ScanService(appCtx.Dialer)
		defer scans.Jobs().Close()
		defer scans.Shutdown()

		server := newAPIServer(c, scans, appCtx.logger())
		defer server.Close()

		cfg := appCtx.Config.Server
		httpServer := &http.Server{
			Addr:         cfg.Addr,
			Handler:      server,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // job streams stay open
			IdleTimeout:  120 * time.Second,
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveUntilDone(ctx, cmd, httpServer, cfg.ShutdownTimeout)
	},
}

func applyServeFlags(cmd *cobra.Command, appCtx *AppContext) error {
	flags := cmd.Flags()
	cfg := &appCtx.Config.Server
	applyStringOverride(flags, "addr", &cfg.Addr)
	applyStringOverride(flags, "api-key", &cfg.APIKey)
	applyIntOverride(flags, "rate-limit", &cfg.RateLimit)
	applyIntOverride(flags, "rate-burst", &cfg.RateBurst)
	applyDurationOverride(flags, "shutdown-timeout", &cfg.ShutdownTimeout)
	if changedFlag(flags, "cors-origins") != nil {
		cfg.CORSOrigins, _ = flags.GetStringSlice("cors-origins")
	}
	if err := appCtx.Config.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func newAPIServer(c *application.Container, scans *api.ScanService, logger *zap.Logger) *api.Server {
	cfg := c.Config
	apiCfg := api.Config{
		Capture:      c.Orchestrator,
		Clients:      c.Registry,
		Scans:        scans,
		APIKey:       cfg.Server.APIKey,
		HistoryLimit: cfg.Storage.HistoryLimit,
		Logger:       logger.Named("api"),
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
	}
	if c.History != nil {
		apiCfg.History = c.History
	}
	return api.NewServer(apiCfg)
}

func serveUntilDone(ctx context.Context, cmd *cobra.Command, httpServer *http.Server, shutdownTimeout time.Duration) error {
	out := cmd.OutOrStdout()
	serverErrors := make(chan error, 1)
	go func() {
		fmt.Fprintf(out, "%s API server listening on %s\n", colorInfo("→"), httpServer.Addr)
		fmt.Fprintf(out, "%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintf(out, "\n%s Shutting down...\n", colorInfo("→"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		if closeErr := httpServer.Close(); closeErr != nil {
			return fmt.Errorf("failed to gracefully shutdown server: %w (close error: %v)", err, closeErr)
		}
		return fmt.Errorf("failed to gracefully shutdown server: %w", err)
	}
	fmt.Fprintf(out, "%s Server shutdown complete\n", colorInfo("✓"))
	return nil
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("addr", "", "address for the API server (default server.addr)")
	flags.String("api-key", "", "shared secret required in X-API-KEY")
	flags.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	flags.StringSlice("cors-origins", nil, "allowed CORS origins (empty = allow all)")
	flags.Int("rate-limit", 0, "requests per second per IP (0 = disabled)")
	flags.Int("rate-burst", 0, "rate limit burst size")
}

func init() {
	addServeFlags(serveCmd.Flags())
}
