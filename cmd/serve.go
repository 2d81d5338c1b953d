package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/jurishealth/internal/api"
	"github.com/sells-group/jurishealth/internal/award"
	"github.com/sells-group/jurishealth/internal/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the expiry sweep and health checker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		orch, err := initOrchestrator(ctx, env, cfg.Ingest.Resume)
		if err != nil {
			return err
		}

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}
		sweep, _ := cmd.Flags().GetDuration("sweep-interval")

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.New(api.Deps{
				Store:       env.Store,
				Bidding:     env.Bidding,
				Arbiter:     env.Arbiter,
				Ingest:      orch,
				Metrics:     env.Metrics,
				CORSOrigins: cfg.Server.CORSOrigins,
			}).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), env.Alerter, cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			runExpirySweep(gctx, env.Arbiter, sweep)
			return nil
		})
		g.Go(func() error {
			zap.L().Info("api server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "serve")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// runExpirySweep expires and closes due cases every interval until ctx is
// cancelled.
func runExpirySweep(ctx context.Context, arb *award.Arbiter, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := arb.ExpireDue(ctx, time.Now().UTC())
			if err != nil {
				zap.L().Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if len(res.Expired)+len(res.Closed)+len(res.Failed) > 0 {
				zap.L().Info("expiry sweep",
					zap.Int("expired", len(res.Expired)),
					zap.Int("closed", len(res.Closed)),
					zap.Int("failed", len(res.Failed)),
				)
			}
		}
	}
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (defaults to server.port)")
	serveCmd.Flags().Duration("sweep-interval", 10*time.Minute, "how often to expire and close due cases")
	rootCmd.AddCommand(serveCmd)
}
