package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	router "github.com/dkeye/renderstream/internal/adapters/http"
	"github.com/dkeye/renderstream/internal/adapters/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development signaling relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			srv := relay.NewServer(relay.Config{
				ReadLimit:    cfg.ReadLimit,
				PingPeriod:   cfg.PingPeriod,
				RateLimit:    cfg.Relay.RateLimit,
				RateInterval: cfg.Relay.RateInterval,
				SessionTTL:   cfg.Relay.SessionTTL,
			})
			return serveRelay(cmd.Context(), cfg.Mode, cfg.Relay.Port, srv)
		},
	}

	f := cmd.Flags()
	f.Int("relay.port", 8080, "listen port")
	f.Int("relay.rate-limit", 200, "messages per session per interval, 0 disables")
	f.Duration("relay.rate-interval", 10*time.Second, "rate limit window")
	return cmd
}

func serveRelay(ctx context.Context, mode string, port int, srv *relay.Server) error {
	addr := fmt.Sprintf(":%d", port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, mode, srv),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "cmd").Str("addr", addr).Msg("relay started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("module", "cmd").Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("module", "cmd").Msg("Relay exited gracefully")
	return nil
}
