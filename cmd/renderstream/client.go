package main

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/renderstream/internal/adapters/rtc"
	"github.com/dkeye/renderstream/internal/adapters/signal"
	"github.com/dkeye/renderstream/internal/app"
	"github.com/dkeye/renderstream/internal/config"
	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a streaming session against a signaling relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runClient(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("signaling-url", "http://localhost:8080", "relay address (http(s) for polling, ws(s) or --use-websocket for sockets)")
	f.Bool("use-websocket", false, "use the WebSocket signaling channel instead of HTTP polling")
	f.Duration("poll-interval", 0, "HTTP polling interval")
	f.Duration("start-timeout", 0, "how long to wait for the relay on start")
	f.StringSlice("ice-servers", nil, "STUN/TURN urls")
	f.String("data-channel-label", "data", "label of the data channel")
	f.Bool("polite", true, "hold offers until the relay assigns a role")
	f.Bool("initiator", true, "send the first offer")
	f.String("connection-id", "", "join this connection instead of opening a random one")
	f.Bool("receive-video", true, "offer to receive video")
	f.Bool("receive-audio", true, "offer to receive audio")
	return cmd
}

func runClient(ctx context.Context, cfg *config.Config) error {
	engines := rtc.NewFactory(rtc.Options{
		ICEServers:   cfg.ICEServers,
		Polite:       cfg.Polite,
		ReceiveVideo: cfg.ReceiveVideo,
		ReceiveAudio: cfg.ReceiveAudio,
	})
	sigCfg := signal.Config{
		URL:          cfg.SignalingURL,
		PollInterval: cfg.PollInterval,
		PingPeriod:   cfg.PingPeriod,
		ReadLimit:    cfg.ReadLimit,
		StartTimeout: cfg.StartTimeout,
	}
	channels := func(useWebSocket bool) core.SignalingChannel {
		return signal.New(sigCfg, useWebSocket)
	}

	sink := newStatsSink()
	ctl := app.NewSessionController(engines, channels, app.Options{
		DataChannelLabel: cfg.DataChannelLabel,
		Initiator:        cfg.Initiator,
		ConnectionID:     domain.ConnectionID(cfg.ConnectionID),
	}, sink)

	ctl.OnMessage(func(p []byte) {
		log.Info().Str("module", "cmd").Str("message", string(p)).Msg("data channel message")
	})
	lost := make(chan domain.ConnectionID, 1)
	ctl.OnDisconnect(func(id domain.ConnectionID) {
		select {
		case lost <- id:
		default:
		}
	})

	go readStdin(ctx, ctl)
	go sink.report(ctx, cfg.ReceiveVideo || cfg.ReceiveAudio)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if err := ctl.Start(ctx, cfg.UseWebSocket); err != nil {
			wait := bo.NextBackOff()
			log.Error().Err(err).Dur("retry_in", wait).Str("module", "cmd").Msg("start failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}
		bo.Reset()
		log.Info().Str("module", "cmd").Str("connection_id", string(ctl.ConnectionID())).
			Msg("session running; a second client joins with --connection-id")

		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ctl.Stop(stopCtx)
		case id := <-lost:
			log.Warn().Str("module", "cmd").Str("connection_id", string(id)).Msg("session lost, restarting")
		}
	}
}

// readStdin sends each line typed on stdin over the data channel.
func readStdin(ctx context.Context, ctl *app.SessionController) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !ctl.SendText(sc.Text()) {
			log.Warn().Str("module", "cmd").Msg("line not sent, data channel not open")
		}
	}
}
