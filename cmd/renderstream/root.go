package main

import (
	"os"

	"github.com/dkeye/renderstream/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "renderstream",
		Short:         "WebRTC render streaming client and development signaling relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("mode", "release", "release or debug")
	pf.Duration("ping-period", 0, "WebSocket ping period")
	pf.Int64("read-limit", 0, "maximum WebSocket frame size")

	root.AddCommand(newClientCmd(), newRelayCmd())
	return root
}

// loadConfig reads configuration with the command's flags layered on top and
// configures the global logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	log.Info().Str("module", "cmd").Str("mode", cfg.Mode).Str("log_level", cfg.Level().String()).Msg("config loaded")
	return cfg, nil
}
