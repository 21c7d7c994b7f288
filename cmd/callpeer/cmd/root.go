package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/peercall/internal/config"
)

var (
	flagConfig      string
	flagParticipant string
	flagAudio       string
	flagVideo       string
	flagRecord      bool
	flagNoAudio     bool
)

var rootCmd = &cobra.Command{
	Use:   "callpeer",
	Short: "Headless peer for two-party calls",
	Long: `callpeer joins a two-party call through the shared room store and
streams media from ogg/ivf files. Remote media can be recorded to disk.

Examples:
  callpeer create --audio voice.ogg
  callpeer join 6f1c... --video clip.ivf --record`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	pf.StringVar(&flagParticipant, "participant", "", "participant id (random when empty)")
	pf.StringVar(&flagAudio, "audio", "", "ogg/opus file to send as microphone")
	pf.StringVar(&flagVideo, "video", "", "ivf/vp8 file to send as camera")
	pf.BoolVar(&flagNoAudio, "no-audio", false, "do not offer an audio track")
	pf.BoolVar(&flagRecord, "record", false, "record remote media under recordings_dir")

	rootCmd.AddCommand(createCmd, joinCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, nil
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM hangs up.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
