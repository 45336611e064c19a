package cmd

import (
	"os"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "telemetry-adapter",
	Short: "Telemetry submission delivery pipeline",
	Long: `Telemetry adapter drains device telemetry submissions from a queue and
delivers their events in order to an append-only event log, at least once,
resuming where a previous attempt stopped.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.SetConfigFile(cfgFile)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig loads configuration and configures the global logger from it
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, err
	}
	if debug {
		cfg.Debug = true
	}

	setupLogging(cfg)
	return cfg, nil
}

// setupLogging configures zerolog from the logging section
func setupLogging(cfg config.Config) {
	if cfg.Environment == "development" || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
