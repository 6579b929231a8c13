package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	"gatelink/pkg/config"
)

func main() {
	mode := flag.String("mode", "", "Run mode (send|health|sessions). Default: send")
	configPath := flag.String("config", "", "Config file path (default ~/.gatelink/config.yaml)")
	session := flag.String("session", "", "Session key (overrides config)")
	debugAddr := flag.String("http", "", "Enable HTTP debug server on specified address (e.g., ':6060')")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			logger.Error().Err(err).Msg("cannot resolve config path")
			os.Exit(1)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error().Err(err).Msg("config error")
		os.Exit(1)
	}
	if *session != "" {
		cfg.Gateway.Session = *session
	}

	switch *mode {
	case "send", "":
		if err := runSend(cfg, logger, *debugAddr, flag.Args(), os.Stdout); err != nil {
			logger.Error().Err(err).Msg("send error")
			os.Exit(1)
		}
	case "health":
		if err := runHealth(cfg, logger, os.Stdout); err != nil {
			logger.Error().Err(err).Msg("health error")
			os.Exit(1)
		}
	case "sessions":
		if err := runSessions(cfg, logger, os.Stdout); err != nil {
			logger.Error().Err(err).Msg("sessions error")
			os.Exit(1)
		}
	default:
		logger.Error().Str("mode", *mode).Str("valid_modes", "send|health|sessions").Msg("invalid mode")
		os.Exit(1)
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}
