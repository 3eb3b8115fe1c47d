package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	migrate "github.com/golang-migrate/migrate/v4"

	"github.com/noah-isme/lensa-payments/internal/config"
	"github.com/noah-isme/lensa-payments/internal/migrations"
	"github.com/noah-isme/lensa-payments/internal/obs"
)

func main() {
	steps := flag.Int("down", 0, "roll back this many migrations instead of applying")
	showVersion := flag.Bool("version", false, "print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "migrate").Logger()

	m, err := migrations.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise migrations")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Error().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrator")
		}
	}()

	switch {
	case *showVersion:
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info().Msg("no migrations applied")
			return
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("read schema version")
		}
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
	case *steps > 0:
		if err := m.Steps(-*steps); err != nil {
			logger.Fatal().Err(err).Int("steps", *steps).Msg("roll back migrations")
		}
		logger.Info().Int("steps", *steps).Msg("migrations rolled back")
	default:
		if err := migrations.Up(m); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Msg("migrations applied")
	}
}
