package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"transitsync/internal/config"
	"transitsync/internal/storage"

	_ "time/tzdata"
)

func main() {
	app := &cli.App{
		Name:  "transitsync",
		Usage: "keep a transit database in sync with static schedules, live feeds and counter exports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"TRANSITSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			loadStaticCommand(),
			ingestCommand(),
			estimateCommand(),
			exportCommand(),
			stationsCommand(),
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "transitsync:", err)
		os.Exit(1)
	}
}

// env is what every command needs: configuration, a logger and the database.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *storage.DB
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	db, err := storage.Open(cfg.DBPath, cfg.ModeNames(), logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

func (e *env) close() {
	if err := e.db.Close(); err != nil {
		e.logger.Error("close database", "error", err)
	}
}

// modes returns the configured modes, or only the one named by --mode.
func (e *env) modes(c *cli.Context) ([]config.ModeConfig, error) {
	name := c.String("mode")
	if name == "" {
		return e.cfg.Modes, nil
	}
	m, ok := e.cfg.Mode(name)
	if !ok {
		return nil, fmt.Errorf("mode %q is not configured (have: %s)", name, strings.Join(e.cfg.ModeNames(), ", "))
	}
	return []config.ModeConfig{m}, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: l,
	}))
}
