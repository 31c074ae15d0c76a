package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v2"

	"transitsync/internal/config"
	"transitsync/internal/counters"
	"transitsync/internal/gtfs"
	"transitsync/internal/realtime"
	"transitsync/internal/ridership"
	"transitsync/internal/server"
)

var modeFlag = &cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "limit to one configured mode"}

func loadStaticCommand() *cli.Command {
	return &cli.Command{
		Name:  "load-static",
		Usage: "replace the static schedule graph of each mode",
		Flags: []cli.Flag{
			modeFlag,
			&cli.StringFlag{Name: "dir", Usage: "load this directory instead of the configured source (needs --mode)"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			modes, err := e.modes(c)
			if err != nil {
				return err
			}
			if dir := c.String("dir"); dir != "" {
				if c.String("mode") == "" {
					return errors.New("--dir needs --mode")
				}
				return gtfs.NewLoader(e.db, modes[0].Name, e.logger).Load(c.Context, dir)
			}

			// Reloads share the database write lock, so modes load one at a time.
			for _, m := range modes {
				if err := e.scheduler(m).Update(c.Context); err != nil {
					return fmt.Errorf("mode %s: %w", m.Name, err)
				}
			}
			return nil
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "ingest one live feed payload from a file, or stdin with -",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Required: true},
			&cli.StringFlag{Name: "kind", Value: "vehicle_positions", Usage: "vehicle_positions or trip_updates"},
			&cli.StringFlag{Name: "format", Usage: "json or protobuf (default: the mode's feed_format)"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			modes, err := e.modes(c)
			if err != nil {
				return err
			}
			m := modes[0]

			var kind realtime.Kind
			switch c.String("kind") {
			case "vehicle_positions":
				kind = realtime.VehiclePositions
			case "trip_updates":
				kind = realtime.TripUpdates
			default:
				return fmt.Errorf("unknown kind %q", c.String("kind"))
			}
			format := realtime.Format(m.FeedFormat)
			if f := c.String("format"); f != "" {
				format = realtime.Format(f)
			}

			payload, err := readInput(c.Args().First())
			if err != nil {
				return err
			}
			n, err := realtime.NewReconciler(e.db, m.Name, m.Location(), e.logger).Ingest(c.Context, kind, format, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%d %s rows ingested\n", n, kind)
			return nil
		},
	}
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "estimate ridership from the newest vehicle positions",
		Flags: []cli.Flag{
			modeFlag,
			&cli.Uint64Flag{Name: "seed", Usage: "random seed (default: time based)"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			modes, err := e.modes(c)
			if err != nil {
				return err
			}
			seed := c.Uint64("seed")
			if !c.IsSet("seed") {
				seed = uint64(time.Now().UnixNano())
			}

			p := pool.New().WithErrors().WithContext(c.Context)
			for i, m := range modes {
				est := ridership.NewEstimator(e.db, m.Name, m.VehicleCapacity, m.Location(), e.logger)
				rng := rand.New(rand.NewPCG(seed, uint64(i)))
				p.Go(func(ctx context.Context) error {
					if _, err := est.Run(ctx, rng); err != nil {
						return fmt.Errorf("mode %s: %w", m.Name, err)
					}
					return nil
				})
			}
			return p.Wait()
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "run one counter export cycle",
		Flags: []cli.Flag{
			&cli.TimestampFlag{Name: "date", Layout: time.DateOnly, Usage: "day to export (default: yesterday)"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			poller, err := e.counterPoller()
			if err != nil {
				return err
			}
			day := time.Now().In(e.cfg.Location()).AddDate(0, 0, -1)
			if d := c.Timestamp("date"); d != nil {
				day = *d
			}
			res, err := poller.RunOnce(c.Context, day)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%d channels, %d measures imported\n", res.Channels, res.Measures)
			return nil
		},
	}
}

func stationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stations",
		Usage: "poll the station feeds once",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			f, err := e.stationFetcher()
			if err != nil {
				return err
			}
			return f.PollOnce(c.Context)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run every configured task until interrupted",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var wg conc.WaitGroup
			for i, m := range e.cfg.Modes {
				sched := e.scheduler(m)
				if err := sched.EnsureData(ctx); err != nil {
					e.logger.Error("initial static load failed", "mode", m.Name, "error", err)
				}
				wg.Go(func() { sched.StartBackground(ctx) })

				if m.VehiclePositionsURL == "" && m.TripUpdatesURL == "" {
					continue
				}
				est := ridership.NewEstimator(e.db, m.Name, m.VehicleCapacity, m.Location(), e.logger)
				rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i)))
				fetcher := realtime.NewFetcher(
					realtime.NewReconciler(e.db, m.Name, m.Location(), e.logger),
					realtime.FetcherConfig{
						VehiclePositionsURL: m.VehiclePositionsURL,
						TripUpdatesURL:      m.TripUpdatesURL,
						Format:              realtime.Format(m.FeedFormat),
						Interval:            m.PollInterval,
						AfterVehicles: func(ctx context.Context) error {
							_, err := est.Run(ctx, rng)
							return err
						},
					},
					e.logger,
				)
				wg.Go(func() { fetcher.Start(ctx) })
			}

			if e.cfg.Stations != nil {
				f, err := e.stationFetcher()
				if err != nil {
					return err
				}
				wg.Go(func() { f.Start(ctx) })
			}
			if e.cfg.Counters != nil {
				poller, err := e.counterPoller()
				if err != nil {
					return err
				}
				wg.Go(func() { poller.Start(ctx) })
			}
			if e.cfg.Addr != "" {
				srv := server.New(e.cfg.Addr, e.db, e.logger)
				wg.Go(func() {
					if err := srv.ListenAndServe(ctx); err != nil {
						e.logger.Error("server error", "error", err)
						stop()
					}
				})
			}

			<-ctx.Done()
			e.logger.Info("shutting down")
			wg.Wait()
			return nil
		},
	}
}

func (e *env) scheduler(m config.ModeConfig) *gtfs.Scheduler {
	var dl *gtfs.Downloader
	if m.StaticURL != "" {
		dl = gtfs.NewDownloader(m.StaticURL, m.StaticDir, e.logger)
	}
	return gtfs.NewScheduler(m.Name, m.StaticDir, dl, e.db, m.Location(), e.logger)
}

func (e *env) counterPoller() (*counters.Poller, error) {
	cc := e.cfg.Counters
	if cc == nil {
		return nil, errors.New("no counters section configured")
	}
	client := counters.NewClient(counters.ClientConfig{
		BaseURL:           cc.BaseURL,
		Token:             cc.Token,
		Schema:            cc.Schema,
		Granularity:       cc.Granularity,
		ValidatedDataOnly: cc.ValidatedDataOnly,
		GapFilling:        cc.GapFilling,
		ValidateSchema:    cc.ValidateSchema,
	}, e.logger)
	loc := e.cfg.Location()
	return counters.NewPoller(client, counters.NewImporter(e.db, loc, e.logger), e.db,
		counters.PollerConfig{SiteIDs: cc.SiteIDs, Interval: cc.Interval}, loc, e.logger), nil
}

func (e *env) stationFetcher() (*realtime.StationFetcher, error) {
	sc := e.cfg.Stations
	if sc == nil {
		return nil, errors.New("no stations section configured")
	}
	return realtime.NewStationFetcher(
		realtime.NewStationReconciler(e.db, e.cfg.Location(), e.logger),
		realtime.StationFetcherConfig{InformationURL: sc.InformationURL, StatusURL: sc.StatusURL, Interval: sc.Interval},
		e.logger,
	), nil
}

func readInput(name string) ([]byte, error) {
	if name == "" || name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}
