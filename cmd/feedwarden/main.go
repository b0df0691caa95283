// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Feedwarden periodically retrieves RSS and Atom feeds, deduplicates their
articles and delivers new ones to webhook destinations.

Usage:

	feedwarden [flags...] <command> [args...]

Available commands:

  - run: start the engine and serve the admin API until interrupted
  - once: run a single cycle of every schedule, then exit
  - feeds: list configured subscriptions and their schedule assignments
  - reenable <url>: re-enable a link disabled after repeated failures

Configuration is a Starlark file, see the config package documentation
for its schema.
*/
package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/feedwarden/feedwarden/internal/admin"
	"github.com/feedwarden/feedwarden/internal/cli"
	"github.com/feedwarden/feedwarden/internal/config"
	"github.com/feedwarden/feedwarden/internal/cycle"
	"github.com/feedwarden/feedwarden/internal/engine"
	"github.com/feedwarden/feedwarden/internal/fetch"
	"github.com/feedwarden/feedwarden/internal/health"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/web"
)

func main() { cli.Main(new(app)) }

type app struct {
	configPath string
	storeDSN   string
	redisURL   string
	adminAddr  string
	strategy   string
	shard      int
	shards     int
	coord      bool
	batchSize  int
	poolSize   int
	failLimit  int
	dry        bool

	cfg *config.Config
	log *logger.Logger
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.configPath, "c", "", "Path to the configuration `file`.")
	fs.StringVar(&a.storeDSN, "store", "", "Comparison store `DSN`: mem, file:<path>, sqlite:<path> or a postgres:// URL.")
	fs.StringVar(&a.redisURL, "redis", "", "Redis `URL` backing the failure tracker and shard coordination.")
	fs.StringVar(&a.adminAddr, "addr", "", "Admin API listen `address`.")
	fs.StringVar(&a.strategy, "strategy", "", "Cycle strategy: sequential, isolated or pool.")
	fs.IntVar(&a.shard, "shard", 0, "This process's shard index.")
	fs.IntVar(&a.shards, "shards", 1, "Total number of shards in the fleet.")
	fs.BoolVar(&a.coord, "coordinator", false, "Run the fleet coordinator in this process.")
	fs.IntVar(&a.batchSize, "batch", 0, "Maximum number of link groups per batch.")
	fs.IntVar(&a.poolSize, "pool", 0, "Number of concurrent batches under the pool strategy.")
	fs.IntVar(&a.failLimit, "fail-limit", health.DefaultFailLimit, "Consecutive fetch failures before a link is disabled.")
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: log actions, but don't deliver articles or save state.")
}

func (a *app) Run(ctx context.Context, env *cli.Env) error {
	a.configPath = cmp.Or(a.configPath, env.Getenv("FEEDWARDEN_CONFIG"))
	a.storeDSN = cmp.Or(a.storeDSN, env.Getenv("FEEDWARDEN_STORE"), "mem")
	a.redisURL = cmp.Or(a.redisURL, env.Getenv("FEEDWARDEN_REDIS"))
	a.adminAddr = cmp.Or(a.adminAddr, env.Getenv("FEEDWARDEN_ADDR"), "localhost:3000")
	a.strategy = cmp.Or(a.strategy, env.Getenv("FEEDWARDEN_STRATEGY"), "sequential")
	if a.shards <= 1 {
		if n := parseInt(env.Getenv("FEEDWARDEN_SHARDS")); n > 1 {
			a.shards = n
		}
	}

	if a.log == nil {
		a.log = logger.New(env.Stderr)
	}
	if a.dry {
		a.log.Level.Set(slog.LevelDebug)
	}
	ctx = logger.With(ctx, a.log)

	if a.configPath == "" {
		return fmt.Errorf("%w: configuration file is required (-c or $FEEDWARDEN_CONFIG)", cli.ErrInvalidArgs)
	}
	src, err := os.ReadFile(a.configPath)
	if err != nil {
		return err
	}
	if a.cfg, err = config.Parse(a.configPath, string(src), env.Logf); err != nil {
		return err
	}

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}

	switch command := env.Args[0]; command {
	case "run":
		return a.serve(ctx)
	case "once":
		return a.withEngine(ctx, func(e *engine.Engine) error {
			return e.RunOnce(ctx)
		})
	case "feeds":
		return a.listFeeds(ctx, env.Stdout)
	case "reenable":
		if len(env.Args) != 2 {
			return fmt.Errorf("%w: reenable command expects a feed URL", cli.ErrInvalidArgs)
		}
		return a.withEngine(ctx, func(e *engine.Engine) error {
			return e.Reenable(ctx, env.Args[1])
		})
	case "worker":
		return a.worker(ctx, env)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

func (a *app) engineOptions() (engine.Options, error) {
	strategy, err := parseStrategy(a.strategy)
	if err != nil {
		return engine.Options{}, err
	}
	opts := engine.Options{
		Config:      a.cfg,
		StoreDSN:    a.storeDSN,
		RedisURL:    a.redisURL,
		Shard:       a.shard,
		Shards:      a.shards,
		Coordinator: a.coord,
		Strategy:    strategy,
		BatchSize:   a.batchSize,
		PoolSize:    a.poolSize,
		FailLimit:   a.failLimit,
		DryRun:      a.dry,
	}
	if strategy != cycle.Sequential {
		bin, err := os.Executable()
		if err != nil {
			return engine.Options{}, fmt.Errorf("resolving worker binary: %w", err)
		}
		opts.WorkerBin = bin
		args := []string{"-c", a.configPath, "-store", a.storeDSN}
		if a.dry {
			args = append(args, "-dry")
		}
		opts.WorkerArgs = append(args, "worker")
	}
	return opts, nil
}

func (a *app) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	opts, err := a.engineOptions()
	if err != nil {
		return err
	}
	e, err := engine.New(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// serve runs the engine alongside the admin API until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	return a.withEngine(ctx, func(e *engine.Engine) error {
		errc := make(chan error, 1)
		go func() {
			errc <- web.ListenAndServe(ctx, &web.ListenAndServeConfig{
				Addr: a.adminAddr,
				Mux:  admin.Handler(e),
			})
		}()
		if err := e.Run(ctx); err != nil {
			return err
		}
		return <-errc
	})
}

func (a *app) listFeeds(ctx context.Context, w io.Writer) error {
	return a.withEngine(ctx, func(e *engine.Engine) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tURL\tSCHEDULE\tDISABLED")
		for _, sub := range e.Subscriptions() {
			schedule, _ := e.Assignment(sub.ID)
			disabled, err := e.Tracker().IsDisabled(ctx, sub.URL)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", sub.ID, sub.URL, schedule, disabled)
		}
		return tw.Flush()
	})
}

// worker processes one batch received on stdin and reports results on
// stdout. It is spawned by the engine under the isolated and pool
// strategies and is not meant to be invoked by hand.
func (a *app) worker(ctx context.Context, env *cli.Env) error {
	fs := flag.NewFlagSet("feedwarden worker", flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	scheduleName := fs.String("schedule", "", "Schedule this batch belongs to.")
	if err := fs.Parse(env.Args[1:]); err != nil {
		return err
	}

	st, err := engine.OpenStore(ctx, a.storeDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	p := &cycle.Processor{
		Fetcher:  fetch.NewClient(nil, 0),
		Store:    st,
		Defaults: a.cfg.Defaults,
		DryRun:   a.dry,
	}
	for _, def := range a.cfg.Schedules {
		if def.Name == *scheduleName {
			p.ScheduleDefaults = def.Defaults
		}
	}
	return cycle.RunWorker(ctx, env.Stdin, env.Stdout, p)
}

func parseStrategy(s string) (cycle.Strategy, error) {
	switch s {
	case "", "sequential":
		return cycle.Sequential, nil
	case "isolated":
		return cycle.Isolated, nil
	case "pool":
		return cycle.Pool, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", cli.ErrInvalidArgs, s)
}

func parseInt(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}
