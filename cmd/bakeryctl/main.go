package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/bakehouse/books/cmd/bakeryctl/cli"
	"github.com/bakehouse/books/internal/app"
	"github.com/bakehouse/books/internal/platform/cache"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/internal/shared"
	"github.com/bakehouse/books/jobs"
)

const usage = `usage: bakeryctl <command> [flags]

commands:
  close-books    close a day's production books now (--date YYYY-MM-DD, --force, --json)
  enqueue-close  queue a close-books run for the worker (--date, --force)
  queue-stats    print job queue statistics
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(cli.ExitFailed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(cli.ExitFailed)
	}
	logger := app.NewLogger(cfg)

	var code int
	switch os.Args[1] {
	case "close-books":
		code = closeBooks(ctx, cfg, logger, os.Args[2:])
	case "enqueue-close":
		code = enqueueClose(ctx, cfg, os.Args[2:])
	case "queue-stats":
		code = queueStats(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = cli.ExitFailed
	}
	stop()
	os.Exit(code)
}

type dateFlags struct {
	date  string
	force bool
	json  bool
}

func parseDateFlags(name string, args []string, withJSON bool) (dateFlags, error) {
	var f dateFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.date, "date", "", "day to close (YYYY-MM-DD), defaults to today in BUSINESS_TZ")
	fs.BoolVar(&f.force, "force", false, "recompute a day that is already closed")
	if withJSON {
		fs.BoolVar(&f.json, "json", false, "print the report as JSON")
	}
	return f, fs.Parse(args)
}

func resolveDate(cfg *app.Config, raw string) (time.Time, error) {
	if raw != "" {
		return shared.ParseDay(raw)
	}
	loc, err := cfg.Location()
	if err != nil {
		return time.Time{}, err
	}
	return shared.TruncateDay(time.Now().In(loc)), nil
}

func closeBooks(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	flags, err := parseDateFlags("close-books", args, true)
	if err != nil {
		return cli.ExitFailed
	}
	date, err := resolveDate(cfg, flags.date)
	if err != nil {
		fmt.Fprintf(os.Stderr, "close-books: %v\n", err)
		return cli.ExitFailed
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
		return cli.ExitFailed
	}
	defer pool.Close()

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable; closing under row lock only", slog.Any("error", err))
	} else {
		redisClient = client
		defer redisClient.Close()
	}

	deps := app.ServiceDeps{Config: cfg, Pool: pool, Redis: redisClient, Logger: logger}
	if redisClient != nil {
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close()
		deps.Publisher = jobs.NewEventPublisher(client, logger)
	}
	services := app.NewServices(deps)

	books, err := cli.NewBooksCLI(services.Production, cfg.SystemActorID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitFailed
	}
	return books.CloseCommand(ctx, cli.CloseOptions{
		Date:       date,
		Force:      flags.force,
		JSONOutput: flags.json,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	})
}

func enqueueClose(ctx context.Context, cfg *app.Config, args []string) int {
	flags, err := parseDateFlags("enqueue-close", args, false)
	if err != nil {
		return cli.ExitFailed
	}
	var date time.Time
	if flags.date != "" {
		if date, err = shared.ParseDay(flags.date); err != nil {
			fmt.Fprintf(os.Stderr, "enqueue-close: %v\n", err)
			return cli.ExitFailed
		}
	}
	ops := cli.NewJobsCLI(cfg.RedisAddr)
	defer ops.Close()
	info, err := ops.EnqueueClose(ctx, date, flags.force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue-close: %v\n", err)
		return cli.ExitFailed
	}
	fmt.Fprintf(os.Stdout, "queued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return cli.ExitOK
}

func queueStats(cfg *app.Config) int {
	ops := cli.NewJobsCLI(cfg.RedisAddr)
	defer ops.Close()
	out := make([]cli.QueueStats, 0, 2)
	for _, q := range []string{jobs.QueueDefault, jobs.QueueAlerts} {
		stats, err := ops.InspectQueue(q)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue-stats: %v\n", err)
			return cli.ExitFailed
		}
		out = append(out, stats)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return cli.ExitFailed
	}
	return cli.ExitOK
}
