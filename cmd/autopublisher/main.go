// Command autopublisher turns RSS entries into rewritten WordPress posts.
//
//	autopublisher run            one cycle over every source, then exit
//	autopublisher loop           cycles and cleanups on their intervals
//	autopublisher serve          the ops API, plus the loop unless --api-only
//	autopublisher cleanup        one retention pass
//	autopublisher retry [--id]   queue failed articles again
//	autopublisher stats          store and key pool summary as JSON
//	autopublisher check          verify WordPress credentials and the feeds file
//
// Settings come from the environment (optionally a .env file); the flags
// below override the few that are handy on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-news-autopublisher/internal/app"
	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/observability"
	"github.com/tbourn/go-news-autopublisher/internal/sysutil"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type globalOptions struct {
	EnvFile  string `long:"env-file" default:".env" description:"dotenv file loaded before reading the environment"`
	Feeds    string `long:"feeds" description:"feeds file (overrides FEEDS_FILE)"`
	DB       string `long:"db" description:"SQLite path (overrides DB_PATH)"`
	LogLevel string `long:"log-level" description:"debug|info|warn|error (overrides LOG_LEVEL)"`
	Pretty   bool   `long:"pretty" description:"human readable logs"`
}

var opts globalOptions

func main() {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "RSS to WordPress autopublisher"

	mustAdd(parser, "run", "Run one cycle", "Fetch every source once, rewrite and publish new articles, then exit.", &runCmd{})
	mustAdd(parser, "loop", "Run cycles on an interval", "Run a cycle every CYCLE_INTERVAL and a cleanup every CLEANUP_INTERVAL until interrupted.", &loopCmd{})
	mustAdd(parser, "serve", "Serve the ops API", "Serve the ops API and run the loop alongside it.", &serveCmd{})
	mustAdd(parser, "cleanup", "Purge expired records", "Delete published records older than RETENTION.", &cleanupCmd{})
	mustAdd(parser, "retry", "Retry failed articles", "Move failed articles below the retry ceiling back to seen.", &retryCmd{})
	mustAdd(parser, "stats", "Print store statistics", "Print status counts, recent posts and key pool state as JSON.", &statsCmd{})
	mustAdd(parser, "check", "Check configuration", "Load the feeds file and verify the WordPress credentials.", &checkCmd{})

	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		switch {
		case errors.As(err, &fe) && fe.Type == flags.ErrHelp:
			fmt.Fprintln(os.Stdout, fe.Message)
			return
		case errors.As(err, &fe):
			fmt.Fprintln(os.Stderr, fe.Message)
		default:
			log.Error().Err(err).Msg("command failed")
		}
		os.Exit(1)
	}
}

func mustAdd(p *flags.Parser, name, short, long string, cmd flags.Commander) {
	if _, err := p.AddCommand(name, short, long, cmd); err != nil {
		panic(err)
	}
}

// env holds what every command sets up before doing its work.
type env struct {
	cfg      config.Config
	ctx      context.Context
	stop     context.CancelFunc
	shutdown observability.ShutdownFunc
}

// setup loads the dotenv file and the configuration, installs the logger and
// tracing, and returns a context canceled on SIGINT or SIGTERM.
func setup() (*env, error) {
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", opts.EnvFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.Feeds != "" {
		cfg.Pipeline.FeedsFile = opts.Feeds
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	cfg.LogPretty = cfg.LogPretty || opts.Pretty
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	log.Debug().Str("config", cfg.String()).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		stop()
		return nil, err
	}
	return &env{cfg: cfg, ctx: ctx, stop: stop, shutdown: shutdown}, nil
}

func (e *env) close() {
	if err := e.shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	e.stop()
}

// withApp runs fn against a wired App and releases everything afterwards.
func withApp(publishing bool, fn func(e *env, a *app.App) error) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	var aopts []app.Option
	if publishing {
		aopts = append(aopts, app.WithPublishing())
	}
	a, err := app.New(e.ctx, e.cfg, aopts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	return fn(e, a)
}
