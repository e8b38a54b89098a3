// Package app wires configuration, storage and the pipeline collaborators
// into the services the commands and the ops API run.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/ai"
	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/extract"
	"github.com/tbourn/go-news-autopublisher/internal/feeds"
	httpapi "github.com/tbourn/go-news-autopublisher/internal/http"
	"github.com/tbourn/go-news-autopublisher/internal/keypool"
	"github.com/tbourn/go-news-autopublisher/internal/repo"
	"github.com/tbourn/go-news-autopublisher/internal/services"
	"github.com/tbourn/go-news-autopublisher/internal/sysutil"
	"github.com/tbourn/go-news-autopublisher/internal/wordpress"
)

// App holds the wired services. Pipeline is always usable for retries;
// running cycles needs an App built with publishing enabled.
type App struct {
	Cfg      config.Config
	DB       *gorm.DB
	Keys     *keypool.Pool
	WP       *wordpress.Client
	Pipeline *services.Pipeline
	Cleanup  *services.CleanupService
	Stats    *services.StatsService

	publishing bool
}

// Option tweaks how New builds the App.
type Option func(*options)

type options struct {
	publishing bool
	db         *gorm.DB
}

// WithPublishing builds the full pipeline: key pool, AI client, WordPress
// client, feed reader and extractor. It requires the publishing settings.
func WithPublishing() Option { return func(o *options) { o.publishing = true } }

// WithDB uses an already opened database instead of cfg.DBPath.
func WithDB(db *gorm.DB) Option { return func(o *options) { o.db = db } }

// New opens the store and wires the services.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	db := o.db
	if db == nil {
		var err error
		if db, err = repo.OpenSQLite(cfg.DBPath); err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Cfg: cfg,
		DB:  db,
		Pipeline: &services.Pipeline{
			DB:    db,
			Cfg:   cfg.Pipeline,
			Owner: sysutil.LeaseOwner(),
		},
		Cleanup: &services.CleanupService{
			DB:        db,
			Retention: cfg.Pipeline.Retention,
			Vacuum:    cfg.Pipeline.VacuumOnCleanup,
		},
		Stats: &services.StatsService{DB: db},
	}

	// The ops API and the stats command show the pool whenever keys are
	// configured, even without publishing.
	if len(cfg.AI.Keys) > 0 {
		pool, err := keypool.New(ctx, cfg.AI.Keys, cfg.KeyPool, repo.KeyStateStore{DB: db})
		if err != nil {
			return nil, fmt.Errorf("key pool: %w", err)
		}
		a.Keys = pool
		a.Stats.Keys = pool
	}

	if o.publishing {
		if err := a.enablePublishing(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) enablePublishing() error {
	cfg := a.Cfg
	if err := cfg.RequirePublishing(); err != nil {
		return err
	}
	sources, err := config.LoadSources(cfg.Pipeline.FeedsFile)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	prompt, err := ai.NewPrompt(cfg.AI.PromptFile)
	if err != nil {
		return err
	}
	wp, err := wordpress.New(cfg.WordPress)
	if err != nil {
		return err
	}

	a.WP = wp
	a.Pipeline.Sources = sources
	a.Pipeline.Feeds = feeds.NewReader(cfg.Pipeline.UserAgent, cfg.Pipeline.FetchTimeout)
	a.Pipeline.Extract = extract.New(cfg.Pipeline.UserAgent, cfg.Pipeline.FetchTimeout)
	a.Pipeline.Rewrite = &services.RewriteService{
		AI:     ai.NewClient(cfg.AI),
		Keys:   a.Keys,
		Prompt: prompt,
		Cfg:    cfg.AI,
	}
	a.Pipeline.Publish = &services.PublishService{DB: a.DB, WP: wp, Cfg: cfg.WordPress}
	a.publishing = true

	log.Info().
		Int("sources", len(sources)).
		Int("keys", a.Keys.Size()).
		Str("wordpress", wp.Base()).
		Str("owner", a.Pipeline.Owner).
		Msg("pipeline ready")
	return nil
}

// ErrNotPublishing is returned by operations that need WithPublishing.
var ErrNotPublishing = errors.New("app: built without publishing")

// Driver returns the interval driver over the pipeline and cleanup.
func (a *App) Driver() (*services.Driver, error) {
	if !a.publishing {
		return nil, ErrNotPublishing
	}
	return &services.Driver{
		Pipeline:        a.Pipeline,
		Cleanup:         a.Cleanup,
		CycleInterval:   a.Cfg.Pipeline.CycleInterval,
		CleanupInterval: a.Cfg.Pipeline.CleanupInterval,
	}, nil
}

// Check verifies the publish destination is reachable with the configured
// credentials.
func (a *App) Check(ctx context.Context) error {
	if a.WP == nil {
		return ErrNotPublishing
	}
	return a.WP.Ping(ctx)
}

// RouterDeps returns the ops API dependencies.
func (a *App) RouterDeps() httpapi.Deps {
	d := httpapi.Deps{DB: a.DB, Stats: a.Stats, Retry: a.Pipeline}
	if a.Keys != nil {
		d.Keys = a.Keys
	}
	return d
}

// Close releases the store.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
