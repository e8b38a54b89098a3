package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-news-autopublisher/internal/app"
	httpapi "github.com/tbourn/go-news-autopublisher/internal/http"
)

type runCmd struct{}

func (c *runCmd) Execute([]string) error {
	return withApp(true, func(e *env, a *app.App) error {
		if _, err := a.Pipeline.RetryFailed(e.ctx); err != nil {
			return err
		}
		rep, err := a.Pipeline.RunCycle(e.ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

type loopCmd struct{}

func (c *loopCmd) Execute([]string) error {
	return withApp(true, func(e *env, a *app.App) error {
		d, err := a.Driver()
		if err != nil {
			return err
		}
		log.Info().Dur("cycle_interval", d.CycleInterval).Dur("cleanup_interval", d.CleanupInterval).Msg("loop started")
		if err := d.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("loop stopped")
		return nil
	})
}

type serveCmd struct {
	APIOnly bool `long:"api-only" description:"serve the ops API without running the pipeline"`
}

func (c *serveCmd) Execute([]string) error {
	return withApp(!c.APIOnly, func(e *env, a *app.App) error {
		gin.SetMode(e.cfg.GinMode)
		r := gin.New()
		httpapi.RegisterRoutes(r, a.RouterDeps(), e.cfg)

		srv := &http.Server{
			Addr:              ":" + e.cfg.Port,
			Handler:           r,
			ReadTimeout:       e.cfg.ReadTimeout,
			ReadHeaderTimeout: e.cfg.ReadHeaderTimeout,
			WriteTimeout:      e.cfg.WriteTimeout,
			IdleTimeout:       e.cfg.IdleTimeout,
		}

		g, ctx := errgroup.WithContext(e.ctx)
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Str("base_path", e.cfg.APIBasePath).Msg("ops API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		if !c.APIOnly {
			d, err := a.Driver()
			if err != nil {
				return err
			}
			g.Go(func() error {
				if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}

		err := g.Wait()
		log.Info().Msg("server stopped")
		return err
	})
}

type cleanupCmd struct{}

func (c *cleanupCmd) Execute([]string) error {
	return withApp(false, func(e *env, a *app.App) error {
		rep, err := a.Cleanup.Run(e.ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

type retryCmd struct {
	ID string `long:"id" description:"retry a single article by record id"`
}

func (c *retryCmd) Execute([]string) error {
	return withApp(false, func(e *env, a *app.App) error {
		if c.ID != "" {
			rec, err := a.Pipeline.RetryArticle(e.ctx, c.ID)
			if err != nil {
				return fmt.Errorf("retry %s: %w", c.ID, err)
			}
			return printJSON(rec)
		}
		n, err := a.Pipeline.RetryFailed(e.ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"requeued": n})
	})
}

type statsCmd struct{}

func (c *statsCmd) Execute([]string) error {
	return withApp(false, func(e *env, a *app.App) error {
		st, err := a.Stats.Stats(e.ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}

type checkCmd struct{}

func (c *checkCmd) Execute([]string) error {
	return withApp(true, func(e *env, a *app.App) error {
		if err := a.Check(e.ctx); err != nil {
			return fmt.Errorf("wordpress: %w", err)
		}
		return printJSON(map[string]any{
			"wordpress": a.WP.Base(),
			"sources":   len(a.Pipeline.Sources),
			"keys":      a.Keys.Snapshot(),
		})
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
