// Package services – Pipeline
//
// Pipeline is the orchestrator. One cycle walks the configured sources in
// order; for every source it resumes the articles a previous run left in
// flight, records the feed entries it has never seen (up to the per-source
// cap) and drives each article through
//
//	seen → extracted → rewritten → published
//
// persisting the stage output and the new status after every stage, so a
// crash resumes from the last completed stage. Any stage may end in failed.
//
// An exhausted key pool defers the rest of the cycle without failing
// anything. Permanent errors, and transient ones that outlived their retries,
// mark the article failed and append a failure log row.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/content"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/feeds"
	"github.com/tbourn/go-news-autopublisher/internal/observability"
	"github.com/tbourn/go-news-autopublisher/internal/repo"
)

// FeedReader reads one source's entries in feed order.
type FeedReader interface {
	Fetch(ctx context.Context, src config.Source) ([]domain.FeedEntry, error)
}

// Extractor turns a feed entry into an article body.
type Extractor interface {
	Extract(ctx context.Context, e domain.FeedEntry) (*domain.ExtractedArticle, error)
}

// Rewriter produces the AI rewrite.
type Rewriter interface {
	Rewrite(ctx context.Context, art domain.ExtractedArticle, meta Metadata) (*domain.RewrittenArticle, error)
}

// Publisher creates the post.
type Publisher interface {
	Publish(ctx context.Context, rw domain.RewrittenArticle, meta PublishMeta) (*domain.PublishedPost, error)
}

// Outcome is how one article ended within a cycle.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCanceled  Outcome = "canceled"
)

// SourceReport summarizes one source within a cycle.
type SourceReport struct {
	SourceID   string `json:"source_id"`
	Fetched    int    `json:"fetched"`
	New        int    `json:"new"`
	Duplicates int    `json:"duplicates"`
	Resumed    int    `json:"resumed"`
	Published  int    `json:"published"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID     string         `json:"cycle_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Sources     []SourceReport `json:"sources"`
	Published   int            `json:"published"`
	Failed      int            `json:"failed"`
	Duplicates  int            `json:"duplicates"`
	Deferred    bool           `json:"deferred"`
	DeferReason string         `json:"defer_reason,omitempty"`
}

// Pipeline drives articles from feed entry to published post.
type Pipeline struct {
	DB      *gorm.DB
	Sources []config.Source
	Feeds   FeedReader
	Extract Extractor
	Rewrite Rewriter
	Publish Publisher
	Cfg     config.PipelineConfig

	// Owner names this process in article leases. Empty means a random id.
	Owner string
	Now   func() time.Time

	initOnce sync.Once
	pacer    *rate.Limiter
	running  atomic.Bool
}

type job struct {
	rec   domain.ArticleRecord
	entry domain.FeedEntry
}

func (p *Pipeline) init() {
	p.initOnce.Do(func() {
		if p.Owner == "" {
			p.Owner = "autopub-" + uuid.NewString()
		}
		if p.Now == nil {
			p.Now = time.Now
		}
		if p.Cfg.Workers < 1 {
			p.Cfg.Workers = 1
		}
		if p.Cfg.MaxArticlesPerFeed < 1 {
			p.Cfg.MaxArticlesPerFeed = 1
		}
		if p.Cfg.LeaseTTL <= 0 {
			p.Cfg.LeaseTTL = 15 * time.Minute
		}
		limit := rate.Inf
		if p.Cfg.ArticleInterval > 0 {
			limit = rate.Every(p.Cfg.ArticleInterval)
		}
		p.pacer = rate.NewLimiter(limit, 1)
	})
}

// RunCycle runs every source once. The returned error is non-nil only when
// the cycle was canceled or the store failed; a deferred cycle is reported
// through CycleReport.Deferred.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleRunning
	}
	defer p.running.Store(false)
	p.init()

	rep := CycleReport{CycleID: uuid.NewString(), StartedAt: p.Now().UTC()}
	tr := otel.Tracer("services/Pipeline")
	ctx, span := tr.Start(ctx, "RunCycle", trace.WithAttributes(attribute.String("cycle.id", rep.CycleID)))
	defer span.End()

	lg := observability.Logger(ctx).With().Str("cycle_id", rep.CycleID).Logger()
	lg.Info().Int("sources", len(p.Sources)).Msg("cycle started")

	var cycleErr error
	for _, src := range p.Sources {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
		sr, err := p.runSource(ctx, lg, src)
		rep.Sources = append(rep.Sources, sr)
		rep.Published += sr.Published
		rep.Failed += sr.Failed
		rep.Duplicates += sr.Duplicates
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrKeyPoolExhausted) {
			rep.Deferred = true
			rep.DeferReason = err.Error()
			lg.Warn().Err(err).Str("source", src.ID).Msg("key pool exhausted, deferring the rest of the cycle")
			break
		}
		cycleErr = err
		break
	}

	rep.FinishedAt = p.Now().UTC()
	span.SetAttributes(
		attribute.Int("published", rep.Published),
		attribute.Int("failed", rep.Failed),
		attribute.Bool("deferred", rep.Deferred),
	)
	result := "completed"
	switch {
	case cycleErr != nil && errors.Is(cycleErr, context.Canceled):
		result = "canceled"
	case cycleErr != nil:
		result = "error"
	case rep.Deferred:
		result = "deferred"
	}
	cyclesTotal.WithLabelValues(result).Inc()
	lg.Info().
		Str("result", result).
		Int("published", rep.Published).
		Int("failed", rep.Failed).
		Int("duplicates", rep.Duplicates).
		Dur("took", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("cycle finished")
	return rep, cycleErr
}

func (p *Pipeline) runSource(ctx context.Context, lg zerolog.Logger, src config.Source) (SourceReport, error) {
	sr := SourceReport{SourceID: src.ID}
	lg = lg.With().Str("source", src.ID).Logger()

	resumable, err := repo.ListResumable(ctx, p.DB, src.ID)
	if err != nil {
		return sr, fmt.Errorf("list resumable %s: %w", src.ID, err)
	}
	jobs := make([]job, 0, len(resumable)+p.Cfg.MaxArticlesPerFeed)
	for _, rec := range resumable {
		entry, err := repo.LoadEntry(ctx, p.DB, rec.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			entry = &domain.FeedEntry{SourceID: src.ID, Category: src.Category, URL: rec.URL, Title: rec.Title}
		case err != nil:
			return sr, err
		}
		jobs = append(jobs, job{rec: rec, entry: *entry})
	}
	sr.Resumed = len(resumable)

	entries, err := p.Feeds.Fetch(ctx, src)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return sr, err
		}
		sr.Error = err.Error()
		lg.Warn().Err(err).Str("kind", string(domain.KindOf(err))).Msg("feed fetch failed")
	}
	sr.Fetched = len(entries)

	for _, e := range entries {
		if sr.New >= p.Cfg.MaxArticlesPerFeed {
			break
		}
		if e.Category == "" {
			e.Category = src.Category
		}
		rec := &domain.ArticleRecord{
			SourceID:   src.ID,
			ArticleKey: feeds.Fingerprint(src.ID, e),
			URL:        e.URL,
			Title:      e.Title,
		}
		stored, err := repo.InsertIfAbsent(ctx, p.DB, rec)
		if errors.Is(err, domain.ErrDuplicateArticle) {
			sr.Duplicates++
			articlesTotal.WithLabelValues(src.ID, "duplicate").Inc()
			continue
		}
		if err != nil {
			return sr, fmt.Errorf("record %s: %w", rec.ArticleKey, err)
		}
		if err := repo.SaveEntry(ctx, p.DB, stored.ID, e); err != nil {
			return sr, err
		}
		sr.New++
		jobs = append(jobs, job{rec: *stored, entry: e})
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		stop     atomic.Bool
		stopErr  error
		firstErr error
	)
	g.SetLimit(p.Cfg.Workers)
	for _, j := range jobs {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stop.Load() {
				return nil
			}
			if err := p.pacer.Wait(ctx); err != nil {
				return nil
			}
			out, err := p.process(ctx, lg, src, j.rec, j.entry)
			articlesTotal.WithLabelValues(src.ID, string(out)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case OutcomePublished:
				sr.Published++
			case OutcomeFailed:
				sr.Failed++
			case OutcomeSkipped:
				sr.Skipped++
			case OutcomeDeferred:
				stop.Store(true)
				if stopErr == nil {
					stopErr = err
				}
			case OutcomeCanceled:
				stop.Store(true)
			default:
				if err != nil && firstErr == nil {
					firstErr = err
					stop.Store(true)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case stopErr != nil:
		return sr, stopErr
	case firstErr != nil:
		return sr, firstErr
	}
	return sr, ctx.Err()
}

// process drives one article from its current status as far as it goes.
// An empty outcome with an error means the store itself failed.
func (p *Pipeline) process(ctx context.Context, lg zerolog.Logger, src config.Source, rec domain.ArticleRecord, entry domain.FeedEntry) (Outcome, error) {
	lg = lg.With().Str("article_key", rec.ArticleKey).Logger()

	ok, err := repo.ClaimArticle(ctx, p.DB, rec.ID, p.Owner, p.Cfg.LeaseTTL, p.Now())
	if err != nil {
		return "", err
	}
	if !ok {
		lg.Debug().Msg("article leased by another run")
		return OutcomeSkipped, nil
	}
	defer func() {
		if err := repo.ReleaseArticle(context.WithoutCancel(ctx), p.DB, rec.ID, p.Owner); err != nil {
			lg.Warn().Err(err).Msg("release lease failed")
		}
	}()

	cur, err := repo.GetArticleByID(ctx, p.DB, rec.ID)
	if err != nil {
		return "", err
	}
	rec = *cur

	var (
		ext *domain.ExtractedArticle
		rw  *domain.RewrittenArticle
	)
	for {
		if err := ctx.Err(); err != nil {
			return OutcomeCanceled, err
		}
		stage := rec.Status
		start := time.Now()
		switch stage {
		case domain.StatusSeen:
			a, err := p.Extract.Extract(ctx, entry)
			stageLatency.WithLabelValues("extract").Observe(time.Since(start).Seconds())
			if err != nil {
				return p.fail(ctx, lg, rec, stage, err)
			}
			if err := repo.SaveExtracted(context.WithoutCancel(ctx), p.DB, rec.ID, *a); err != nil {
				return "", err
			}
			ext = a

		case domain.StatusExtracted:
			if ext == nil {
				if ext, err = p.loadExtracted(ctx, rec, entry); err != nil {
					return p.fail(ctx, lg, rec, stage, err)
				}
			}
			r, err := p.Rewrite.Rewrite(ctx, *ext, Metadata{
				SourceID:   rec.SourceID,
				ArticleKey: rec.ArticleKey,
				Category:   src.Category,
			})
			stageLatency.WithLabelValues("rewrite").Observe(time.Since(start).Seconds())
			if err != nil {
				return p.fail(ctx, lg, rec, stage, err)
			}
			fin := content.Finish(*r, *ext)
			if strings.TrimSpace(content.PlainText(fin.Content)) == "" {
				return p.fail(ctx, lg, rec, stage, domain.Permanent("finish", 0, ErrEmptyRewrite))
			}
			if err := repo.SaveRewritten(context.WithoutCancel(ctx), p.DB, rec.ID, fin); err != nil {
				return "", err
			}
			rw = &fin

		case domain.StatusRewritten:
			if rw == nil {
				if rw, err = repo.LoadRewritten(ctx, p.DB, rec.ID); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						err = domain.Permanent("load rewrite", 0, err)
					}
					return p.fail(ctx, lg, rec, stage, err)
				}
			}
			post, err := p.Publish.Publish(ctx, *rw, PublishMeta{
				Token:    rec.ArticleKey,
				SourceID: rec.SourceID,
				Category: src.Category,
			})
			stageLatency.WithLabelValues("publish").Observe(time.Since(start).Seconds())
			if err != nil {
				return p.fail(ctx, lg, rec, stage, err)
			}
			next, err := repo.MarkStatus(context.WithoutCancel(ctx), p.DB, rec.SourceID, rec.ArticleKey, domain.StatusPublished,
				repo.StatusChange{PostID: post.ID, PostURL: post.URL})
			if err != nil {
				return "", err
			}
			lg.Info().Int64("post_id", next.PostID).Str("post_url", next.PostURL).Bool("existing", post.Existing).Msg("article published")
			return OutcomePublished, nil

		default:
			return OutcomeSkipped, nil
		}

		next, err := repo.MarkStatus(context.WithoutCancel(ctx), p.DB, rec.SourceID, rec.ArticleKey, nextStatus(stage), repo.StatusChange{})
		if err != nil {
			return "", err
		}
		lg.Debug().Str("stage", string(next.Status)).Msg("stage completed")
		rec = *next
	}
}

func nextStatus(s domain.ArticleStatus) domain.ArticleStatus {
	switch s {
	case domain.StatusSeen:
		return domain.StatusExtracted
	case domain.StatusExtracted:
		return domain.StatusRewritten
	default:
		return domain.StatusPublished
	}
}

// loadExtracted reads the stored extraction, extracting again when the
// payload is gone.
func (p *Pipeline) loadExtracted(ctx context.Context, rec domain.ArticleRecord, entry domain.FeedEntry) (*domain.ExtractedArticle, error) {
	a, err := repo.LoadExtracted(ctx, p.DB, rec.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return p.Extract.Extract(ctx, entry)
	}
	return a, err
}

// fail classifies err. Exhaustion and cancellation leave the article where
// it is; everything else marks it failed.
func (p *Pipeline) fail(ctx context.Context, lg zerolog.Logger, rec domain.ArticleRecord, stage domain.ArticleStatus, cause error) (Outcome, error) {
	kind := domain.KindOf(cause)
	switch {
	case kind == domain.KindExhausted:
		return OutcomeDeferred, cause
	case kind == domain.KindCanceled, ctx.Err() != nil:
		return OutcomeCanceled, cause
	}

	pctx := context.WithoutCancel(ctx)
	if _, err := repo.MarkStatus(pctx, p.DB, rec.SourceID, rec.ArticleKey, domain.StatusFailed, repo.StatusChange{Err: cause}); err != nil {
		return "", err
	}
	if err := repo.LogFailure(pctx, p.DB, &domain.FailureLog{
		SourceID:   rec.SourceID,
		ArticleKey: rec.ArticleKey,
		Stage:      stage,
		Kind:       string(kind),
		Message:    cause.Error(),
		URL:        rec.URL,
	}); err != nil {
		lg.Warn().Err(err).Msg("write failure log failed")
	}
	lg.Error().Err(cause).Str("stage", string(stage)).Str("kind", string(kind)).Msg("article failed")
	return OutcomeFailed, nil
}

// RetryFailed moves every failed article below the retry ceiling back to
// seen.
func (p *Pipeline) RetryFailed(ctx context.Context) (int64, error) {
	n, err := repo.ResetFailed(ctx, p.DB, p.Cfg.RetryCeiling)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("failed articles queued for retry")
	}
	return n, nil
}

// RetryArticle moves one failed article back to seen.
func (p *Pipeline) RetryArticle(ctx context.Context, id string) (*domain.ArticleRecord, error) {
	rec, err := repo.GetArticleByID(ctx, p.DB, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusFailed {
		return nil, ErrNotFailed
	}
	if rec.FailureCount >= p.Cfg.RetryCeiling {
		return nil, ErrRetryCeiling
	}
	return repo.MarkStatus(ctx, p.DB, rec.SourceID, rec.ArticleKey, domain.StatusSeen, repo.StatusChange{})
}
