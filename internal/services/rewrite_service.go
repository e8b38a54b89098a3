// Package services – RewriteService
//
// RewriteService asks the AI provider for an SEO rewrite of an extracted
// article. Every attempt reserves a key from the pool and reports the outcome
// back so that the pool can rotate, cool down or penalize keys:
//
//   - rate limited: the key cools down and another key is tried at once;
//   - transient:    the key's failure streak grows and the call is retried
//     after an exponential backoff, up to MaxRetries times;
//   - permanent:    the reservation is dropped and the error returned;
//   - no eligible key: domain.ErrKeyPoolExhausted is returned unchanged.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-news-autopublisher/internal/ai"
	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/keypool"
)

// Completer is the AI provider.
type Completer interface {
	Complete(ctx context.Context, secret string, req ai.Request) (string, error)
}

// KeyPool hands out API keys and takes verdicts on them.
type KeyPool interface {
	Acquire() (keypool.Key, error)
	ReportSuccess(ctx context.Context, id string) error
	ReportRateLimited(ctx context.Context, id string, retryAfter time.Duration) error
	ReportFailure(ctx context.Context, id string) error
	Release(id string)
	Size() int
}

// Metadata is the context a rewrite is asked for.
type Metadata struct {
	SourceID   string
	ArticleKey string
	Category   string
	Tags       []string
}

// RewriteResult is the explicit outcome shape of a rewrite.
type RewriteResult struct {
	OK       bool
	Article  *domain.RewrittenArticle
	Kind     domain.ErrorKind
	Err      error
	Attempts int
}

// RewriteService rewrites articles through the key pool.
type RewriteService struct {
	AI     Completer
	Keys   KeyPool
	Prompt *ai.Prompt
	Cfg    config.AIConfig

	// Sleep overrides the backoff wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Rewrite returns the provider's rewrite of art.
func (s *RewriteService) Rewrite(ctx context.Context, art domain.ExtractedArticle, meta Metadata) (*domain.RewrittenArticle, error) {
	res := s.Try(ctx, art, meta)
	return res.Article, res.Err
}

// Try is Rewrite with the outcome spelled out.
func (s *RewriteService) Try(ctx context.Context, art domain.ExtractedArticle, meta Metadata) RewriteResult {
	tr := otel.Tracer("services/RewriteService")
	ctx, span := tr.Start(ctx, "Rewrite",
		trace.WithAttributes(
			attribute.String("source.id", meta.SourceID),
			attribute.String("article.key", meta.ArticleKey),
		),
	)
	defer span.End()

	res := s.run(ctx, art, meta)
	span.SetAttributes(attribute.Int("attempts", res.Attempts))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Kind))
	}
	return res
}

func (s *RewriteService) run(ctx context.Context, art domain.ExtractedArticle, meta Metadata) RewriteResult {
	fail := func(attempts int, err error) RewriteResult {
		return RewriteResult{Kind: domain.KindOf(err), Err: err, Attempts: attempts}
	}

	prompt := s.Prompt
	if prompt == nil {
		p, err := ai.NewPrompt("")
		if err != nil {
			return fail(0, err)
		}
		prompt = p
	}
	req, err := prompt.Build(art, meta.Category, s.Cfg.Publisher, meta.Tags)
	if err != nil {
		return fail(0, domain.Permanent("rewrite prompt", 0, err))
	}

	backoff := Backoff{Base: s.Cfg.BackoffBase, Cap: s.Cfg.BackoffCap, Sleep: s.Sleep}
	transient, limited, attempts := 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return fail(attempts, err)
		}
		key, err := s.Keys.Acquire()
		if err != nil {
			keyPoolExhausted.Inc()
			return fail(attempts, fmt.Errorf("rewrite: %w", err))
		}
		attempts++

		text, err := s.call(ctx, key, req)
		providerCalls.WithLabelValues("ai", callKind(err)).Inc()
		lg := log.With().Str("source", meta.SourceID).Str("article_key", meta.ArticleKey).
			Str("key_id", key.ID).Int("attempt", attempts).Logger()

		if err == nil {
			_ = s.Keys.ReportSuccess(ctx, key.ID)
			rw, perr := ai.ParseAnswer(text)
			if perr != nil {
				return fail(attempts, perr)
			}
			rw.KeyID = key.ID
			return RewriteResult{OK: true, Article: &rw, Attempts: attempts}
		}

		switch domain.KindOf(err) {
		case domain.KindRateLimited:
			_ = s.Keys.ReportRateLimited(ctx, key.ID, domain.RetryAfterOf(err))
			limited++
			lg.Warn().Err(err).Msg("key rate limited, rotating")
			if limited >= s.Keys.Size() {
				keyPoolExhausted.Inc()
				return fail(attempts, fmt.Errorf("rewrite: every key rate limited: %w", domain.ErrKeyPoolExhausted))
			}
		case domain.KindTransient:
			_ = s.Keys.ReportFailure(ctx, key.ID)
			transient++
			if transient > s.Cfg.MaxRetries {
				lg.Warn().Err(err).Msg("rewrite retries exhausted")
				return fail(attempts, err)
			}
			lg.Warn().Err(err).Dur("backoff", backoff.Delay(transient)).Msg("transient rewrite error")
			if werr := backoff.Wait(ctx, transient, 0); werr != nil {
				return fail(attempts, werr)
			}
		default:
			s.Keys.Release(key.ID)
			if !errors.Is(err, context.Canceled) {
				lg.Warn().Err(err).Msg("permanent rewrite error")
			}
			return fail(attempts, err)
		}
	}
}

func (s *RewriteService) call(ctx context.Context, key keypool.Key, req ai.Request) (string, error) {
	if s.Cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Cfg.CallTimeout)
		defer cancel()
	}
	return s.AI.Complete(ctx, key.Secret, req)
}
