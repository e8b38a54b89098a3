// Package services – PublishService
//
// PublishService creates the WordPress post for a finished rewrite exactly
// once. The article fingerprint is used as an idempotency token: it is stored
// in a local receipt ledger, sent as the Idempotency-Key header and embedded
// in the post body as an HTML comment. Without a receipt the service asks
// WordPress for a post carrying the token before every create attempt, so a
// request that timed out after the post was created does not create a second
// one, whether the retry happens in the same call or in a later run.
//
// The rewrite's source image is uploaded once as featured media; a failed
// upload publishes the post without it.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/content"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/repo"
	"github.com/tbourn/go-news-autopublisher/internal/wordpress"
)

// WordPress is the subset of the REST client the publisher needs.
type WordPress interface {
	CreatePost(ctx context.Context, p wordpress.Post) (domain.PublishedPost, error)
	FindByToken(ctx context.Context, token string) (domain.PublishedPost, bool, error)
	EnsureTags(ctx context.Context, names []string) ([]int, error)
	UploadMedia(ctx context.Context, imageURL string) (int64, error)
}

// PublishMeta identifies what is being published.
type PublishMeta struct {
	Token    string // article fingerprint
	SourceID string
	Category string
}

// PublishResult is the explicit outcome shape of a publish.
type PublishResult struct {
	OK       bool
	Post     *domain.PublishedPost
	Kind     domain.ErrorKind
	Err      error
	Attempts int
}

// PublishService publishes finished rewrites.
type PublishService struct {
	DB  *gorm.DB
	WP  WordPress
	Cfg config.WordPressConfig

	// Sleep overrides the backoff wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Publish creates the post for rw, or returns the post already created for
// meta.Token.
func (s *PublishService) Publish(ctx context.Context, rw domain.RewrittenArticle, meta PublishMeta) (*domain.PublishedPost, error) {
	res := s.Try(ctx, rw, meta)
	return res.Post, res.Err
}

// Try is Publish with the outcome spelled out.
func (s *PublishService) Try(ctx context.Context, rw domain.RewrittenArticle, meta PublishMeta) PublishResult {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "Publish",
		trace.WithAttributes(
			attribute.String("source.id", meta.SourceID),
			attribute.String("article.key", meta.Token),
		),
	)
	defer span.End()

	res := s.run(ctx, rw, meta)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Kind))
	} else {
		span.SetAttributes(attribute.Int64("post.id", res.Post.ID))
	}
	return res
}

func (s *PublishService) run(ctx context.Context, rw domain.RewrittenArticle, meta PublishMeta) PublishResult {
	fail := func(attempts int, err error) PublishResult {
		return PublishResult{Kind: domain.KindOf(err), Err: err, Attempts: attempts}
	}
	lg := log.With().Str("source", meta.SourceID).Str("article_key", meta.Token).Logger()

	if strings.TrimSpace(meta.Token) == "" {
		return fail(0, domain.Permanent("publish", 0, errors.New("missing idempotency token")))
	}
	if rec, err := repo.GetPublishReceipt(ctx, s.DB, meta.Token); err == nil {
		lg.Info().Int64("post_id", rec.PostID).Msg("already published, receipt found")
		return PublishResult{OK: true, Post: &domain.PublishedPost{ID: rec.PostID, URL: rec.PostURL, Existing: true}}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return fail(0, err)
	}

	post := wordpress.Post{
		Title:      rw.Title,
		Content:    rw.Content,
		Excerpt:    rw.Excerpt,
		Status:     s.Cfg.PostStatus,
		Categories: content.CategoryIDs(meta.Category, s.Cfg.Categories, s.Cfg.DefaultCategory),
		Token:      meta.Token,
	}
	if s.Cfg.SEOMeta {
		post.Meta = map[string]string{}
		if kw := content.FocusKeyword(rw.Title); kw != "" {
			post.Meta["_yoast_wpseo_focuskw"] = kw
		}
		if desc := content.MetaDescription(rw.Excerpt); desc != "" {
			post.Meta["_yoast_wpseo_metadesc"] = desc
		}
	}

	backoff := Backoff{Base: s.Cfg.BackoffBase, Cap: s.Cfg.BackoffCap, Sleep: s.Sleep}
	var lastErr error
	mediaTried := false
	for attempt := 1; attempt <= s.Cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			if err := backoff.Wait(ctx, attempt-1, domain.RetryAfterOf(lastErr)); err != nil {
				return fail(attempt-1, err)
			}
		}

		// A missing receipt does not mean a missing post: an earlier
		// attempt or run may have created it and lost the response.
		found, ok, err := s.WP.FindByToken(ctx, meta.Token)
		providerCalls.WithLabelValues("wordpress", callKind(err)).Inc()
		if err != nil {
			lastErr = err
			if !domain.KindOf(err).Retryable() {
				return fail(attempt, err)
			}
			lg.Warn().Err(err).Int("attempt", attempt).Msg("post lookup failed")
			continue
		}
		if ok {
			lg.Info().Int64("post_id", found.ID).Msg("post created by an earlier attempt")
			return s.record(ctx, meta, found, attempt)
		}

		if post.Tags == nil && len(rw.Tags) > 0 {
			ids, err := s.WP.EnsureTags(ctx, rw.Tags)
			providerCalls.WithLabelValues("wordpress", callKind(err)).Inc()
			if err != nil {
				lastErr = err
				if !domain.KindOf(err).Retryable() {
					return fail(attempt, err)
				}
				lg.Warn().Err(err).Int("attempt", attempt).Msg("tag lookup failed")
				continue
			}
			post.Tags = ids
		}

		if !mediaTried && rw.Image != "" {
			mediaTried = true
			id, err := s.WP.UploadMedia(ctx, rw.Image)
			providerCalls.WithLabelValues("wordpress", callKind(err)).Inc()
			if err != nil {
				lg.Warn().Err(err).Str("image", rw.Image).Msg("featured image upload failed, publishing without it")
			} else {
				post.FeaturedMedia = id
			}
		}

		created, err := s.WP.CreatePost(ctx, post)
		providerCalls.WithLabelValues("wordpress", callKind(err)).Inc()
		if err == nil {
			return s.record(ctx, meta, created, attempt)
		}
		lastErr = err
		if !domain.KindOf(err).Retryable() {
			lg.Warn().Err(err).Msg("permanent publish error")
			return fail(attempt, err)
		}
		lg.Warn().Err(err).Int("attempt", attempt).Msg("transient publish error")
	}
	return fail(s.Cfg.MaxRetries+1, lastErr)
}

// record stores the receipt. A duplicate means a concurrent publisher got
// there first; its post wins.
func (s *PublishService) record(ctx context.Context, meta PublishMeta, post domain.PublishedPost, attempts int) PublishResult {
	_, err := repo.CreatePublishReceipt(ctx, s.DB, meta.Token, meta.SourceID, post)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		if rec, gerr := repo.GetPublishReceipt(ctx, s.DB, meta.Token); gerr == nil {
			post = domain.PublishedPost{ID: rec.PostID, URL: rec.PostURL, Existing: true}
		}
	case err != nil:
		log.Error().Err(err).Str("article_key", meta.Token).Int64("post_id", post.ID).Msg("store publish receipt failed")
	}
	return PublishResult{OK: true, Post: &post, Attempts: attempts}
}
