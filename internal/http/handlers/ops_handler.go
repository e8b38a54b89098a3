// Ops HTTP handlers.
//
//   - GET  /stats                 store counters, recent posts, key pool
//   - GET  /keys                  key pool snapshot
//   - GET  /articles              records, paginated, ?status= filter, ETag
//   - GET  /articles/{id}         one record
//   - GET  /failures              failure log, paginated
//   - POST /articles/retry        failed → seen for everything below the ceiling
//   - POST /articles/{id}/retry   failed → seen for one record
//
// Handlers only translate between HTTP and the services.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/keypool"
	"github.com/tbourn/go-news-autopublisher/internal/repo"
	"github.com/tbourn/go-news-autopublisher/internal/services"
	"github.com/tbourn/go-news-autopublisher/internal/utils"
)

// StatsService is the read side consumed by the handlers.
type StatsService interface {
	Stats(ctx context.Context) (*services.Stats, error)
	GetArticle(ctx context.Context, id string) (*domain.ArticleRecord, error)
	ListArticles(ctx context.Context, status domain.ArticleStatus, offset, limit int) ([]domain.ArticleRecord, int64, error)
	ListFailures(ctx context.Context, offset, limit int) ([]domain.FailureLog, int64, error)
}

// RetryService moves failed articles back into the pipeline.
type RetryService interface {
	RetryFailed(ctx context.Context) (int64, error)
	RetryArticle(ctx context.Context, id string) (*domain.ArticleRecord, error)
}

// Handlers groups the ops endpoints.
type Handlers struct {
	stats StatsService
	retry RetryService
	keys  services.KeySnapshotter
}

// New binds the handlers to their services. keys may be nil when no pool is
// configured.
func New(stats StatsService, retry RetryService, keys services.KeySnapshotter) *Handlers {
	return &Handlers{stats: stats, retry: retry, keys: keys}
}

// ListArticlesResponse is a page of records.
type ListArticlesResponse struct {
	Articles   []domain.ArticleRecord `json:"articles"`
	Pagination Pagination             `json:"pagination"`
}

// ListFailuresResponse is a page of the failure log.
type ListFailuresResponse struct {
	Failures   []domain.FailureLog `json:"failures"`
	Pagination Pagination          `json:"pagination"`
}

// RetryResponse reports how many failed articles were queued again.
type RetryResponse struct {
	Requeued int64 `json:"requeued"`
}

// Stats returns the dashboard view.
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// Keys returns the key pool snapshot. Secrets never leave the pool; only
// their derived ids are listed.
func (h *Handlers) Keys(c *gin.Context) {
	out := []keypool.Status{}
	if h.keys != nil {
		out = h.keys.Snapshot()
	}
	ok(c, http.StatusOK, gin.H{"keys": out})
}

// ListArticles returns a page of records, newest activity first. A weak ETag
// over the filter, page and newest update lets pollers get 304s.
func (h *Handlers) ListArticles(c *gin.Context) {
	status := domain.ArticleStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	page, size, offset := utils.Page(c.Query("page"), c.Query("page_size"))

	items, total, err := h.stats.ListArticles(c.Request.Context(), status, offset, size)
	switch {
	case errors.Is(err, services.ErrInvalidStatus):
		fail(c, http.StatusBadRequest, ErrCodeInvalidStatus, fmt.Sprintf("unknown status %q", status))
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	var newest int64
	for _, it := range items {
		if ts := it.LastUpdatedAt.UnixNano(); ts > newest {
			newest = ts
		}
	}
	etag := fmt.Sprintf(`W/"articles:%s:%d:%d:%d:%d"`, status, page, size, total, newest)
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	ok(c, http.StatusOK, ListArticlesResponse{Articles: items, Pagination: newPagination(page, size, total)})
}

// GetArticle returns one record by id.
func (h *Handlers) GetArticle(c *gin.Context) {
	id, valid := articleID(c)
	if !valid {
		return
	}
	rec, err := h.stats.GetArticle(c.Request.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "article not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, rec)
}

// ListFailures returns a page of the failure log, newest first.
func (h *Handlers) ListFailures(c *gin.Context) {
	page, size, offset := utils.Page(c.Query("page"), c.Query("page_size"))
	items, total, err := h.stats.ListFailures(c.Request.Context(), offset, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, ListFailuresResponse{Failures: items, Pagination: newPagination(page, size, total)})
}

// RetryFailed queues every failed article below the retry ceiling.
func (h *Handlers) RetryFailed(c *gin.Context) {
	n, err := h.retry.RetryFailed(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, RetryResponse{Requeued: n})
}

// RetryArticle queues one failed article.
func (h *Handlers) RetryArticle(c *gin.Context) {
	id, valid := articleID(c)
	if !valid {
		return
	}
	rec, err := h.retry.RetryArticle(c.Request.Context(), id)
	switch {
	case err == nil:
		ok(c, http.StatusOK, rec)
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "article not found")
	case errors.Is(err, services.ErrNotFailed):
		fail(c, http.StatusConflict, ErrCodeNotFailed, "article is not failed")
	case errors.Is(err, services.ErrRetryCeiling):
		fail(c, http.StatusConflict, ErrCodeRetryCeiling, "article reached the retry ceiling")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func articleID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "article id must be a UUID")
		return "", false
	}
	return id, true
}
