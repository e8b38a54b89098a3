// Package feeds reads RSS, Atom and JSON feeds into domain.FeedEntry values,
// in feed order, and derives the stable article key used for deduplication.
package feeds

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/utils"
)

const opFetch = "feed fetch"

// Reader fetches and parses feeds over HTTP.
type Reader struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration // per feed URL
}

// NewReader builds a Reader with the given user agent and per-request timeout.
func NewReader(userAgent string, timeout time.Duration) *Reader {
	return &Reader{
		Client:    &http.Client{},
		UserAgent: userAgent,
		Timeout:   timeout,
	}
}

// Fetch reads every URL of src and returns the entries in feed order, URLs
// in configuration order, each article once. A URL that fails is logged and
// skipped; the error is returned only when every URL failed.
func (r *Reader) Fetch(ctx context.Context, src config.Source) ([]domain.FeedEntry, error) {
	var (
		out     []domain.FeedEntry
		seen    = map[string]bool{}
		lastErr error
		okCount int
	)
	for _, u := range src.URLs {
		items, err := r.fetchURL(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("source", src.ID).Str("url", u).
				Str("kind", string(domain.KindOf(err))).Msg("feed fetch failed")
			lastErr = err
			continue
		}
		okCount++
		for _, it := range items {
			e := toEntry(src, it)
			key := Fingerprint(src.ID, e)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	if okCount == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (r *Reader) fetchURL(ctx context.Context, u string) ([]*gofeed.Item, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.Permanent(opFetch, 0, err)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, domain.FromTransport(opFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ra := utils.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, domain.FromStatus(opFetch, resp.StatusCode, ra,
			fmt.Errorf("GET %s: %s", u, utils.ErrorBody(resp.Body)))
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.FromTransport(opFetch, ctx.Err())
		}
		return nil, domain.Permanent(opFetch, resp.StatusCode, fmt.Errorf("parse %s: %w", u, err))
	}
	return feed.Items, nil
}

func toEntry(src config.Source, it *gofeed.Item) domain.FeedEntry {
	e := domain.FeedEntry{
		SourceID: src.ID,
		Category: src.Category,
		GUID:     strings.TrimSpace(it.GUID),
		URL:      strings.TrimSpace(it.Link),
		Title:    strings.TrimSpace(it.Title),
		Summary:  strings.TrimSpace(it.Description),
		Content:  strings.TrimSpace(it.Content),
		Images:   itemImages(it),
	}
	if p := cmp.Or(it.PublishedParsed, it.UpdatedParsed); p != nil {
		t := p.UTC()
		e.Published = &t
	}
	return e
}

// itemImages collects http(s) image URLs from the item image, media
// extensions and image enclosures, in that order and without duplicates.
func itemImages(it *gofeed.Item) []string {
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] || !isHTTP(u) {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	if it.Image != nil {
		add(it.Image.URL)
	}
	if media, ok := it.Extensions["media"]; ok {
		for _, th := range media["thumbnail"] {
			add(th.Attrs["url"])
		}
		for _, c := range media["content"] {
			if c.Attrs["medium"] == "image" || strings.HasPrefix(c.Attrs["type"], "image/") {
				add(c.Attrs["url"])
			}
		}
	}
	for _, enc := range it.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			add(enc.URL)
		}
	}
	return out
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
