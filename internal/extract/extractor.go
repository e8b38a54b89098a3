// Package extract downloads an article page and pulls out its readable body,
// title, lead image, inline images and video embeds. When the page cannot be
// used the feed's own content is the fallback.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-news-autopublisher/internal/content"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/utils"
)

const (
	opExtract = "extract"

	// maxPageBytes bounds the downloaded page.
	maxPageBytes = 5 << 20
	// minTextLen is the shortest body text accepted as an article.
	minTextLen = 200
	// minImageSide skips icons and tracking pixels.
	minImageSide = 100
)

// Extractor fetches article pages. It is safe for concurrent use.
type Extractor struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
}

// New builds an Extractor with the given user agent and per-page timeout.
func New(userAgent string, timeout time.Duration) *Extractor {
	return &Extractor{Client: &http.Client{}, UserAgent: userAgent, Timeout: timeout}
}

// Extract returns the readable article behind e. Fetch and parse problems
// fall back to the feed content when it is long enough; otherwise the
// classified error is returned. Caller cancellation is never masked.
func (x *Extractor) Extract(ctx context.Context, e domain.FeedEntry) (*domain.ExtractedArticle, error) {
	art, err := x.fromPage(ctx, e)
	if err == nil {
		return art, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if fb := fromFeed(e); fb != nil {
		log.Warn().Err(err).Str("source", e.SourceID).Str("url", e.URL).
			Msg("page extraction failed; using feed content")
		return fb, nil
	}
	return nil, err
}

func (x *Extractor) fromPage(ctx context.Context, e domain.FeedEntry) (*domain.ExtractedArticle, error) {
	base, err := url.Parse(strings.TrimSpace(e.URL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, domain.Permanent(opExtract, 0, fmt.Errorf("invalid article url %q", e.URL))
	}

	body, err := x.fetch(ctx, base.String())
	if err != nil {
		return nil, err
	}
	art, err := Parse(base, body)
	if err != nil {
		return nil, err
	}
	if art.Title == "" {
		art.Title = content.PlainTitle(e.Title)
	}
	art.Images = appendUnique(art.Images, e.Images...)
	return art, nil
}

func (x *Extractor) fetch(ctx context.Context, u string) ([]byte, error) {
	if x.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.Permanent(opExtract, 0, err)
	}
	if x.UserAgent != "" {
		req.Header.Set("User-Agent", x.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := x.Client.Do(req)
	if err != nil {
		return nil, domain.FromTransport(opExtract, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ra := utils.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, domain.FromStatus(opExtract, resp.StatusCode, ra,
			fmt.Errorf("GET %s: %s", u, utils.ErrorBody(resp.Body)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, domain.Permanent(opExtract, resp.StatusCode, fmt.Errorf("unexpected content type %q", ct))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, domain.FromTransport(opExtract, err)
	}
	return body, nil
}

// Parse extracts an article from an HTML page fetched from base.
func Parse(base *url.URL, page []byte) (*domain.ExtractedArticle, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, domain.Permanent(opExtract, 0, fmt.Errorf("parse html: %w", err))
	}

	art := &domain.ExtractedArticle{
		URL:       base.String(),
		Title:     pageTitle(doc),
		LeadImage: absURL(base, metaContent(doc, "og:image", "twitter:image")),
		Videos:    videos(doc, base),
	}

	r, err := readability.FromReader(bytes.NewReader(page), base)
	if err != nil {
		return nil, domain.Permanent(opExtract, 0, fmt.Errorf("readability: %w", err))
	}
	var text, body strings.Builder
	if err := r.RenderText(&text); err != nil {
		return nil, domain.Permanent(opExtract, 0, fmt.Errorf("render text: %w", err))
	}
	art.Text = strings.TrimSpace(text.String())
	if len(art.Text) < minTextLen {
		return nil, domain.Permanent(opExtract, 0, fmt.Errorf("article body too short (%d chars)", len(art.Text)))
	}
	if err := r.RenderHTML(&body); err != nil {
		return nil, domain.Permanent(opExtract, 0, fmt.Errorf("render html: %w", err))
	}
	art.HTML = strings.TrimSpace(body.String())
	art.Images = bodyImages(art.HTML, base)
	if art.LeadImage == "" && len(art.Images) > 0 {
		art.LeadImage = art.Images[0]
	}
	return art, nil
}

// fromFeed builds an article from the feed's own content, or nil when the
// feed carries too little text.
func fromFeed(e domain.FeedEntry) *domain.ExtractedArticle {
	raw := e.Content
	if len(content.PlainText(raw)) < minTextLen {
		raw = e.Summary
	}
	text := content.PlainText(raw)
	if len(text) < minTextLen {
		return nil
	}
	art := &domain.ExtractedArticle{
		URL:    e.URL,
		Title:  content.PlainTitle(e.Title),
		HTML:   raw,
		Text:   text,
		Images: e.Images,
	}
	if base, err := url.Parse(e.URL); err == nil {
		art.Images = appendUnique(bodyImages(raw, base), e.Images...)
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw)); err == nil {
			art.Videos = videos(doc, base)
		}
	}
	if len(art.Images) > 0 {
		art.LeadImage = art.Images[0]
	}
	return art
}

func pageTitle(doc *goquery.Document) string {
	if t := metaContent(doc, "og:title", "twitter:title"); t != "" {
		return content.PlainTitle(t)
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return content.PlainTitle(t)
	}
	return content.PlainTitle(doc.Find("h1").First().Text())
}

// metaContent returns the first non-empty <meta property|name=...> content.
func metaContent(doc *goquery.Document, names ...string) string {
	for _, n := range names {
		sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, n, n)
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bodyImages(html string, base *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if tooSmall(s) {
			return
		}
		src, _ := s.Attr("src")
		if src == "" {
			src, _ = s.Attr("data-src")
		}
		out = appendUnique(out, absURL(base, src))
	})
	return out
}

func tooSmall(s *goquery.Selection) bool {
	w, errW := strconv.Atoi(s.AttrOr("width", ""))
	h, errH := strconv.Atoi(s.AttrOr("height", ""))
	return errW == nil && errH == nil && (w < minImageSide || h < minImageSide)
}

// videos returns the watch URL of every YouTube iframe or link on the page.
func videos(doc *goquery.Document, base *url.URL) []string {
	var out []string
	doc.Find("iframe[src], iframe[data-src], a[href]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src", "href"} {
			if v, ok := s.Attr(attr); ok {
				if id := content.YouTubeID(absURL(base, v)); id != "" {
					out = appendUnique(out, content.WatchURL(id))
				}
			}
		}
	})
	return out
}

func absURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
