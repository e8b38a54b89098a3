// Package wordpress is a small client for the WordPress REST API
// (/wp-json/wp/v2) authenticated with an application password.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/utils"
)

const (
	apiSuffix    = "/wp-json/wp/v2"
	markerPrefix = "autopub:"
	maxBody      = 2 << 20
	maxImage     = 10 << 20
)

// ErrConfig is returned by New for an unusable site URL or missing
// credentials.
var ErrConfig = errors.New("wordpress: invalid configuration")

// Post is what CreatePost sends.
type Post struct {
	Title      string
	Content    string
	Excerpt    string
	Status     string
	Categories []int
	Tags       []int
	Meta       map[string]string
	// FeaturedMedia is a media id from UploadMedia; zero sends none.
	FeaturedMedia int64
	// Token is embedded in the content as an HTML comment and sent as the
	// Idempotency-Key header.
	Token string
}

// APIError is the decoded error body of a failed call.
type APIError struct {
	Status  int
	Code    string
	Message string
	TermID  int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wordpress %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("wordpress %d: %s", e.Status, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	base     string
	user     string
	password string
	timeout  time.Duration
	http     *http.Client

	mu   sync.Mutex
	tags map[string]int
}

// New validates cfg and returns a client rooted at the site's wp/v2 API.
func New(cfg config.WordPressConfig) (*Client, error) {
	base, err := APIBase(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: user and application password are required", ErrConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     base,
		user:     cfg.User,
		password: cfg.Password,
		timeout:  timeout,
		http:     &http.Client{},
		tags:     map[string]int{},
	}, nil
}

// APIBase turns a site root or an API URL into ".../wp-json/wp/v2".
func APIBase(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: bad url %q", ErrConfig, raw)
	}
	if strings.HasSuffix(raw, apiSuffix) {
		return raw, nil
	}
	if i := strings.Index(raw, "/wp-json"); i >= 0 {
		raw = raw[:i]
	}
	return raw + apiSuffix, nil
}

// Base returns the API root the client talks to.
func (c *Client) Base() string { return c.base }

// Marker is the HTML comment that ties a post to its idempotency token.
func Marker(token string) string {
	return "<!-- " + markerPrefix + token + " -->"
}

// Ping checks connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	var me struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := c.call(ctx, "wordpress ping", http.MethodGet, "/users/me", url.Values{"context": {"edit"}}, nil, nil, &me); err != nil {
		return err
	}
	log.Debug().Int64("user_id", me.ID).Str("user", me.Name).Msg("wordpress reachable")
	return nil
}

type postBody struct {
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Excerpt    string            `json:"excerpt,omitempty"`
	Status     string            `json:"status"`
	Categories []int             `json:"categories,omitempty"`
	Tags       []int             `json:"tags,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Featured   int64             `json:"featured_media,omitempty"`
}

type postResp struct {
	ID      int64  `json:"id"`
	Link    string `json:"link"`
	Status  string `json:"status"`
	Content struct {
		Raw string `json:"raw"`
	} `json:"content"`
}

// CreatePost creates p. When the site rejects the SEO meta with a 400 the
// post is sent again without it.
func (c *Client) CreatePost(ctx context.Context, p Post) (domain.PublishedPost, error) {
	status := p.Status
	if status == "" {
		status = "draft"
	}
	content := p.Content
	if p.Token != "" && !strings.Contains(content, Marker(p.Token)) {
		content = strings.TrimRight(content, "\n") + "\n" + Marker(p.Token)
	}
	body := postBody{
		Title:      p.Title,
		Content:    content,
		Excerpt:    p.Excerpt,
		Status:     status,
		Categories: p.Categories,
		Tags:       p.Tags,
		Meta:       p.Meta,
		Featured:   p.FeaturedMedia,
	}
	hdr := http.Header{}
	if p.Token != "" {
		hdr.Set("Idempotency-Key", p.Token)
	}

	var out postResp
	err := c.call(ctx, "wordpress create post", http.MethodPost, "/posts", nil, hdr, body, &out)
	if err != nil && len(body.Meta) > 0 && domain.StatusCodeOf(err) == http.StatusBadRequest {
		log.Warn().Err(err).Msg("post rejected with meta, retrying without")
		body.Meta = nil
		err = c.call(ctx, "wordpress create post", http.MethodPost, "/posts", nil, hdr, body, &out)
	}
	if err != nil {
		return domain.PublishedPost{}, err
	}
	if out.ID == 0 {
		return domain.PublishedPost{}, domain.Permanent("wordpress create post", 0, errors.New("response has no post id"))
	}
	return domain.PublishedPost{ID: out.ID, URL: out.Link, Status: out.Status}, nil
}

// FindByToken looks for a post carrying Marker(token) in any status. ok is
// false when there is none.
func (c *Client) FindByToken(ctx context.Context, token string) (post domain.PublishedPost, ok bool, err error) {
	q := url.Values{
		"search":   {markerPrefix + token},
		"context":  {"edit"},
		"status":   {"publish,future,draft,pending,private"},
		"per_page": {"10"},
		"_fields":  {"id,link,status,content"},
	}
	var list []postResp
	if err := c.call(ctx, "wordpress find post", http.MethodGet, "/posts", q, nil, nil, &list); err != nil {
		return domain.PublishedPost{}, false, err
	}
	marker := Marker(token)
	for _, p := range list {
		if strings.Contains(p.Content.Raw, marker) {
			return domain.PublishedPost{ID: p.ID, URL: p.Link, Status: p.Status, Existing: true}, true, nil
		}
	}
	return domain.PublishedPost{}, false, nil
}

// UploadMedia downloads the image at imageURL and stores it in the media
// library, returning the new media id.
func (c *Client) UploadMedia(ctx context.Context, imageURL string) (int64, error) {
	const op = "wordpress upload media"
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0, domain.Permanent(op, 0, fmt.Errorf("bad image url %q", imageURL))
	}
	data, ctype, err := c.download(ctx, u.String())
	if err != nil {
		return 0, err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = "image"
	}
	if ctype == "" {
		ctype = imageType(name)
	}
	if path.Ext(name) == "" {
		if exts, _ := mime.ExtensionsByType(ctype); len(exts) > 0 {
			name += exts[0]
		}
	}

	hdr := http.Header{}
	hdr.Set("Content-Type", ctype)
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, op, http.MethodPost, c.base+"/media", bytes.NewReader(data), hdr, &out); err != nil {
		return 0, err
	}
	if out.ID == 0 {
		return 0, domain.Permanent(op, 0, errors.New("response has no media id"))
	}
	return out.ID, nil
}

func (c *Client) download(ctx context.Context, u string) ([]byte, string, error) {
	const op = "download image"
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", domain.Permanent(op, 0, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", domain.FromTransport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", domain.FromStatus(op, resp.StatusCode, 0, fmt.Errorf("image status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImage+1))
	if err != nil {
		return nil, "", domain.FromTransport(op, err)
	}
	if len(data) > maxImage {
		return nil, "", domain.Permanent(op, 0, errors.New("image too large"))
	}
	ctype, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ctype, "image/") {
		ctype = ""
	}
	return data, ctype, nil
}

// imageType guesses an image content type from a file name.
func imageType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

type term struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// EnsureTags returns the ids of the named tags, creating missing ones. Tags
// the site refuses are skipped; transport and server errors are returned.
func (c *Client) EnsureTags(ctx context.Context, names []string) ([]int, error) {
	ids := make([]int, 0, len(names))
	seen := map[int]bool{}
	for _, name := range names {
		slug := Slugify(name)
		if slug == "" {
			continue
		}
		id, err := c.ensureTag(ctx, name, slug)
		if err != nil {
			if domain.KindOf(err) == domain.KindPermanent {
				log.Warn().Err(err).Str("tag", name).Msg("tag skipped")
				continue
			}
			return ids, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *Client) ensureTag(ctx context.Context, name, slug string) (int, error) {
	c.mu.Lock()
	id, ok := c.tags[slug]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var found []term
	if err := c.call(ctx, "wordpress tags", http.MethodGet, "/tags", url.Values{"slug": {slug}, "per_page": {"1"}}, nil, nil, &found); err != nil {
		return 0, err
	}
	if len(found) > 0 {
		id = found[0].ID
	} else {
		var created term
		err := c.call(ctx, "wordpress create tag", http.MethodPost, "/tags", nil, nil, map[string]string{"name": name, "slug": slug}, &created)
		var apiErr *APIError
		switch {
		case err == nil:
			id = created.ID
		case errors.As(err, &apiErr) && apiErr.Code == "term_exists" && apiErr.TermID > 0:
			id = apiErr.TermID
		default:
			return 0, err
		}
	}

	c.mu.Lock()
	c.tags[slug] = id
	c.mu.Unlock()
	return id, nil
}

// Slugify lower-cases s and joins its letters and digits with dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127 && !isSpaceOrPunct(r):
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func isSpaceOrPunct(r rune) bool {
	return strings.ContainsRune(" –—‘’“”…", r)
}

// call performs one JSON request under the client timeout and classifies
// the outcome.
func (c *Client) call(ctx context.Context, op, method, endpoint string, q url.Values, hdr http.Header, in, out any) error {
	u := c.base + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return domain.Permanent(op, 0, err)
		}
		body = bytes.NewReader(raw)
		if hdr == nil {
			hdr = http.Header{}
		}
		hdr.Set("Content-Type", "application/json")
	}
	return c.do(ctx, op, method, u, body, hdr, out)
}

func (c *Client) do(ctx context.Context, op, method, u string, body io.Reader, hdr http.Header, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return domain.Permanent(op, 0, err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		retry := utils.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return domain.FromStatus(op, resp.StatusCode, retry, decodeError(resp.StatusCode, raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return domain.Transient(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeError(status int, raw []byte) *APIError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			TermID json.RawMessage `json:"term_id"`
		} `json:"data"`
	}
	e := &APIError{Status: status}
	if json.Unmarshal(raw, &body) == nil && (body.Code != "" || body.Message != "") {
		e.Code = body.Code
		e.Message = body.Message
		e.TermID = atoiJSON(body.Data.TermID)
		return e
	}
	e.Message = utils.ErrorBody(bytes.NewReader(raw))
	return e
}

// atoiJSON reads a number that some sites send as a string.
func atoiJSON(raw json.RawMessage) int {
	s := strings.Trim(string(raw), `"`)
	n, _ := strconv.Atoi(s)
	return n
}
