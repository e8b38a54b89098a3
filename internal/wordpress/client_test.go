package wordpress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// fakeWP is a minimal in-memory wp/v2 API.
type fakeWP struct {
	t  *testing.T
	mu sync.Mutex

	posts        []map[string]any
	tags         map[string]int
	rejectMeta   bool
	createStatus int
	createCalls  int
	tagGets      int
	raceTerm     bool
	lastIdemKey  string
	uploads      []upload
}

type upload struct {
	contentType string
	disposition string
	size        int
}

func newFakeWP(t *testing.T) (*fakeWP, *httptest.Server) {
	t.Helper()
	f := &fakeWP{t: t, tags: map[string]int{"existing": 7}}
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wp/v2/posts", f.handlePosts)
	mux.HandleFunc("/wp-json/wp/v2/tags", f.handleTags)
	mux.HandleFunc("/wp-json/wp/v2/media", f.handleMedia)
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.jpg") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake image bytes"))
	})
	mux.HandleFunc("/wp-json/wp/v2/users/me", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "editor" || p != "app pass" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "rest_not_logged_in", "message": "no"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 1, "name": "editor"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeWP) handlePosts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		assert.Equal(f.t, "edit", r.URL.Query().Get("context"))
		needle := r.URL.Query().Get("search")
		out := []map[string]any{}
		for _, p := range f.posts {
			if strings.Contains(p["content"].(map[string]any)["raw"].(string), needle) {
				out = append(out, p)
			}
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		f.createCalls++
		f.lastIdemKey = r.Header.Get("Idempotency-Key")
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if f.createStatus != 0 {
			writeJSON(w, f.createStatus, map[string]any{"code": "boom", "message": "failed"})
			return
		}
		if _, hasMeta := body["meta"]; hasMeta && f.rejectMeta {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": "rest_invalid_param", "message": "meta"})
			return
		}
		id := len(f.posts) + 100
		p := map[string]any{
			"id":      id,
			"link":    "https://site.example/?p=" + strconv.Itoa(id),
			"status":  body["status"],
			"content": map[string]any{"raw": body["content"]},
		}
		if fm, ok := body["featured_media"]; ok {
			p["featured_media"] = fm
		}
		f.posts = append(f.posts, p)
		writeJSON(w, http.StatusCreated, p)
	}
}

func (f *fakeWP) handleMedia(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	f.uploads = append(f.uploads, upload{
		contentType: r.Header.Get("Content-Type"),
		disposition: r.Header.Get("Content-Disposition"),
		size:        len(raw),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"id": 500 + len(f.uploads)})
}

func (f *fakeWP) handleTags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		f.tagGets++
		slug := r.URL.Query().Get("slug")
		if id, ok := f.tags[slug]; ok && !f.raceTerm {
			writeJSON(w, http.StatusOK, []map[string]any{{"id": id, "slug": slug}})
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	case http.MethodPost:
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if body["slug"] == "forbidden" {
			writeJSON(w, http.StatusForbidden, map[string]any{"code": "rest_cannot_create", "message": "no"})
			return
		}
		if id, ok := f.tags[body["slug"]]; ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"code": "term_exists", "message": "exists",
				"data": map[string]any{"status": 400, "term_id": id},
			})
			return
		}
		id := len(f.tags) + 10
		f.tags[body["slug"]] = id
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": body["name"], "slug": body["slug"]})
	}
}

func newClient(t *testing.T, siteURL string) *Client {
	t.Helper()
	c, err := New(config.WordPressConfig{URL: siteURL, User: "editor", Password: "app pass", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestAPIBase(t *testing.T) {
	cases := map[string]string{
		"https://site.example":                    "https://site.example/wp-json/wp/v2",
		"https://site.example/":                   "https://site.example/wp-json/wp/v2",
		"https://site.example/wp-json/wp/v2/":     "https://site.example/wp-json/wp/v2",
		"https://site.example/wp-json":            "https://site.example/wp-json/wp/v2",
		"https://site.example/blog/wp-json/wp/v2": "https://site.example/blog/wp-json/wp/v2",
	}
	for in, want := range cases {
		got, err := APIBase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := APIBase("ftp://site")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = New(config.WordPressConfig{URL: "https://site.example"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestPing(t *testing.T) {
	_, srv := newFakeWP(t)
	require.NoError(t, newClient(t, srv.URL).Ping(context.Background()))

	bad, err := New(config.WordPressConfig{URL: srv.URL, User: "editor", Password: "wrong"})
	require.NoError(t, err)
	err = bad.Ping(context.Background())
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
	assert.Contains(t, err.Error(), "rest_not_logged_in")
}

func TestCreatePost_MarkerAndFind(t *testing.T) {
	f, srv := newFakeWP(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	post, err := c.CreatePost(ctx, Post{Title: "T", Content: "<p>x</p>", Status: "publish", Token: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), post.ID)
	assert.Equal(t, "publish", post.Status)
	assert.Equal(t, "abc123", f.lastIdemKey)
	assert.Contains(t, f.posts[0]["content"].(map[string]any)["raw"], Marker("abc123"))

	found, ok, err := c.FindByToken(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, post.ID, found.ID)
	assert.True(t, found.Existing)

	_, ok, err = c.FindByToken(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadMedia_FeaturedImage(t *testing.T) {
	f, srv := newFakeWP(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.UploadMedia(ctx, srv.URL+"/img/poster.png?w=800")
	require.NoError(t, err)
	assert.Equal(t, int64(501), id)
	require.Len(t, f.uploads, 1)
	assert.Equal(t, "image/png", f.uploads[0].contentType)
	assert.Equal(t, `attachment; filename=poster.png`, f.uploads[0].disposition)
	assert.NotZero(t, f.uploads[0].size)

	_, err = c.CreatePost(ctx, Post{Title: "T", Content: "c", FeaturedMedia: id})
	require.NoError(t, err)
	assert.EqualValues(t, 501, f.posts[0]["featured_media"])

	_, err = c.CreatePost(ctx, Post{Title: "U", Content: "c"})
	require.NoError(t, err)
	assert.NotContains(t, f.posts[1], "featured_media")
}

func TestUploadMedia_Errors(t *testing.T) {
	f, srv := newFakeWP(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.UploadMedia(ctx, "ftp://img.example/a.jpg")
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))

	_, err = c.UploadMedia(ctx, srv.URL+"/img/missing.jpg")
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
	assert.Empty(t, f.uploads)
}

func TestCreatePost_RetriesWithoutMeta(t *testing.T) {
	f, srv := newFakeWP(t)
	f.rejectMeta = true
	c := newClient(t, srv.URL)

	post, err := c.CreatePost(context.Background(), Post{
		Title: "T", Content: "<p>x</p>",
		Meta: map[string]string{"_yoast_wpseo_focuskw": "kw"},
	})
	require.NoError(t, err)
	assert.NotZero(t, post.ID)
	assert.Equal(t, 2, f.createCalls)
	assert.Equal(t, "draft", post.Status)
}

func TestCreatePost_ErrorKinds(t *testing.T) {
	for status, kind := range map[int]domain.ErrorKind{
		http.StatusServiceUnavailable: domain.KindTransient,
		http.StatusTooManyRequests:    domain.KindRateLimited,
		http.StatusForbidden:          domain.KindPermanent,
	} {
		f, srv := newFakeWP(t)
		f.createStatus = status
		_, err := newClient(t, srv.URL).CreatePost(context.Background(), Post{Title: "T", Content: "c"})
		require.Error(t, err)
		assert.Equal(t, kind, domain.KindOf(err), "status %d", status)
		assert.Equal(t, 1, f.createCalls)
	}
}

func TestCreatePost_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := New(config.WordPressConfig{URL: srv.URL, User: "u", Password: "p", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.CreatePost(context.Background(), Post{Title: "T"})
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}

func TestEnsureTags(t *testing.T) {
	f, srv := newFakeWP(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	ids, err := c.EnsureTags(ctx, []string{"Existing", "New Tag", "new tag", "Forbidden", "  "})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 11}, ids)
	assert.Equal(t, 11, f.tags["new-tag"])

	gets := f.tagGets
	ids, err = c.EnsureTags(ctx, []string{"New Tag"})
	require.NoError(t, err)
	assert.Equal(t, []int{11}, ids)
	assert.Equal(t, gets, f.tagGets, "cached tags are not looked up again")
}

func TestEnsureTags_TermExists(t *testing.T) {
	f, srv := newFakeWP(t)
	f.raceTerm = true
	ids, err := newClient(t, srv.URL).EnsureTags(context.Background(), []string{"existing"})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, ids)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "spider-man-no-way-home", Slugify("Spider-Man: No Way Home"))
	assert.Equal(t, "the-last-of-us", Slugify("  The Last  of Us!! "))
	assert.Equal(t, "", Slugify("--"))
}
