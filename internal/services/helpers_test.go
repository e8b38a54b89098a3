package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-news-autopublisher/internal/ai"
	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/keypool"
	"github.com/tbourn/go-news-autopublisher/internal/repo"
	"github.com/tbourn/go-news-autopublisher/internal/wordpress"
)

// ---------- test helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testPoolConfig() config.KeyPoolConfig {
	return config.KeyPoolConfig{
		RateLimit:         10,
		Window:            time.Minute,
		FailureThreshold:  3,
		CooldownBase:      time.Second,
		CooldownCap:       time.Minute,
		DefaultRetryAfter: 60 * time.Second,
	}
}

func newTestPool(t *testing.T, secrets ...string) *keypool.Pool {
	t.Helper()
	p, err := keypool.New(context.Background(), secrets, testPoolConfig(), nil)
	if err != nil {
		t.Fatalf("keypool.New: %v", err)
	}
	return p
}

func testAIConfig() config.AIConfig {
	return config.AIConfig{
		Model:       "test",
		CallTimeout: time.Second,
		MaxRetries:  3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  time.Minute,
	}
}

func testWPConfig() config.WordPressConfig {
	return config.WordPressConfig{
		PostStatus:      "publish",
		DefaultCategory: 1,
		Categories:      map[string]int{"movies": 24},
		SEOMeta:         true,
		MaxRetries:      3,
		BackoffBase:     2 * time.Second,
		BackoffCap:      time.Minute,
	}
}

func answerJSON(title string) string {
	return fmt.Sprintf(`{"title":%q,"excerpt":"Short summary of %s.","content":"<p>Rewritten body about %s with enough words to count.</p>","tags":["Sequel","Studio"]}`,
		title, title, title)
}

// fakeAI answers from a script, one step per call; the last step repeats.
type fakeAI struct {
	mu      sync.Mutex
	steps   []func(secret string) (string, error)
	secrets []string
}

func (f *fakeAI) Complete(ctx context.Context, secret string, _ ai.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets = append(f.secrets, secret)
	i := len(f.secrets) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i](secret)
}

func (f *fakeAI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.secrets)
}

func answer(title string) func(string) (string, error) {
	return func(string) (string, error) { return answerJSON(title), nil }
}

func fails(err error) func(string) (string, error) {
	return func(string) (string, error) { return "", err }
}

// fakeWP keeps posts in memory. createErrs are consumed one per CreatePost
// call; an error whose createFirst flag is set is returned after the post
// was stored, like a response lost to a timeout.
type fakeWP struct {
	mu          sync.Mutex
	posts       []wordpress.Post
	createCalls int
	findCalls   int
	createErrs  []error
	createFirst bool
	tagErr      error
	uploads     []string
	uploadErr   error
}

func (f *fakeWP) CreatePost(_ context.Context, p wordpress.Post) (domain.PublishedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	var err error
	if len(f.createErrs) > 0 {
		err, f.createErrs = f.createErrs[0], f.createErrs[1:]
	}
	if err != nil && !f.createFirst {
		return domain.PublishedPost{}, err
	}
	f.posts = append(f.posts, p)
	id := int64(len(f.posts))
	if err != nil {
		return domain.PublishedPost{}, err
	}
	return domain.PublishedPost{ID: id, URL: fmt.Sprintf("https://site.example/?p=%d", id), Status: p.Status}, nil
}

func (f *fakeWP) FindByToken(_ context.Context, token string) (domain.PublishedPost, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	for i, p := range f.posts {
		if p.Token == token {
			return domain.PublishedPost{ID: int64(i + 1), Existing: true}, true, nil
		}
	}
	return domain.PublishedPost{}, false, nil
}

func (f *fakeWP) EnsureTags(_ context.Context, names []string) ([]int, error) {
	if f.tagErr != nil {
		return nil, f.tagErr
	}
	ids := make([]int, len(names))
	for i := range names {
		ids[i] = 100 + i
	}
	return ids, nil
}

func (f *fakeWP) UploadMedia(_ context.Context, imageURL string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, imageURL)
	if f.uploadErr != nil {
		return 0, f.uploadErr
	}
	return int64(900 + len(f.uploads)), nil
}

func (f *fakeWP) count() (posts, creates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts), f.createCalls
}

func (f *fakeWP) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, p.Title)
	}
	return out
}

type fakeFeeds struct {
	mu      sync.Mutex
	entries map[string][]domain.FeedEntry
	errs    map[string]error
	fetched []string
}

func (f *fakeFeeds) Fetch(_ context.Context, src config.Source) ([]domain.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, src.ID)
	return f.entries[src.ID], f.errs[src.ID]
}

func entry(source, slug string) domain.FeedEntry {
	return domain.FeedEntry{
		SourceID: source,
		GUID:     source + "-" + slug,
		URL:      "https://news.example/" + slug,
		Title:    "Story " + slug,
	}
}

type fakeExtractor struct {
	mu        sync.Mutex
	calls     int
	err       error
	leadImage string
}

func (f *fakeExtractor) Extract(_ context.Context, e domain.FeedEntry) (*domain.ExtractedArticle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ExtractedArticle{
		URL:       e.URL,
		Title:     e.Title,
		Text:      strings.Repeat(e.Title+" body text. ", 30),
		HTML:      "<p>" + e.Title + "</p>",
		LeadImage: f.leadImage,
	}, nil
}

type harness struct {
	db    *gorm.DB
	ai    *fakeAI
	wp    *fakeWP
	feeds *fakeFeeds
	ext   *fakeExtractor
	pool  *keypool.Pool
	sleep *sleepRecorder
	p     *Pipeline
}

func newHarness(t *testing.T, sources []config.Source, keys ...string) *harness {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{"secret-a"}
	}
	h := &harness{
		db:    newTestDB(t),
		ai:    &fakeAI{steps: []func(string) (string, error){answer("Rewritten")}},
		wp:    &fakeWP{},
		feeds: &fakeFeeds{entries: map[string][]domain.FeedEntry{}, errs: map[string]error{}},
		ext:   &fakeExtractor{},
		pool:  newTestPool(t, keys...),
		sleep: &sleepRecorder{},
	}
	h.p = &Pipeline{
		DB:      h.db,
		Sources: sources,
		Feeds:   h.feeds,
		Extract: h.ext,
		Rewrite: &RewriteService{AI: h.ai, Keys: h.pool, Cfg: testAIConfig(), Sleep: h.sleep.Sleep},
		Publish: &PublishService{DB: h.db, WP: h.wp, Cfg: testWPConfig(), Sleep: h.sleep.Sleep},
		Cfg: config.PipelineConfig{
			MaxArticlesPerFeed: 3,
			Workers:            1,
			RetryCeiling:       3,
			LeaseTTL:           time.Minute,
		},
		Owner: "test-run",
	}
	return h
}

func (h *harness) record(t *testing.T, source string, e domain.FeedEntry) *domain.ArticleRecord {
	t.Helper()
	var rec domain.ArticleRecord
	if err := h.db.Where("source_id = ? AND url = ?", source, e.URL).First(&rec).Error; err != nil {
		t.Fatalf("record for %s: %v", e.URL, err)
	}
	return &rec
}
