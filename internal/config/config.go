// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the pipeline policy
// (key pool limits, retry/backoff, retention), the AI and WordPress
// collaborators, the ops HTTP server, logging, storage and observability.
//
// The ordered list of feed sources lives in a separate YAML file, see
// LoadSources in sources.go.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the ops API.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AIConfig configures the OpenAI-compatible rewrite provider.
type AIConfig struct {
	BaseURL     string        // AI_BASE_URL (empty = api.openai.com)
	Model       string        // AI_MODEL
	Keys        []string      // AI_API_KEYS (CSV) + AI_API_KEY_* variables
	Temperature float64       // AI_TEMPERATURE
	MaxTokens   int           // AI_MAX_TOKENS
	CallTimeout time.Duration // AI_CALL_TIMEOUT per provider call
	MaxRetries  int           // REWRITE_MAX_RETRIES transient retries
	BackoffBase time.Duration // REWRITE_BACKOFF_BASE (2s → 2s, 4s, 8s)
	BackoffCap  time.Duration // REWRITE_BACKOFF_CAP
	PromptFile  string        // AI_PROMPT_FILE optional text/template override
	Publisher   string        // PUBLISHER_NAME used in the prompt
	JSONMode    bool          // AI_JSON_MODE request response_format=json_object
}

// KeyPoolConfig is the per-credential rate and health policy.
type KeyPoolConfig struct {
	RateLimit         int           // KEY_RATE_LIMIT requests per window
	Window            time.Duration // KEY_RATE_WINDOW fixed window length
	FailureThreshold  int           // KEY_FAILURE_THRESHOLD before cooldown
	CooldownBase      time.Duration // KEY_COOLDOWN_BASE
	CooldownCap       time.Duration // KEY_COOLDOWN_CAP
	DefaultRetryAfter time.Duration // KEY_DEFAULT_RETRY_AFTER when provider gives no hint
}

// WordPressConfig configures the publish destination.
type WordPressConfig struct {
	URL             string         // WORDPRESS_URL (site root or .../wp-json/wp/v2)
	User            string         // WORDPRESS_USER
	Password        string         // WORDPRESS_PASSWORD (application password)
	PostStatus      string         // WORDPRESS_POST_STATUS publish|draft|pending|private|future
	DefaultCategory int            // WORDPRESS_DEFAULT_CATEGORY (0 = none)
	Categories      map[string]int // WORDPRESS_CATEGORIES "movies=24,series=21"
	SEOMeta         bool           // WORDPRESS_SEO_META (Yoast fields)
	Timeout         time.Duration  // WORDPRESS_TIMEOUT per call
	MaxRetries      int            // PUBLISH_MAX_RETRIES
	BackoffBase     time.Duration  // PUBLISH_BACKOFF_BASE
	BackoffCap      time.Duration  // PUBLISH_BACKOFF_CAP
}

// PipelineConfig holds cycle-level policy.
type PipelineConfig struct {
	FeedsFile          string        // FEEDS_FILE
	UserAgent          string        // USER_AGENT for feed and page fetches
	FetchTimeout       time.Duration // FETCH_TIMEOUT for feeds and article pages
	MaxArticlesPerFeed int           // MAX_ARTICLES_PER_FEED new articles per source per cycle
	Workers            int           // PIPELINE_WORKERS per source
	ArticleInterval    time.Duration // ARTICLE_INTERVAL pacing between articles
	RetryCeiling       int           // RETRY_CEILING failed → seen allowed below this
	LeaseTTL           time.Duration // LEASE_TTL cross-run claim on an article
	CycleInterval      time.Duration // CYCLE_INTERVAL for the built-in driver
	CleanupInterval    time.Duration // CLEANUP_INTERVAL for the built-in driver
	Retention          time.Duration // RETENTION window for published records
	VacuumOnCleanup    bool          // VACUUM_ON_CLEANUP
}

// Config holds all configuration values for the application.
type Config struct {
	// Ops HTTP server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for API routes
	APIKey            string        // OPS_API_KEY; empty disables write endpoints

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath string // SQLite path

	// Rate limiting (ops API)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	CORS      CORSConfig
	AI        AIConfig
	KeyPool   KeyPoolConfig
	WordPress WordPressConfig
	Pipeline  PipelineConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		APIKey:            getenv("OPS_API_KEY", ""),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBPath: getenv("DB_PATH", "data/autopublisher.db"),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		AI: AIConfig{
			BaseURL:     strings.TrimRight(getenv("AI_BASE_URL", ""), "/"),
			Model:       getenv("AI_MODEL", "gemini-2.5-flash"),
			Keys:        loadKeys(),
			Temperature: getfloat("AI_TEMPERATURE", 0.6),
			MaxTokens:   getint("AI_MAX_TOKENS", 4096),
			CallTimeout: getdur("AI_CALL_TIMEOUT", 90*time.Second),
			MaxRetries:  getint("REWRITE_MAX_RETRIES", 3),
			BackoffBase: getdur("REWRITE_BACKOFF_BASE", 2*time.Second),
			BackoffCap:  getdur("REWRITE_BACKOFF_CAP", time.Minute),
			PromptFile:  getenv("AI_PROMPT_FILE", ""),
			Publisher:   getenv("PUBLISHER_NAME", ""),
			JSONMode:    getbool("AI_JSON_MODE", true),
		},

		KeyPool: KeyPoolConfig{
			RateLimit:         getint("KEY_RATE_LIMIT", 12),
			Window:            getdur("KEY_RATE_WINDOW", time.Minute),
			FailureThreshold:  getint("KEY_FAILURE_THRESHOLD", 3),
			CooldownBase:      getdur("KEY_COOLDOWN_BASE", 5*time.Second),
			CooldownCap:       getdur("KEY_COOLDOWN_CAP", 5*time.Minute),
			DefaultRetryAfter: getdur("KEY_DEFAULT_RETRY_AFTER", 60*time.Second),
		},

		WordPress: WordPressConfig{
			URL:             strings.TrimSpace(getenv("WORDPRESS_URL", "")),
			User:            getenv("WORDPRESS_USER", ""),
			Password:        getenv("WORDPRESS_PASSWORD", ""),
			PostStatus:      strings.ToLower(getenv("WORDPRESS_POST_STATUS", "publish")),
			DefaultCategory: getint("WORDPRESS_DEFAULT_CATEGORY", 0),
			Categories:      parseIntMap(getenv("WORDPRESS_CATEGORIES", "")),
			SEOMeta:         getbool("WORDPRESS_SEO_META", true),
			Timeout:         getdur("WORDPRESS_TIMEOUT", 30*time.Second),
			MaxRetries:      getint("PUBLISH_MAX_RETRIES", 3),
			BackoffBase:     getdur("PUBLISH_BACKOFF_BASE", 2*time.Second),
			BackoffCap:      getdur("PUBLISH_BACKOFF_CAP", time.Minute),
		},

		Pipeline: PipelineConfig{
			FeedsFile:          getenv("FEEDS_FILE", "configs/feeds.yaml"),
			UserAgent:          getenv("USER_AGENT", "go-news-autopublisher/1.0"),
			FetchTimeout:       getdur("FETCH_TIMEOUT", 30*time.Second),
			MaxArticlesPerFeed: getint("MAX_ARTICLES_PER_FEED", 3),
			Workers:            getint("PIPELINE_WORKERS", 1),
			ArticleInterval:    getdur("ARTICLE_INTERVAL", 0),
			RetryCeiling:       getint("RETRY_CEILING", 3),
			LeaseTTL:           getdur("LEASE_TTL", 15*time.Minute),
			CycleInterval:      getdur("CYCLE_INTERVAL", 15*time.Minute),
			CleanupInterval:    getdur("CLEANUP_INTERVAL", 24*time.Hour),
			Retention:          getdur("RETENTION", 30*24*time.Hour),
			VacuumOnCleanup:    getbool("VACUUM_ON_CLEANUP", true),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-news-autopublisher"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}

	ai := cfg.AI
	if ai.CallTimeout <= 0 {
		return errors.New("AI_CALL_TIMEOUT must be > 0")
	}
	if ai.MaxRetries < 0 {
		return errors.New("REWRITE_MAX_RETRIES must be >= 0")
	}
	if ai.BackoffBase <= 0 || ai.BackoffCap < ai.BackoffBase {
		return errors.New("REWRITE_BACKOFF_BASE must be > 0 and <= REWRITE_BACKOFF_CAP")
	}
	if ai.Temperature < 0 || ai.Temperature > 2 {
		return errors.New("AI_TEMPERATURE must be in [0,2]")
	}

	kp := cfg.KeyPool
	if kp.RateLimit < 1 {
		return errors.New("KEY_RATE_LIMIT must be >= 1")
	}
	if kp.Window <= 0 {
		return errors.New("KEY_RATE_WINDOW must be > 0")
	}
	if kp.FailureThreshold < 1 {
		return errors.New("KEY_FAILURE_THRESHOLD must be >= 1")
	}
	if kp.CooldownBase <= 0 || kp.CooldownCap < kp.CooldownBase {
		return errors.New("KEY_COOLDOWN_BASE must be > 0 and <= KEY_COOLDOWN_CAP")
	}
	if kp.DefaultRetryAfter <= 0 {
		return errors.New("KEY_DEFAULT_RETRY_AFTER must be > 0")
	}

	wp := cfg.WordPress
	switch wp.PostStatus {
	case "publish", "draft", "pending", "private", "future":
	default:
		return errors.New("WORDPRESS_POST_STATUS must be one of: publish, draft, pending, private, future")
	}
	if wp.Timeout <= 0 {
		return errors.New("WORDPRESS_TIMEOUT must be > 0")
	}
	if wp.MaxRetries < 0 {
		return errors.New("PUBLISH_MAX_RETRIES must be >= 0")
	}
	if wp.BackoffBase <= 0 || wp.BackoffCap < wp.BackoffBase {
		return errors.New("PUBLISH_BACKOFF_BASE must be > 0 and <= PUBLISH_BACKOFF_CAP")
	}

	p := cfg.Pipeline
	if p.MaxArticlesPerFeed < 1 {
		return errors.New("MAX_ARTICLES_PER_FEED must be >= 1")
	}
	if p.Workers < 1 {
		return errors.New("PIPELINE_WORKERS must be >= 1")
	}
	if p.ArticleInterval < 0 {
		return errors.New("ARTICLE_INTERVAL must be >= 0")
	}
	if p.RetryCeiling < 1 {
		return errors.New("RETRY_CEILING must be >= 1")
	}
	if p.FetchTimeout <= 0 || p.LeaseTTL <= 0 || p.CycleInterval <= 0 || p.CleanupInterval <= 0 {
		return errors.New("FETCH_TIMEOUT, LEASE_TTL, CYCLE_INTERVAL and CLEANUP_INTERVAL must be > 0")
	}
	if p.Retention <= 0 {
		return errors.New("RETENTION must be > 0")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// RequirePublishing checks the settings only the pipeline needs: at least one
// AI key and complete WordPress credentials. Read-only commands skip it.
func (cfg Config) RequirePublishing() error {
	if len(cfg.AI.Keys) == 0 {
		return errors.New("no AI keys configured (AI_API_KEYS or AI_API_KEY_*)")
	}
	if cfg.WordPress.URL == "" || cfg.WordPress.User == "" || cfg.WordPress.Password == "" {
		return errors.New("WORDPRESS_URL, WORDPRESS_USER and WORDPRESS_PASSWORD are required")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseIntMap parses "a=1,b=2" into a map; malformed pairs are skipped.
func parseIntMap(s string) map[string]int {
	out := map[string]int{}
	for _, pair := range splitCSV(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = n
	}
	return out
}

// loadKeys merges AI_API_KEYS with every AI_API_KEY_* variable (sorted by
// variable name) and drops duplicates, keeping first-seen order.
func loadKeys() []string {
	keys := splitCSV(getenv("AI_API_KEYS", ""))

	var names []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "AI_API_KEY_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			keys = append(keys, v)
		}
	}

	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// String renders a one-line summary safe for logs (no secrets).
func (cfg Config) String() string {
	return fmt.Sprintf("db=%s feeds=%s keys=%d model=%s wp=%s workers=%d retention=%s",
		cfg.DBPath, cfg.Pipeline.FeedsFile, len(cfg.AI.Keys), cfg.AI.Model,
		cfg.WordPress.URL, cfg.Pipeline.Workers, cfg.Pipeline.Retention)
}
