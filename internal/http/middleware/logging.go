// Package middleware contains the Gin middleware of the ops API.
//
// This file provides the correlation id, the access log and panic recovery:
//
//   - RequestID() reuses X-Request-ID when the caller sent one and generates
//     a UUID otherwise, echoing it on the response.
//   - Logger() writes one structured line per request. Credentials never
//     reach the log: Authorization, Cookie and X-API-Key values are masked and
//     secret-looking query parameters are replaced.
//   - Recovery() turns panics into the JSON 500 envelope.
//   - LoggerFrom() returns the request-scoped logger for handlers.
//
// Order them RequestID → Logger → Recovery so panics carry the request id.
package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	loggerKey         = "logger"
	maxQueryLogLength = 1024
	redacted          = "[REDACTED]"
)

// LogOptions configures Logger.
type LogOptions struct {
	// MaskHeaders lists extra request headers whose values are masked.
	MaskHeaders []string
	// LogHeaders adds the (masked) request headers to every line.
	LogHeaders bool
}

var (
	// bearer tokens and OpenAI-style keys that leak into free text
	secretRE = regexp.MustCompile(`(?i)(bearer\s+[a-z0-9._\-]+|sk-[a-z0-9_\-]{8,})`)
	// query parameters whose value is always a credential
	secretParams = map[string]struct{}{
		"api_key": {}, "apikey": {}, "key": {}, "token": {}, "password": {}, "secret": {},
	}
)

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes a structured access log line per request at info, warn (4xx)
// or error (5xx and gin errors) level and stores a request-scoped logger in
// the context.
func Logger(opts LogOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"x-api-key":     {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		lc := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(redactQuery(c.Request.URL.RawQuery), maxQueryLogLength))
		if opts.LogHeaders {
			lc = lc.Interface("headers", maskHeaders(c.Request.Header, masked))
		}
		l := lc.Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Msg("request")
	}
}

// Recovery intercepts panics, logs the stack and answers with a JSON 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")
			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when
// Logger() did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// RedactSecrets masks bearer tokens and API-key-shaped substrings in s.
func RedactSecrets(s string) string {
	if s == "" {
		return s
	}
	return secretRE.ReplaceAllString(s, redacted)
}

func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return RedactSecrets(raw)
	}
	for k := range q {
		if _, ok := secretParams[strings.ToLower(k)]; ok {
			q[k] = []string{redacted}
			continue
		}
		for i, v := range q[k] {
			q[k][i] = RedactSecrets(v)
		}
	}
	out, _ := url.QueryUnescape(q.Encode())
	return out
}

func maskHeaders(h http.Header, masked map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := masked[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = RedactSecrets(strings.Join(vv, ", "))
	}
	return out
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
