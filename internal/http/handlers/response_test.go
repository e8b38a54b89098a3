package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func envelopeRouter(t *testing.T, rid string, lg *zerolog.Logger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", rid)
		if lg != nil {
			c.Set("logger", lg)
		}
		c.Next()
	})
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	return er
}

func TestFail_ServerErrorIsLoggedRedacted(t *testing.T) {
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	r := envelopeRouter(t, "rid-store", &lg)
	r.GET("/stats", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "provider said: Bearer sk-live-abcdef0123456789")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decodeEnvelope(t, w)
	if er.RequestID != "rid-store" || er.Code != ErrCodeInternal {
		t.Fatalf("envelope: %+v", er)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"status":500`) {
		t.Fatalf("expected error log, got %s", out)
	}
	if strings.Contains(out, "sk-live-abcdef0123456789") {
		t.Fatalf("secret leaked into log: %s", out)
	}
}

func TestFail_ClientErrorIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	r := envelopeRouter(t, "rid-404", &lg)
	r.GET("/articles/:id", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "article not found")
		c.String(http.StatusOK, "unreachable")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/articles/x", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decodeEnvelope(t, w); er.Code != ErrCodeNotFound || er.Message != "article not found" || er.RequestID != "rid-404" {
		t.Fatalf("envelope: %+v", er)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx must not be logged: %s", buf.String())
	}
}

func TestOK_WritesBody(t *testing.T) {
	r := envelopeRouter(t, "rid-ok", nil)
	r.POST("/articles/retry", func(c *gin.Context) {
		ok(c, http.StatusAccepted, RetryResponse{Requeued: 4})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/articles/retry", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	var body RetryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Requeued != 4 {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
}

func TestNewPagination(t *testing.T) {
	cases := []struct {
		page, size int
		total      int64
		pages      int
		next       bool
	}{
		{1, 20, 0, 0, false},
		{1, 20, 20, 1, false},
		{1, 20, 21, 2, true},
		{2, 20, 21, 2, false},
		{3, 10, 95, 10, true},
	}
	for _, tc := range cases {
		p := newPagination(tc.page, tc.size, tc.total)
		if p.TotalPages != tc.pages || p.HasNext != tc.next || p.Total != tc.total {
			t.Fatalf("newPagination(%d,%d,%d) = %+v", tc.page, tc.size, tc.total, p)
		}
	}
}
