package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey carries the ops API key.
const HeaderAPIKey = "X-API-Key"

const ctxKeyCaller = "caller"

// RequireAPIKey guards mutating ops endpoints. The key is read from
// X-API-Key or an "Authorization: Bearer" header and compared in constant
// time. An empty configured key disables the guarded routes entirely (403).
//
// On success the caller identity ("key:<hash prefix>") is stored in the
// context so the rate limiter can bucket per key.
func RequireAPIKey(secret string) gin.HandlerFunc {
	want := sha256.Sum256([]byte(secret))
	return func(c *gin.Context) {
		if secret == "" {
			abortJSON(c, http.StatusForbidden, "forbidden", "ops API key not configured")
			return
		}
		got := presentedKey(c)
		if got == "" {
			c.Header("WWW-Authenticate", `Bearer realm="ops"`)
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		sum := sha256.Sum256([]byte(got))
		if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}
		c.Set(ctxKeyCaller, "key:"+hex.EncodeToString(sum[:4]))
		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); k != "" {
		return k
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Caller returns the identity RequireAPIKey stored, if any.
func Caller(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyCaller); ok {
		s, _ := v.(string)
		return s
	}
	return ""
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
