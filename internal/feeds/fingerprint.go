package feeds

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// trackingParams are stripped from URLs before they are used as identity.
var trackingParams = []string{"utm_", "fbclid", "gclid", "mc_cid", "mc_eid"}

// Fingerprint returns the article key of e: the hex SHA-256 of the source id
// joined with the entry's GUID, or its normalized link when there is no
// GUID, or its title when there is neither. The key is stable across fetches
// of the same entry and distinct between sources.
func Fingerprint(sourceID string, e domain.FeedEntry) string {
	kind, id := "guid", strings.TrimSpace(e.GUID)
	if id == "" {
		kind, id = "url", NormalizeURL(e.URL)
	}
	if id == "" {
		kind, id = "title", strings.TrimSpace(e.Title)
	}
	sum := sha256.Sum256([]byte(sourceID + "\x00" + kind + "\x00" + id))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL lower-cases scheme and host, drops the fragment, tracking
// parameters and a trailing slash; the remaining query is sorted.
// Unparseable input is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		for _, p := range trackingParams {
			if strings.HasPrefix(lk, p) {
				q.Del(k)
				break
			}
		}
	}
	u.RawQuery = q.Encode()

	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}
