// Package content finishes AI output before it is published: it restricts
// HTML to a small allow-list, keeps titles and excerpts plain text, wraps
// loose text in paragraphs, re-attaches source media and appends an
// attribution line. It also derives WordPress categories, tags and SEO
// fields.
package content

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Length limits for plain-text fields.
const (
	MaxExcerptRunes = 300
	MaxMetaRunes    = 160
)

var (
	bodyPolicy  = newBodyPolicy()
	plainPolicy = bluemonday.StrictPolicy()
	spaceRe     = regexp.MustCompile(`\s+`)
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "h2", "h3", "ul", "ol", "li", "blockquote")
	p.AllowElements("b", "strong", "i", "em")
	p.AllowElements("figure", "figcaption")

	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https")
	p.AllowAttrs("href").OnElements("a")
	p.RequireNoFollowOnLinks(false)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowAttrs("width", "height").Matching(bluemonday.Integer).OnElements("img")
	return p
}

// Sanitize restricts html to the publishable allow-list. Scripts, styles,
// event handlers, unknown tags and non-http(s) URLs are removed; the text of
// removed inline wrappers is kept.
func Sanitize(raw string) string {
	return strings.TrimSpace(bodyPolicy.Sanitize(raw))
}

// PlainText strips every tag, decodes entities and collapses whitespace.
func PlainText(raw string) string {
	s := html.UnescapeString(plainPolicy.Sanitize(raw))
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// PlainTitle is PlainText for titles.
func PlainTitle(raw string) string { return PlainText(raw) }

// Excerpt returns the plain-text excerpt, at most MaxExcerptRunes runes.
func Excerpt(raw string) string {
	return truncate(PlainText(raw), MaxExcerptRunes)
}

// truncate shortens s to max runes, ending in "..." when cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max-3])) + "..."
}
