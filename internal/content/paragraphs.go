package content

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blockElements = map[string]bool{
	"p": true, "h2": true, "h3": true, "ul": true, "ol": true,
	"blockquote": true, "figure": true,
}

// EnsureParagraphs wraps top-level text and inline elements in <p>. Blank
// lines inside loose text start a new paragraph.
func EnsureParagraphs(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	_, body, err := parseFragment(raw)
	if err != nil {
		return raw
	}

	var (
		out    strings.Builder
		inline strings.Builder
	)
	flush := func() {
		for _, chunk := range strings.Split(inline.String(), "\n\n") {
			t := strings.TrimSpace(chunk)
			if PlainText(t) == "" && !strings.Contains(t, "<img") {
				continue
			}
			out.WriteString("<p>")
			out.WriteString(t)
			out.WriteString("</p>")
		}
		inline.Reset()
	}

	body.Contents().Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		if blockElements[name] {
			flush()
			if h, err := goquery.OuterHtml(s); err == nil {
				out.WriteString(h)
			}
			return
		}
		if name == "#comment" {
			return
		}
		if h, err := goquery.OuterHtml(s); err == nil {
			inline.WriteString(h)
		}
	})
	flush()
	return out.String()
}
