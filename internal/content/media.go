package content

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxMergedImages bounds how many source images are re-attached to a post.
const MaxMergedImages = 6

var youTubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
	"www.youtu.be":    true,
}

var creditPrefixes = []string{"crédito:", "credito:", "fonte:", "credit:", "credits:", "source:"}

// YouTubeID returns the video id of a YouTube watch, embed, shorts or
// youtu.be URL, or "".
func YouTubeID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if !youTubeHosts[host] {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case strings.HasSuffix(host, "youtu.be"):
		return parts[0]
	case len(parts) >= 2 && (parts[0] == "embed" || parts[0] == "shorts"):
		return parts[1]
	case u.Path == "/watch":
		return u.Query().Get("v")
	}
	return ""
}

// WatchURL is the canonical watch URL for a video id. WordPress turns a
// bare watch URL on its own line into an embed.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func parseFragment(raw string) (*goquery.Document, *goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + raw + "</body>"))
	if err != nil {
		return nil, nil, err
	}
	return doc, doc.Find("body"), nil
}

func render(body *goquery.Selection, fallback string) string {
	out, err := body.Html()
	if err != nil {
		return fallback
	}
	return strings.TrimSpace(out)
}

// NormalizeEmbeds replaces YouTube iframes with a paragraph holding the
// watch URL, drops every other iframe and removes credit lines.
func NormalizeEmbeds(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	_, body, err := parseFragment(raw)
	if err != nil {
		return raw
	}

	body.Find("figcaption, p, span").Each(func(_ int, s *goquery.Selection) {
		t := strings.ToLower(strings.TrimSpace(s.Text()))
		for _, p := range creditPrefixes {
			if strings.HasPrefix(t, p) {
				s.Remove()
				return
			}
		}
	})

	body.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if id := YouTubeID(src); id != "" {
			s.ReplaceWithHtml(fmt.Sprintf("<p>%s</p>", WatchURL(id)))
			return
		}
		s.Remove()
	})

	// Unwrap figures left holding only an embed paragraph; drop empty ones.
	body.Find("figure").Each(func(_ int, s *goquery.Selection) {
		if s.Find("img").Length() > 0 {
			return
		}
		if strings.TrimSpace(s.Text()) == "" {
			s.Remove()
			return
		}
		inner, err := s.Html()
		if err != nil {
			return
		}
		s.ReplaceWithHtml(inner)
	})

	return render(body, raw)
}

func imageKey(u string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(u), "/"))
}

// MergeImages makes sure the source images appear in the post. Images not
// already present are inserted as figures after the first paragraph (or
// appended), up to MaxMergedImages.
func MergeImages(raw string, images []string) string {
	_, body, err := parseFragment(raw)
	if err != nil {
		return raw
	}

	present := map[string]bool{}
	body.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			present[imageKey(src)] = true
		}
	})

	var figs strings.Builder
	added := 0
	for _, u := range images {
		k := imageKey(u)
		if k == "" || present[k] || !isHTTP(u) {
			continue
		}
		present[k] = true
		fmt.Fprintf(&figs, `<figure><img src="%s" alt=""/></figure>`, escapeAttr(strings.TrimSpace(u)))
		added++
		if added >= MaxMergedImages {
			break
		}
	}
	if added == 0 {
		return raw
	}

	if first := body.ChildrenFiltered("p").First(); first.Length() > 0 {
		first.AfterHtml(figs.String())
	} else {
		body.AppendHtml(figs.String())
	}
	return render(body, raw)
}

// PreserveVideos appends the watch URL of every source video that the post
// does not already reference.
func PreserveVideos(raw string, videos []string) string {
	var b strings.Builder
	b.WriteString(raw)
	seen := map[string]bool{}
	for _, v := range videos {
		id := YouTubeID(v)
		if id == "" || seen[id] || strings.Contains(raw, id) {
			continue
		}
		seen[id] = true
		fmt.Fprintf(&b, "\n<p>%s</p>", WatchURL(id))
	}
	return b.String()
}

// Domain returns the host of raw without a leading "www.".
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Attribution appends a "Via <domain>" line linking the source, once.
func Attribution(raw, sourceURL string) string {
	d := Domain(sourceURL)
	if d == "" || !isHTTP(sourceURL) {
		return raw
	}
	line := fmt.Sprintf(`<p>Via <a href="%s" rel="nofollow noopener" target="_blank">%s</a></p>`, escapeAttr(sourceURL), d)
	if strings.Contains(raw, line) {
		return raw
	}
	return strings.TrimSpace(raw) + "\n" + line
}

func isHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func escapeAttr(s string) string {
	return strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;").Replace(s)
}
