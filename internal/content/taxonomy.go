package content

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MaxTags bounds the tags attached to one post.
const MaxTags = 8

// CategoryIDs maps a source category to WordPress category ids, falling
// back to def. Nil when neither is configured.
func CategoryIDs(category string, mapping map[string]int, def int) []int {
	if id, ok := mapping[strings.ToLower(strings.TrimSpace(category))]; ok && id > 0 {
		return []int{id}
	}
	if def > 0 {
		return []int{def}
	}
	return nil
}

// NormalizeTags cleans AI-suggested tags: plain text, title case, no
// duplicates (case-insensitive), no empties, at most MaxTags.
func NormalizeTags(tags []string) []string {
	title := cases.Title(language.Und, cases.NoLower)
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.Trim(PlainText(t), "#,.;: ")
		if t == "" || len([]rune(t)) > 60 {
			continue
		}
		k := strings.ToLower(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, title.String(t))
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// FocusKeyword is the lower-cased first two words of the title.
func FocusKeyword(title string) string {
	words := strings.Fields(PlainText(title))
	if len(words) > 2 {
		words = words[:2]
	}
	return strings.ToLower(strings.Join(words, " "))
}

// MetaDescription is the excerpt cut to MaxMetaRunes runes.
func MetaDescription(excerpt string) string {
	return truncate(PlainText(excerpt), MaxMetaRunes)
}
