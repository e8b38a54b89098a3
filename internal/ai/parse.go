package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

const opParse = "ai answer"

type answer struct {
	Title   string          `json:"title"`
	Excerpt string          `json:"excerpt"`
	Content string          `json:"content"`
	Tags    json.RawMessage `json:"tags"`
}

// ParseAnswer decodes the model's JSON answer. Markdown fences and text
// around the object are tolerated. A missing title, excerpt or content is a
// permanent error: asking again with the same input is not expected to help.
func ParseAnswer(text string) (domain.RewrittenArticle, error) {
	raw := stripFences(text)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return domain.RewrittenArticle{}, domain.Permanent(opParse, 0, errors.New("no JSON object in answer"))
	}

	var a answer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &a); err != nil {
		return domain.RewrittenArticle{}, domain.Permanent(opParse, 0, fmt.Errorf("decode answer: %w", err))
	}
	for field, v := range map[string]string{"title": a.Title, "excerpt": a.Excerpt, "content": a.Content} {
		if strings.TrimSpace(v) == "" {
			return domain.RewrittenArticle{}, domain.Permanent(opParse, 0, fmt.Errorf("answer is missing %q", field))
		}
	}
	return domain.RewrittenArticle{
		Title:   strings.TrimSpace(a.Title),
		Excerpt: strings.TrimSpace(a.Excerpt),
		Content: strings.TrimSpace(a.Content),
		Tags:    decodeTags(a.Tags),
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[3:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// decodeTags accepts either a JSON array of strings or a comma separated
// string.
func decodeTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var csv string
	if err := json.Unmarshal(raw, &csv); err == nil {
		var out []string
		for _, t := range strings.Split(csv, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	return nil
}
