package ai

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// maxPromptContentRunes bounds the article text sent to the model.
const maxPromptContentRunes = 12000

const systemPrompt = `You are a senior news editor. You rewrite source articles into original, ` +
	`accurate posts for a news website. You never invent facts, quotes or dates. ` +
	`You answer with a single JSON object and nothing else.`

const defaultTemplate = `Rewrite the article below as an original post{{if .Publisher}} for {{.Publisher}}{{end}}.

Rules:
- Keep every fact, name, number and date from the source; add nothing that is not in it.
- "title": plain text, at most 90 characters, no quotes around it.
- "excerpt": plain text summary, at most 300 characters.
- "content": HTML using only <p>, <h2>, <h3>, <ul>, <ol>, <li>, <blockquote>, <b>, <strong>, <em>, <a href>. No inline styles, no scripts, no images.
- "tags": 3 to 8 short topic tags (people, titles, franchises, platforms).
- Do not mention the source site and do not add a byline.

Category: {{.Category}}
Source title: {{.Title}}
{{- if .Excerpt}}
Source summary: {{.Excerpt}}
{{- end}}
{{- if .Tags}}
Suggested tags: {{.Tags}}
{{- end}}

Source text:
{{.Content}}

Answer format:
{"title": "...", "excerpt": "...", "content": "<p>...</p>", "tags": ["..."]}`

// PromptData is what a prompt template can reference.
type PromptData struct {
	Title     string
	Excerpt   string
	Content   string
	Tags      string
	Category  string
	Publisher string
	URL       string
}

// Prompt renders rewrite requests from a text/template.
type Prompt struct {
	tmpl *template.Template
}

// NewPrompt parses the template in path, or the built-in template when path
// is empty.
func NewPrompt(path string) (*Prompt, error) {
	src := defaultTemplate
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt template: %w", err)
		}
		src = string(raw)
	}
	t, err := template.New("rewrite").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Prompt{tmpl: t}, nil
}

// Build renders the request for one extracted article.
func (p *Prompt) Build(art domain.ExtractedArticle, category, publisher string, tags []string) (Request, error) {
	data := PromptData{
		Title:     art.Title,
		Content:   clip(art.Text, maxPromptContentRunes),
		Tags:      strings.Join(tags, ", "),
		Category:  category,
		Publisher: publisher,
		URL:       art.URL,
	}
	var b strings.Builder
	if err := p.tmpl.Execute(&b, data); err != nil {
		return Request{}, fmt.Errorf("render prompt: %w", err)
	}
	return Request{System: systemPrompt, User: b.String()}, nil
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
