package domain

import "time"

// FeedEntry is one item read from a source feed, in feed order.
type FeedEntry struct {
	SourceID  string     `json:"source_id"`
	Category  string     `json:"category,omitempty"`
	GUID      string     `json:"guid,omitempty"`
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	Content   string     `json:"content,omitempty"`
	Images    []string   `json:"images,omitempty"`
	Published *time.Time `json:"published,omitempty"`
}

// ExtractedArticle is the readable article pulled from an entry's page.
type ExtractedArticle struct {
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	HTML      string   `json:"html"`
	Text      string   `json:"text"`
	LeadImage string   `json:"lead_image,omitempty"`
	Images    []string `json:"images,omitempty"`
	Videos    []string `json:"videos,omitempty"`
}

// RewrittenArticle is the AI-rewritten, sanitized content ready to publish.
type RewrittenArticle struct {
	Title   string   `json:"title"`
	Excerpt string   `json:"excerpt"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	KeyID   string   `json:"key_id,omitempty"`
	// Image is the source image used as the post's featured media.
	Image string `json:"image,omitempty"`
}

// PublishedPost identifies a post created on the destination site.
type PublishedPost struct {
	ID     int64  `json:"id"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
	// Existing is true when the post was found upstream instead of created.
	Existing bool `json:"existing,omitempty"`
}
