package content

import "github.com/tbourn/go-news-autopublisher/internal/domain"

// Finish turns a raw rewrite into the publishable article: plain title and
// excerpt, sanitized body with paragraphs, source images and videos
// preserved, attribution appended and tags normalized. The lead image, or
// the first source image, becomes the featured image.
func Finish(rw domain.RewrittenArticle, src domain.ExtractedArticle) domain.RewrittenArticle {
	out := rw
	out.Title = PlainTitle(rw.Title)

	body := NormalizeEmbeds(rw.Content)
	body = Sanitize(body)
	body = EnsureParagraphs(body)

	out.Excerpt = Excerpt(rw.Excerpt)
	if out.Excerpt == "" {
		out.Excerpt = Excerpt(body)
	}

	images := make([]string, 0, len(src.Images)+1)
	if src.LeadImage != "" {
		images = append(images, src.LeadImage)
	}
	images = append(images, src.Images...)
	if len(images) > 0 {
		out.Image = images[0]
	}
	body = MergeImages(body, images)
	body = PreserveVideos(body, src.Videos)
	out.Content = Attribution(body, src.URL)
	out.Tags = NormalizeTags(rw.Tags)
	return out
}
