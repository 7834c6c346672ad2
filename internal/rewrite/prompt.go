package rewrite

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultPromptTemplate is the system prompt used when the configuration
// does not override it. {title} is replaced with the source caption, {seed}
// with a per-unit value that keeps repeated rewrites from converging.
const DefaultPromptTemplate = `You rewrite short-video captions for republication.
Rewrite the caption "{title}" into {language}.
Keep it punchy, under 80 characters, and do not mention the original author.
Variation seed: {seed}.
Respond with JSON only: {"title": "...", "tags": ["...", "..."]}`

// RenderPrompt fills the template placeholders.
func RenderPrompt(template, title, targetLanguage string, seed int64) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultPromptTemplate
	}
	replacer := strings.NewReplacer(
		"{title}", strings.TrimSpace(title),
		"{language}", strings.TrimSpace(targetLanguage),
		"{seed}", fmt.Sprintf("%d", seed),
	)
	return replacer.Replace(template)
}

var tagCaser = cases.Lower(language.Und)

// NormalizeTags lowercases tags, strips hash marks and inner whitespace,
// deduplicates, and appends the configured extra tags. At most limit tags
// survive; zero means no limit.
func NormalizeTags(modelTags, extraTags []string, limit int) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(modelTags)+len(extraTags))
	appendTag := func(tag string) {
		tag = tagCaser.String(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
		tag = strings.Join(strings.Fields(tag), "")
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, tag := range modelTags {
		appendTag(tag)
	}
	for _, tag := range extraTags {
		appendTag(tag)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
