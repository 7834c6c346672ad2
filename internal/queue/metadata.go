package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Caption is the rewritten metadata a publish attempt posts alongside the
// video. It is stored as the rewrite stage's artifact.
type Caption struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags,omitempty"`
}

// Text renders the caption the way the publish surface expects it, title
// first with hashtags appended.
func (c Caption) Text() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.Title))
	for _, tag := range c.Tags {
		tag = strings.TrimSpace(strings.TrimPrefix(tag, "#"))
		if tag == "" {
			continue
		}
		b.WriteString(" #")
		b.WriteString(tag)
	}
	return b.String()
}

// SetCaption records the rewrite stage's output on the unit.
func (u *Unit) SetCaption(caption Caption) error {
	data, err := json.Marshal(caption)
	if err != nil {
		return fmt.Errorf("encode caption: %w", err)
	}
	u.SetArtifact(StageRewrite, string(data))
	return nil
}

// CaptionArtifact decodes the rewrite stage's output, if present.
func (u Unit) CaptionArtifact() (Caption, bool, error) {
	raw, ok := u.Artifact(StageRewrite)
	if !ok {
		return Caption{}, false, nil
	}
	var caption Caption
	if err := json.Unmarshal([]byte(raw), &caption); err != nil {
		return Caption{}, false, fmt.Errorf("decode caption: %w", err)
	}
	return caption, true, nil
}
