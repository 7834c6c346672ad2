// Package ingest discovers new source videos and enqueues them,
// deduplicated by content fingerprint.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/services"
)

// Item is one video offered by a source feed.
type Item struct {
	VideoID  string `json:"id"`
	AuthorID string `json:"author_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// Fingerprint derives the stable identity used for deduplication. The
// platform video id wins when present; otherwise the canonical URL stands in.
func Fingerprint(item Item) string {
	key := strings.TrimSpace(item.VideoID)
	if key != "" {
		key = strings.TrimSpace(item.AuthorID) + "|" + key
	} else {
		key = strings.TrimSpace(item.URL)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Source produces candidate items for ingestion.
type Source interface {
	Name() string
	Poll(ctx context.Context, limit int) ([]Item, error)
}

// FeedSource polls an HTTP JSON feed of author uploads.
type FeedSource struct {
	name    string
	feedURL string
	client  *http.Client
}

type feedResponse struct {
	Items []Item `json:"items"`
}

// NewFeedSource builds a source from its configuration entry. When the entry
// carries no explicit URL the feed is derived from the author id.
func NewFeedSource(src config.Source, client *http.Client) (*FeedSource, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	feedURL := strings.TrimSpace(src.URL)
	if feedURL == "" {
		if strings.TrimSpace(src.AuthorID) == "" {
			return nil, services.Wrap(services.ErrConfiguration, "", "ingest",
				fmt.Sprintf("source %q needs url or author_id", src.Name), nil)
		}
		feedURL = "https://www.iesdouyin.com/web/api/v2/aweme/post/?sec_uid=" + url.QueryEscape(src.AuthorID)
	}
	return &FeedSource{name: src.Name, feedURL: feedURL, client: client}, nil
}

// Name identifies the source in logs.
func (s *FeedSource) Name() string { return s.name }

// Poll fetches up to limit items from the feed.
func (s *FeedSource) Poll(ctx context.Context, limit int) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "ingest", "build feed request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrRetryable, "", "ingest", "fetch feed "+s.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrRetryable, "", "ingest", "read feed "+s.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrRetryable, "", "ingest",
			fmt.Sprintf("feed %s returned status %d", s.name, resp.StatusCode), nil)
	}
	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, services.Wrap(services.ErrRetryable, "", "ingest", "decode feed "+s.name, err)
	}
	items := feed.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// StaticSource serves a fixed list of items, used for manual enqueueing and
// in tests.
type StaticSource struct {
	SourceName string
	Items      []Item
}

func (s *StaticSource) Name() string { return s.SourceName }

func (s *StaticSource) Poll(_ context.Context, limit int) ([]Item, error) {
	items := s.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
