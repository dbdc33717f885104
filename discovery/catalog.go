// Package discovery implements the Discovery Scheduler (C15): periodic
// queries against an external video catalog API, candidate filtering,
// dedup against discovery history, and auto-enqueue into the Task Store.
// Grounded on teacher `vod/catalog.go` (kv-cursor pagination, rate-limited
// polling loop) generalized from one fixed channel to per-`MonitorConfig`
// queries, and `twitchapi/helix.go`'s retry/backoff shape.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/errclass"
	"github.com/subculture-collective/repubengine/retry"
)

// Candidate is one result returned by the catalog API, independent of the
// site's own field names.
type Candidate struct {
	VideoID       string
	ChannelID     string
	Title         string
	ViewCount     int64
	LikeCount     int64
	CommentCount  int64
	DurationSecs  int
	PublishedAt   time.Time
}

// CatalogClient abstracts the external video-site catalog API (spec §6:
// "search, channels, playlistItems, videos list"), kept generic since the
// source site is deliberately unnamed.
type CatalogClient interface {
	// Search runs a keyword/region/category/order/time-window query.
	Search(ctx context.Context, cfg MonitorConfig) ([]Candidate, error)
	// ChannelUploads fetches a channel's recent uploads published after since.
	ChannelUploads(ctx context.Context, channelID string, since time.Time) ([]Candidate, error)
}

const catalogMaxRetries = 3

// HTTPClient is the default CatalogClient, talking to a generic REST catalog
// API authenticated by an API key query parameter.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient constructs a catalog client for baseURL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, APIKey: apiKey, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

type searchResponse struct {
	Items []catalogItem `json:"items"`
}

type catalogItem struct {
	VideoID      string    `json:"video_id"`
	ChannelID    string    `json:"channel_id"`
	Title        string    `json:"title"`
	ViewCount    int64     `json:"view_count"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	DurationSecs int       `json:"duration_seconds"`
	PublishedAt  time.Time `json:"published_at"`
}

func (c catalogItem) toCandidate() Candidate {
	return Candidate{
		VideoID: c.VideoID, ChannelID: c.ChannelID, Title: c.Title,
		ViewCount: c.ViewCount, LikeCount: c.LikeCount, CommentCount: c.CommentCount,
		DurationSecs: c.DurationSecs, PublishedAt: c.PublishedAt,
	}
}

// Search performs a keyword search call (spec §4.15).
func (h *HTTPClient) Search(ctx context.Context, cfg MonitorConfig) ([]Candidate, error) {
	q := url.Values{}
	q.Set("q", cfg.Keywords)
	if cfg.Region != "" {
		q.Set("region", cfg.Region)
	}
	if cfg.Category != "" {
		q.Set("category", cfg.Category)
	}
	q.Set("order", cfg.OrderBy)
	if cfg.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(cfg.MaxResults))
	}
	if since := cfg.publishedAfter(); !since.IsZero() {
		q.Set("published_after", since.Format(time.RFC3339))
	}

	var resp searchResponse
	if err := h.getJSON(ctx, "/search", q, &resp); err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, item.toCandidate())
	}
	return out, nil
}

// ChannelUploads fetches a channel's uploads published after since, stats
// included, in a single request (spec §4.15: "fetch each channel's uploads playlist, then its latest
// items, filtering by publishedAfter").
func (h *HTTPClient) ChannelUploads(ctx context.Context, channelID string, since time.Time) ([]Candidate, error) {
	q := url.Values{}
	q.Set("channel_id", channelID)
	if !since.IsZero() {
		q.Set("published_after", since.Format(time.RFC3339))
	}

	var resp searchResponse
	if err := h.getJSON(ctx, "/channels/uploads", q, &resp); err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, item.toCandidate())
	}
	return out, nil
}

func (h *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("key", h.APIKey)

	var lastErr error
	for attempt := 1; attempt <= catalogMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(h.BaseURL, "/")+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()

		resp, err := h.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt == catalogMaxRetries {
				break
			}
			if serr := retry.Sleep(ctx, retry.Backoff(attempt, 500*time.Millisecond, 10*time.Second)); serr != nil {
				return serr
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := retry.RateLimitDelay(resp.Header)
			resp.Body.Close()
			lastErr = fmt.Errorf("catalog API rate limited")
			if attempt == catalogMaxRetries {
				break
			}
			if serr := retry.Sleep(ctx, delay); serr != nil {
				return serr
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("catalog API server error: %d", resp.StatusCode)
			if attempt == catalogMaxRetries {
				break
			}
			if serr := retry.Sleep(ctx, retry.Backoff(attempt, 500*time.Millisecond, 10*time.Second)); serr != nil {
				return serr
			}
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("catalog API %s (%s): %s", resp.Status, errclass.Classify(fmt.Errorf("status %d", resp.StatusCode)), strings.TrimSpace(string(body)))
		}
		return json.Unmarshal(body, out)
	}
	return fmt.Errorf("catalog API request failed after %d attempts (%s): %w", catalogMaxRetries, errclass.Classify(lastErr), lastErr)
}
