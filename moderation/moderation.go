// Package moderation implements the Moderation Adapter (C6): text
// moderation with long-text chunking, label mapping, and a supplementary
// in-process deny-list for promotional/contact-leak phrases. Grounded on
// spec §4.6 directly; chunking/backoff shape follows the shared
// errclass/retry packages used by every other HTTP-calling adapter.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/errclass"
	"github.com/subculture-collective/repubengine/retry"
	"github.com/subculture-collective/repubengine/task"
)

const (
	hardLimit  = 600
	chunkLimit = 500
)

// Client talks to a cloud text-moderation service.
type Client struct {
	BaseURL    string
	APIKey     string
	Service    string
	HTTPClient *http.Client
}

// New constructs a Client.
func New(baseURL, apiKey, service string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, Service: service, HTTPClient: http.DefaultClient}
}

// labelDescriptions maps provider label codes to human-readable text; an
// unknown label passes through unchanged.
var labelDescriptions = map[string]string{
	"porn":        "explicit sexual content",
	"abuse":       "harassment or abuse",
	"ad":          "advertising or spam",
	"contraband":  "illegal goods or services",
	"politics":    "sensitive political content",
	"terrorism":   "violent extremism",
}

// denyListPhrases is the ~30-term supplementary in-process deny-list of
// promotional/contact-leak phrases that always runs regardless of the
// remote service's verdict.
var denyListPhrases = []string{
	"whatsapp me", "telegram me", "dm me on", "add my wechat", "微信号",
	"加我微信", "line id", "kakao id", "contact me at", "my onlyfans",
	"link in bio", "check my channel", "subscribe to my", "follow me on",
	"visit my website", "paypal me", "venmo me", "cashapp me", "my patreon",
	"投资理财", "加群", "扫码关注", "私信我", "代理加盟", "免费送", "限时优惠",
	"点击链接", "兼职日结", "高薪诚聘", "vip通道",
}

func denyListHit(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range denyListPhrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

type remoteResponse struct {
	Pass    bool `json:"pass"`
	Details []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Suggestion string  `json:"suggestion"`
		Reason     string  `json:"reason"`
	} `json:"details"`
}

// ModerateText chunks text to the provider's limits, moderates each chunk,
// ANDs the chunk-level pass flags, concatenates details, then applies the
// in-process deny-list on top (spec §4.6).
func (c *Client) ModerateText(ctx context.Context, text string) (*task.ModerationResult, error) {
	chunks := chunkText(text, chunkLimit)

	result := &task.ModerationResult{OverallPass: true}
	for _, chunk := range chunks {
		cr, err := c.moderateChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		if !cr.Pass {
			result.OverallPass = false
		}
		for _, d := range cr.Details {
			desc, ok := labelDescriptions[d.Label]
			if !ok {
				desc = d.Label
			}
			result.Details = append(result.Details, task.ModerationDetail{
				Label: d.Label, Description: desc, Confidence: d.Confidence,
				Suggestion: d.Suggestion, Reason: d.Reason,
			})
		}
	}

	if denyListHit(text) {
		result.OverallPass = false
		result.Details = append(result.Details, task.ModerationDetail{
			Label: "suspected_contact_leak", Description: "promotional or contact-leak phrase detected",
			Confidence: 1.0, Suggestion: "block", Reason: "matched in-process deny-list",
		})
	}
	return result, nil
}

func chunkText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= hardLimit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

func (c *Client) moderateChunk(ctx context.Context, chunk string) (*remoteResponse, error) {
	if c.BaseURL == "" {
		// ConfigMissing: feature disabled, not a task failure (spec §7).
		return &remoteResponse{Pass: true}, nil
	}

	payload, _ := json.Marshal(map[string]string{"text": chunk, "service": c.Service})

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/moderate", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			if err := retry.Sleep(ctx, retry.Backoff(attempt, 300*time.Millisecond, 5*time.Second)); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := retry.RateLimitDelay(resp.Header)
			resp.Body.Close()
			lastErr = fmt.Errorf("moderation rate limited")
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("moderation server error: %s", resp.Status)
			if err := retry.Sleep(ctx, retry.Backoff(attempt, 300*time.Millisecond, 5*time.Second)); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, fmt.Errorf("moderation request failed: %s", resp.Status)
		}

		var rr remoteResponse
		err = json.NewDecoder(resp.Body).Decode(&rr)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode moderation response: %w", err)
		}
		return &rr, nil
	}
	return nil, fmt.Errorf("moderation exhausted retries (%s): %w", errclass.Classify(lastErr), lastErr)
}
