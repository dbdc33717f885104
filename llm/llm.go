// Package llm implements the LLM Adapter (C5): a thin wrapper issuing
// chat-completion requests with forced JSON-object output where supported,
// falling back to regex extraction, with reasoning-model "thought" wrapper
// stripping common to every entry point. Grounded on the go-openai client
// usage seen in the retrieved corpus (tidyoux-water, Bobarinn-video-genie).
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// Client wraps an OpenAI-compatible chat-completions endpoint.
type Client struct {
	oai   *openai.Client
	Model string
}

// New constructs a Client. baseURL may be empty to use the default OpenAI endpoint.
func New(baseURL, apiKey, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{oai: openai.NewClientWithConfig(cfg), Model: model}
}

// thoughtBlockRe strips reasoning-model "thought" wrappers before JSON
// parsing (spec §4.5/§9): <think>...</think> and ```think fenced blocks.
var thoughtBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>|` + "```think.*?```")

func stripThoughts(s string) string {
	return strings.TrimSpace(thoughtBlockRe.ReplaceAllString(s, ""))
}

// extractJSON returns the first balanced JSON object or array substring,
// tolerating extra prose around it (the regex-extraction fallback named in
// spec §9: "every call site must have a regex fallback that accepts either
// an object or a raw array").
func extractJSON(s string) (string, bool) {
	s = stripThoughts(s)
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}
	open, close := byte('{'), byte('}')
	if s[start] == '[' {
		open, close = '[', ']'
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			if esc {
				esc = false
			} else if c == '\\' {
				esc = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// chatJSON issues a chat completion requesting a JSON object response
// (when the provider supports it) and returns the decoded payload's raw
// text, stripped of thought wrappers.
func (c *Client) chatJSON(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}
	resp, err := c.oai.CreateChatCompletion(ctx, req)
	if err != nil {
		// Some OpenAI-compatible providers reject response_format entirely;
		// retry once without it before giving up.
		req.ResponseFormat = nil
		resp, err = c.oai.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return stripThoughts(resp.Choices[0].Message.Content), nil
}

// ChatJSON is the exported form of chatJSON, for other packages (e.g.
// subtitle's batched translation) that need raw JSON-object chat
// completions without the translate/tag/classify framing.
func (c *Client) ChatJSON(ctx context.Context, system, user string) (string, error) {
	return c.chatJSON(ctx, system, user)
}

// ExtractJSON is the exported form of extractJSON.
func ExtractJSON(s string) (string, bool) {
	return extractJSON(s)
}

// Kind distinguishes translate entry points, per spec §4.5.
type Kind string

const (
	KindTitle       Kind = "title"
	KindDescription Kind = "description"
)

var urlRe = regexp.MustCompile(`https?://\S+`)
var emailRe = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
var handleRe = regexp.MustCompile(`[@＠][\w_]{2,30}`)
var ctaRe = regexp.MustCompile(`(?i)\b(subscribe|like and share|follow me|check out my)\b`)

func preClean(text string) string {
	text = urlRe.ReplaceAllString(text, "")
	text = emailRe.ReplaceAllString(text, "")
	text = handleRe.ReplaceAllString(text, "")
	text = ctaRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// Translate requests an equivalence translation preserving numbers, code,
// and untranslated proper nouns, then enforces the platform caps (spec §4.5).
// On total failure it returns "" (feature degrades, not a
// task failure, per the ConfigMissing/feature-flag philosophy in §7).
func (c *Client) Translate(ctx context.Context, text, targetLang string, kind Kind) string {
	cleaned := preClean(text)
	if cleaned == "" {
		return ""
	}

	result := c.translateOnce(ctx, cleaned, targetLang, false)
	if result == "" || strings.EqualFold(result, cleaned) {
		result = c.translateOnce(ctx, cleaned, targetLang, true)
	}
	if result == "" {
		return ""
	}
	return capString(result, kind)
}

func (c *Client) translateOnce(ctx context.Context, text, targetLang string, strict bool) string {
	system := fmt.Sprintf("You are a precise translator into %s. Preserve numbers, code, and proper nouns untranslated. Respond as JSON: {\"translation\": \"...\"}.", targetLang)
	if strict {
		system += " This is a retry: you MUST return a different, fully translated result; never echo the source text verbatim."
	}
	raw, err := c.chatJSON(ctx, system, text)
	if err != nil {
		return ""
	}
	js, ok := extractJSON(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	var payload struct {
		Translation string `json:"translation"`
	}
	if err := json.Unmarshal([]byte(js), &payload); err != nil {
		return ""
	}
	return payload.Translation
}

func capString(s string, kind Kind) string {
	limit := 1000
	if kind == KindTitle {
		limit = 50
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const marker = "…"
	runes := []rune(s)
	cut := limit - utf8.RuneCountInString(marker)
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + marker
}

// GenerateTags returns up to 6 tags, each ≤10 chars (truncated to 20 as a
// safety net), padded with empty strings to reach exactly 6 (spec §4.5).
func (c *Client) GenerateTags(ctx context.Context, title, description string) []string {
	system := "Generate up to 6 short topical tags (each at most 10 characters) for a video, given its title and description. Respond as JSON: {\"tags\": [\"...\"]}."
	user := fmt.Sprintf("Title: %s\nDescription: %s", title, description)
	raw, err := c.chatJSON(ctx, system, user)
	var tags []string
	if err == nil {
		if js, ok := extractJSON(raw); ok {
			var payload struct {
				Tags []string `json:"tags"`
			}
			if json.Unmarshal([]byte(js), &payload) == nil {
				tags = payload.Tags
			}
		}
	}
	out := make([]string, 0, 6)
	for _, t := range tags {
		if len(out) >= 6 {
			break
		}
		t = truncateRunes(t, 20)
		out = append(out, t)
	}
	for len(out) < 6 {
		out = append(out, "")
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Category is one node of the two-level category catalog tree (spec §4.5).
type Category struct {
	ParentName  string
	ID          string
	Name        string
	Description string
	Sub         []Category
}

// ruleFamilies maps fixed keyword families to category-name substrings the
// rule-based pre-router matches against, run before and after the LLM step.
var ruleFamilies = map[string][]string{
	"music":              {"music", "mv", "song", "concert", "音乐"},
	"dance":              {"dance", "choreography", "舞蹈"},
	"trailer":            {"trailer", "behind the scenes", "behind-scenes", "预告"},
	"gaming":             {"gameplay", "walkthrough", "let's play", "game", "游戏"},
	"tech":               {"tech", "review", "unboxing", "tutorial", "科技"},
	"vlog":               {"vlog", "daily life", "day in the life", "生活"},
}

func ruleRoute(title, description string, catalog []Category) string {
	text := strings.ToLower(title + " " + description)
	for family, keywords := range ruleFamilies {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				if id := findCategoryByFamily(catalog, family); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

func findCategoryByFamily(catalog []Category, family string) string {
	for _, c := range catalog {
		name := strings.ToLower(c.Name)
		if strings.Contains(name, family) {
			return c.ID
		}
		if id := findCategoryByFamily(c.Sub, family); id != "" {
			return id
		}
	}
	return ""
}

func categoryIDExists(catalog []Category, id string) bool {
	for _, c := range catalog {
		if c.ID == id {
			return true
		}
		if categoryIDExists(c.Sub, id) {
			return true
		}
	}
	return false
}

// ClassifyCategory returns a category id, or "" if no match was found.
// fixedID, when non-empty, short-circuits the whole step (spec §4.5).
func (c *Client) ClassifyCategory(ctx context.Context, title, description string, catalog []Category, fixedID string) string {
	if fixedID != "" {
		return fixedID
	}
	if id := ruleRoute(title, description, catalog); id != "" {
		return id
	}

	system := "Classify a video into exactly one category id from the provided catalog. Respond as JSON: {\"category_id\": \"...\"}."
	user := fmt.Sprintf("Title: %s\nDescription: %s\nCatalog: %s", title, description, renderCatalog(catalog))
	raw, err := c.chatJSON(ctx, system, user)
	if err == nil {
		if js, ok := extractJSON(raw); ok {
			var payload struct {
				CategoryID string `json:"category_id"`
			}
			if json.Unmarshal([]byte(js), &payload) == nil && categoryIDExists(catalog, payload.CategoryID) {
				return payload.CategoryID
			}
		}
	}

	if id := ruleRoute(title, description, catalog); id != "" {
		return id
	}
	return ""
}

func renderCatalog(catalog []Category) string {
	var b strings.Builder
	var walk func([]Category, int)
	walk = func(cs []Category, depth int) {
		for _, c := range cs {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(fmt.Sprintf("%s: %s (%s)\n", c.ID, c.Name, c.Description))
			walk(c.Sub, depth+1)
		}
	}
	walk(catalog, 0)
	return b.String()
}

// NonCJKShare returns the fraction of runes in s that are neither CJK nor
// whitespace/punctuation, used by the Subtitle Translator's "likely
// untranslated" heuristic (spec §4.10, >80% threshold) and exported here
// since thought/JSON stripping and script detection live in one place.
func NonCJKShare(s string) float64 {
	var total, nonCJK int
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		total++
		if !isCJK(r) {
			nonCJK++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(nonCJK) / float64(total)
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
