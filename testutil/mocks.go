package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockAPIServer is a generic path-routed HTTP test double, the same
// handler-map shape the teacher used for its Twitch Helix mock, generalized
// to the OpenAI-compatible and moderation/source endpoints this module's
// adapters call.
type MockAPIServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockAPIServer starts a server that dispatches each request by URL path
// to a registered handler, 404ing on anything unregistered.
func NewMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()
	m := &MockAPIServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockChatCompletion registers a fixed assistant reply for the
// OpenAI-compatible /v1/chat/completions endpoint used by the LLM Adapter
// (translation, tagging, category classification, subtitle QC judge).
func (m *MockAPIServer) MockChatCompletion(content string) {
	m.Handlers["/v1/chat/completions"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockAudioTranscription registers a fixed transcript for the
// OpenAI-compatible /v1/audio/transcriptions endpoint used by the ASR
// Client's Whisper-compatible path.
func (m *MockAPIServer) MockAudioTranscription(text string) {
	m.Handlers["/v1/audio/transcriptions"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{"text": text}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockModerationResult registers a fixed moderation verdict for the
// Moderation Adapter's remote scoring endpoint.
func (m *MockAPIServer) MockModerationResult(path string, pass bool, label string, confidence float64) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"pass": pass,
			"details": []map[string]any{
				{"label": label, "confidence": confidence},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
