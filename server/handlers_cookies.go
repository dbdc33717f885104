package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/subculture-collective/repubengine/db"
)

// cookieSyncRequest matches the browser extension's sync payload (spec §6).
type cookieSyncRequest struct {
	Source      string `json:"source"`
	Timestamp   int64  `json:"timestamp"`
	Cookies     string `json:"cookies"`
	CookieCount int    `json:"cookieCount"`
	UserAgent   string `json:"userAgent,omitempty"`
	URL         string `json:"url,omitempty"`
}

// HandleCookieSync serves POST /api/cookies/sync: persists the browser
// extension's cookie jar to disk at the configured path.
func (h *Handlers) HandleCookieSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cookieSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}
	if req.Cookies == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "cookies is required"})
		return
	}

	path := h.deps.CookieJarPath
	if path == "" {
		path = filepath.Join("cookies", "yt_cookies.txt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(path, []byte(req.Cookies), 0o600); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "cookie jar synced",
		"cookie_count": req.CookieCount,
	})
}

// HandleCookieStatus serves GET /api/cookies/status: file metadata for the
// synced jar (present, size, last modified).
func (h *Handlers) HandleCookieStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := h.deps.CookieJarPath
	if path == "" {
		path = filepath.Join("cookies", "yt_cookies.txt")
	}
	info, err := os.Stat(path)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"present": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"present":       true,
		"size_bytes":    info.Size(),
		"last_modified": info.ModTime().UTC().Format(time.RFC3339),
	})
}

type cookieRefreshNeededRequest struct {
	Reason   string `json:"reason"`
	VideoURL string `json:"video_url,omitempty"`
}

// HandleCookieRefreshNeeded serves POST /api/cookies/refresh-needed: records
// a hint (in the kv table) that the UI should prompt the user to refresh
// their session, per spec §6 and the downloader's ErrCookiesRefreshNeeded signal.
func (h *Handlers) HandleCookieRefreshNeeded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cookieRefreshNeededRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}

	b, _ := json.Marshal(map[string]any{
		"reason":     req.Reason,
		"video_url":  req.VideoURL,
		"flagged_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := db.SetKV(r.Context(), h.deps.DB, "cookies_refresh_needed", string(b)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "refresh hint recorded"})
}
