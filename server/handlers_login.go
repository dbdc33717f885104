package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin serves POST /api/login: the login lockout gate described in
// spec §6, backed by the single-row `login_security_state` table. After
// config.LoginMaxFailedAttempts consecutive failures it locks further
// attempts for config.LoginLockoutMinutes.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}

	ctx := r.Context()
	cfg := h.deps.Live.Snapshot()

	state, err := loadLoginState(ctx, h.deps.DB)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if state.lockedUntil.Valid && time.Now().Before(state.lockedUntil.Time) {
		writeJSON(w, http.StatusLocked, map[string]any{
			"success":      false,
			"message":      "account locked due to too many failed attempts",
			"locked_until": state.lockedUntil.Time.UTC().Format(time.RFC3339),
		})
		return
	}

	auth := loadAuthConfig()
	ok := auth.enabled &&
		subtle.ConstantTimeCompare([]byte(req.Username), []byte(auth.adminUsername)) == 1 &&
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(auth.adminPassword)) == 1

	if ok {
		if err := resetLoginState(ctx, h.deps.DB); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged in"})
		return
	}

	attempts, lockedUntil, err := recordFailedLogin(ctx, h.deps.DB, state.failedAttempts,
		cfg.LoginMaxFailedAttempts, cfg.LoginLockoutMinutes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"success": false, "message": "invalid credentials", "failed_attempts": attempts}
	if !lockedUntil.IsZero() {
		resp["locked_until"] = lockedUntil.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusUnauthorized, resp)
}

type loginState struct {
	failedAttempts int
	lockedUntil    sql.NullTime
}

func loadLoginState(ctx context.Context, dbx *sql.DB) (loginState, error) {
	var st loginState
	err := dbx.QueryRowContext(ctx,
		`SELECT failed_attempts, locked_until FROM login_security_state WHERE id = 1`).
		Scan(&st.failedAttempts, &st.lockedUntil)
	if err == sql.ErrNoRows {
		return loginState{}, nil
	}
	return st, err
}

func resetLoginState(ctx context.Context, dbx *sql.DB) error {
	_, err := dbx.ExecContext(ctx, `
		INSERT INTO login_security_state (id, failed_attempts, locked_until, last_attempt)
		VALUES (1, 0, NULL, NOW())
		ON CONFLICT (id) DO UPDATE SET failed_attempts = 0, locked_until = NULL, last_attempt = NOW()`)
	return err
}

func recordFailedLogin(ctx context.Context, dbx *sql.DB, prevAttempts, maxAttempts, lockoutMinutes int) (int, time.Time, error) {
	attempts := prevAttempts + 1
	var lockedUntil time.Time
	if attempts >= maxAttempts {
		lockedUntil = time.Now().Add(time.Duration(lockoutMinutes) * time.Minute)
	}

	_, err := dbx.ExecContext(ctx, `
		INSERT INTO login_security_state (id, failed_attempts, locked_until, last_attempt)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET failed_attempts = $1, locked_until = $2, last_attempt = NOW()`,
		attempts, nullableLockedUntil(lockedUntil))
	return attempts, lockedUntil, err
}

func nullableLockedUntil(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
