package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/downloader"
)

// stuckTaskThreshold mirrors housekeeping.stuckThreshold; manual resets use
// the same staleness window as the automatic sweep.
const stuckTaskThreshold = 30 * time.Minute

type createTaskRequest struct {
	SourceURL string `json:"source_url"`
}

type createTaskResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TaskID     string `json:"task_id,omitempty"`
	AddedCount int    `json:"added_count,omitempty"`
}

// HandleTasks serves POST /tasks (submission) and GET /tasks (listing).
func (h *Handlers) HandleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createTask(w, r)
	case http.MethodGet:
		h.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// createTask implements spec §6: "If URL matches a playlist pattern, expand
// it via the downloader and create one task per video; otherwise create one
// task."
func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SourceURL) == "" {
		writeJSON(w, http.StatusBadRequest, createTaskResponse{Success: false, Message: "source_url is required"})
		return
	}

	ctx := r.Context()

	if downloader.IsPlaylist(req.SourceURL) {
		urls, err := h.deps.Download.ExpandPlaylist(ctx, req.SourceURL, downloader.Proxy{})
		if err != nil {
			writeJSON(w, http.StatusBadGateway, createTaskResponse{Success: false, Message: "failed to expand playlist: " + err.Error()})
			return
		}
		added := 0
		for _, u := range urls {
			if _, err := h.deps.Tasks.Create(ctx, u); err == nil {
				added++
			}
		}
		writeJSON(w, http.StatusOK, createTaskResponse{Success: true, Message: "playlist expanded", AddedCount: added})
		return
	}

	id, err := h.deps.Tasks.Create(ctx, req.SourceURL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, createTaskResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, createTaskResponse{Success: true, Message: "task created", TaskID: id})
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.deps.Tasks.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// HandleTaskSub dispatches /tasks/{id}, /tasks/{id}/start, /tasks/{id}/delete,
// /tasks/{id}/abandon and /tasks/{id}/force_upload.
func (h *Handlers) HandleTaskSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.getTask(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "start":
		h.startTask(w, r, id)
	case "delete":
		h.deleteTask(w, r, id)
	case "abandon":
		h.abandonTask(w, r, id)
	case "force_upload":
		h.forceUploadTask(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := h.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := h.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.NotFound(w, r)
		return
	}
	h.deps.Engine.StartTask(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task started"})
}

type deleteTaskRequest struct {
	DeleteFiles bool `json:"delete_files"`
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request, id string) {
	var req deleteTaskRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.deps.Tasks.Delete(r.Context(), id, req.DeleteFiles); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task deleted"})
}

func (h *Handlers) abandonTask(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.deps.Engine.Abandon(r.Context(), id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task abandoned"})
}

func (h *Handlers) forceUploadTask(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.deps.Engine.ForceUpload(r.Context(), id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "upload forced"})
}

// HandleClearAll serves POST /tasks/clear_all (admin-gated).
func (h *Handlers) HandleClearAll(w http.ResponseWriter, r *http.Request) {
	var req deleteTaskRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.deps.Tasks.ClearAll(r.Context(), req.DeleteFiles); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "all tasks cleared"})
}

// HandleResetStuck serves POST /tasks/reset_stuck (admin-gated), the manual
// counterpart to the housekeeping sweep's automatic stuck-task reset.
func (h *Handlers) HandleResetStuck(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Tasks.StuckReset(r.Context(), stuckTaskThreshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reset_count": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
