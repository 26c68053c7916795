package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wbot/internal/models"
	"wbot/internal/services"
)

// TaskStore stores scheduled tasks.
type TaskStore interface {
	Schedule(ctx context.Context, task *models.ScheduledTask) error
	List(ctx context.Context, tenantID string) ([]models.ScheduledTask, error)
}

// TaskHandler serves scheduled message endpoints.
type TaskHandler struct {
	tasks TaskStore
}

type taskRequest struct {
	SessionID   string    `json:"sessionId"`
	Type        string    `json:"type"`
	Recipient   string    `json:"recipient"`
	Content     string    `json:"content"`
	MediaURL    string    `json:"mediaUrl"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(tasks TaskStore) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// Create handles POST /api/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !allowed(r, req.SessionID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}

	task := &models.ScheduledTask{
		SessionID:   req.SessionID,
		Type:        req.Type,
		Recipient:   req.Recipient,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		ScheduledAt: req.ScheduledAt.UTC(),
	}
	if err := h.tasks.Schedule(r.Context(), task); err != nil {
		if errors.Is(err, services.ErrInvalidTask) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to schedule task")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// List handles GET /api/tasks/{sessionId}
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["sessionId"]
	if !allowed(r, tenantID) {
		writeError(w, http.StatusForbidden, unauthorizedMessage)
		return
	}
	tasks, err := h.tasks.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tasks")
		return
	}
	if tasks == nil {
		tasks = []models.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}
