package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wbot/internal/models"
	"wbot/internal/scheduler"
)

// ErrInvalidTask is returned by Schedule for incomplete tasks.
var ErrInvalidTask = errors.New("invalid task")

// TaskService stores scheduled messages and statuses.
type TaskService struct {
	db *gorm.DB
}

// NewTaskService creates a new task service
func NewTaskService(db *gorm.DB) *TaskService {
	return &TaskService{db: db}
}

// Schedule validates and stores a new pending task.
func (s *TaskService) Schedule(ctx context.Context, task *models.ScheduledTask) error {
	switch task.Type {
	case "":
		task.Type = scheduler.TypeMessage
		fallthrough
	case scheduler.TypeMessage:
		if task.Recipient == "" {
			return fmt.Errorf("%w: recipient is required for message tasks", ErrInvalidTask)
		}
	case scheduler.TypeStatus:
	default:
		return fmt.Errorf("%w: type must be message or status", ErrInvalidTask)
	}
	if task.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidTask)
	}
	if task.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidTask)
	}
	task.Status = models.TaskStatusPending
	return s.db.WithContext(ctx).Create(task).Error
}

// ClaimDue returns every pending task scheduled at or before now, oldest
// first. Tasks of offline tenants stay pending and must not hide others.
func (s *TaskService) ClaimDue(ctx context.Context, now time.Time) ([]scheduler.Task, error) {
	var rows []models.ScheduledTask
	err := s.db.WithContext(ctx).
		Where("status = ?", models.TaskStatusPending).
		Where("scheduled_at <= ?", now).
		Order("scheduled_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	tasks := make([]scheduler.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, scheduler.Task{
			ID:          r.ID,
			TenantID:    r.SessionID,
			Type:        r.Type,
			Recipient:   r.Recipient,
			Content:     r.Content,
			MediaURL:    r.MediaURL,
			ScheduledAt: r.ScheduledAt,
		})
	}
	return tasks, nil
}

// MarkSent moves a pending task to sent.
func (s *TaskService) MarkSent(ctx context.Context, id string) error {
	return s.finish(ctx, id, map[string]interface{}{"status": models.TaskStatusSent})
}

// MarkFailed moves a pending task to failed and keeps the reason.
func (s *TaskService) MarkFailed(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, map[string]interface{}{"status": models.TaskStatusFailed, "error": reason})
}

// finish only updates tasks still pending so a terminal state is never
// overwritten.
func (s *TaskService) finish(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, models.TaskStatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("task " + id + " is not pending")
	}
	return nil
}

// List returns a tenant's tasks, most recent first.
func (s *TaskService) List(ctx context.Context, tenantID string) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	err := s.db.WithContext(ctx).Where("session_id = ?", tenantID).Order("scheduled_at desc").Find(&tasks).Error
	return tasks, err
}
