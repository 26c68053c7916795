package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Scheduled task states.
const (
	TaskStatusPending = "pending"
	TaskStatusSent    = "sent"
	TaskStatusFailed  = "failed"
)

// ScheduledTask is a message or status to deliver at ScheduledAt.
type ScheduledTask struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	SessionID   string    `json:"session_id" gorm:"size:100;not null;index"`
	Type        string    `json:"type" gorm:"type:varchar(20);not null;default:'message'"`
	Recipient   string    `json:"recipient" gorm:"size:100"`
	Content     string    `json:"content" gorm:"type:text"`
	MediaURL    string    `json:"media_url" gorm:"size:500"`
	ScheduledAt time.Time `json:"scheduled_at" gorm:"not null;index:idx_scheduled_tasks_due,priority:2"`
	Status      string    `json:"status" gorm:"type:varchar(20);default:'pending';index:idx_scheduled_tasks_due,priority:1"`
	Error       string    `json:"error" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate assigns a uuid to new tasks.
func (t *ScheduledTask) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	return nil
}

// TableName specifies the table name for ScheduledTask
func (ScheduledTask) TableName() string {
	return "scheduled_tasks"
}
