package models

import "time"

// UserSettings holds a tenant's automation switches and injected credentials.
type UserSettings struct {
	UserID           string    `json:"user_id" gorm:"primaryKey;size:100"`
	AntiDelete       bool      `json:"anti_delete" gorm:"default:true"`
	AntiViewOnce     bool      `json:"anti_view_once" gorm:"default:true"`
	GhostModeGlobal  bool      `json:"ghost_mode_global" gorm:"default:true"`
	ViewOncePrefix   string    `json:"view_once_prefix" gorm:"size:20;default:'1'"`
	StatusSavePrefix string    `json:"status_save_prefix" gorm:"size:20;default:'*'"`
	DownloaderPrefix string    `json:"downloader_prefix" gorm:"size:20;default:'dl'"`
	OwnerName        string    `json:"owner_name" gorm:"size:100"`
	SessionString    string    `json:"-" gorm:"type:text"`
	SessionDump      *string   `json:"-" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for UserSettings
func (UserSettings) TableName() string {
	return "user_settings"
}

// ContactSetting is a synced contact with its per-chat ghost flag.
type ContactSetting struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID string    `json:"session_id" gorm:"size:100;not null;uniqueIndex:idx_contacts_session_jid"`
	JID       string    `json:"jid" gorm:"column:jid;size:100;not null;uniqueIndex:idx_contacts_session_jid"`
	Name      string    `json:"name" gorm:"size:255"`
	GhostMode bool      `json:"ghost_mode" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for ContactSetting
func (ContactSetting) TableName() string {
	return "contacts_settings"
}
