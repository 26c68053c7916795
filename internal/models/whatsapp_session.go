package models

import (
	"time"
)

// Credential dump keys.
const (
	DumpKeySession   = "session_dump"
	DumpKeyDeviceJID = "device_jid"
)

// WhatsAppSession is a keyed credential record for a tenant. The session_dump
// key holds an exported device, device_jid maps the tenant to its device in a
// shared device store.
type WhatsAppSession struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID string    `json:"session_id" gorm:"size:100;not null;uniqueIndex:idx_whatsapp_sessions_session_key"`
	Key       string    `json:"key" gorm:"size:50;not null;uniqueIndex:idx_whatsapp_sessions_session_key"`
	Data      string    `json:"data" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for WhatsAppSession
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}

// SessionRecord is the last known status of a tenant's session.
type SessionRecord struct {
	SessionID    string    `json:"session_id" gorm:"primaryKey;size:100"`
	Status       string    `json:"status" gorm:"type:varchar(20);default:'disconnected'"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for SessionRecord
func (SessionRecord) TableName() string {
	return "session_records"
}
