package database

import "time"

// SessionRecord is the persisted history of one terminal session. Rows are
// written when a session starts and completed when it ends.
type SessionRecord struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	OwnerID     string     `gorm:"not null;index;size:128" json:"owner_id"`
	Shell       string     `gorm:"not null" json:"shell"`
	Dir         string     `json:"dir"`
	ProjectID   string     `gorm:"index;size:128" json:"project_id,omitempty"`
	Cols        int        `json:"cols"`
	Rows        int        `json:"rows"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	CloseReason string     `gorm:"size:32" json:"close_reason,omitempty"` // killed, exited, reaped, shutdown
}

// AuditLog records security-relevant terminal events.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index;size:64" json:"event_type"`
	OwnerID   string    `gorm:"index;size:128" json:"owner_id"`
	SessionID string    `gorm:"index;size:64" json:"session_id,omitempty"`
	SocketID  string    `gorm:"size:64" json:"socket_id,omitempty"`
	SourceIP  string    `gorm:"size:64" json:"source_ip,omitempty"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// APIToken is a long-lived opaque bearer token. Only the bcrypt hash of the
// secret part is stored; Prefix identifies the row.
type APIToken struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Prefix     string     `gorm:"uniqueIndex;not null;size:16" json:"prefix"`
	SecretHash string     `gorm:"not null" json:"-"`
	UserID     string     `gorm:"not null;index;size:128" json:"user_id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Project maps a project id to its workspace directory on this host.
type Project struct {
	ID        string    `gorm:"primaryKey;size:128" json:"id"`
	Path      string    `gorm:"not null" json:"path"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AllModels lists every table managed by AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{&SessionRecord{}, &AuditLog{}, &APIToken{}, &Project{}, &Setting{}}
}
