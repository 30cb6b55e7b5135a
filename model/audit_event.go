package model

import "time"

// AuditEvent is an append-only lifecycle record. Rows are never updated
// or deleted once written.
type AuditEvent struct {
	ID        uint64            `gorm:"primaryKey;autoIncrement"`
	DeviceID  uint              `gorm:"index;not null"`
	EventType string            `gorm:"size:32;not null;index"`
	Actor     string            `gorm:"size:64;index"` // empty for automated events
	Notes     string            `gorm:"size:512"`
	IP        string            `gorm:"size:45"`
	Metadata  map[string]string `gorm:"serializer:json"`
	CreatedAt time.Time         `gorm:"autoCreateTime;index"`
}

func (AuditEvent) TableName() string {
	return "audit"
}
