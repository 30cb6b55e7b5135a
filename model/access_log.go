package model

import "time"

// AccessLogEntry is one forensic row per evaluated request on a
// non-exempt path. The token is reduced to a prefix for correlation
// without exposing the secret.
type AccessLogEntry struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement"`
	DeviceID    *uint             `gorm:"index"` // nil when the token resolved to no device
	Username    string            `gorm:"size:64;index"`
	Path        string            `gorm:"size:512;not null"`
	Method      string            `gorm:"size:8;not null"`
	IP          string            `gorm:"size:45;not null"`
	TokenPrefix string            `gorm:"size:8"`
	UserAgent   string            `gorm:"size:512"`
	Tier        SecurityTier      `gorm:"size:16;not null"`
	Allowed     bool              `gorm:"not null;index"`
	DenyReason  string            `gorm:"size:128"`
	Status      int               `gorm:"default:0"`
	RiskScore   int               `gorm:"default:0"`
	Metadata    map[string]string `gorm:"serializer:json"`
	CreatedAt   time.Time         `gorm:"autoCreateTime;index"`
}

func (AccessLogEntry) TableName() string {
	return "access_log"
}
