package model

import "time"

type RiskType string

const (
	RiskNewIP        RiskType = "NEW_IP"
	RiskUAChange     RiskType = "UA_CHANGE"
	RiskHighVelocity RiskType = "HIGH_VELOCITY"
	RiskConcurrentIP RiskType = "CONCURRENT_IP"
)

// RiskEvent is one row per detected behavioral anomaly.
type RiskEvent struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	DeviceID     uint      `gorm:"index;not null"`
	RiskType     RiskType  `gorm:"size:32;not null;index"`
	Severity     int       `gorm:"not null"` // 1-50
	Detail       string    `gorm:"size:512"`
	IP           string    `gorm:"size:45"`
	Acknowledged bool      `gorm:"default:false;not null;index"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index"`
}

func (RiskEvent) TableName() string {
	return "risk_event"
}
