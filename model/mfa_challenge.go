package model

import (
	"time"

	"gorm.io/gorm"
)

type MFAMethod string

const (
	MFAMethodTOTP  MFAMethod = "totp"
	MFAMethodEmail MFAMethod = "email"
)

// MFAChallenge gates a device's move from PENDING_MFA to PENDING. At most
// one active challenge exists per device; rows are retained after the
// device leaves PENDING_MFA but are no longer actionable.
type MFAChallenge struct {
	ID          uint      `gorm:"primarykey"`
	ChallengeID string    `gorm:"uniqueIndex;size:36;not null"`
	DeviceID    uint      `gorm:"index;not null"`
	Username    string    `gorm:"size:64;not null;index"`
	Method      MFAMethod `gorm:"size:16;not null"`
	OTPHash     string    `gorm:"size:128"` // salted hash, email method only
	Attempts    int       `gorm:"default:0;not null"`
	MaxAttempts int       `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
	VerifiedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (MFAChallenge) TableName() string {
	return "mfa_challenge"
}

func (c *MFAChallenge) BeforeCreate(tx *gorm.DB) error {
	if c.ID == 0 {
		c.ID = GenerateID()
	}
	return nil
}

func (c *MFAChallenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *MFAChallenge) IsVerified() bool {
	return c.VerifiedAt != nil
}

func (c *MFAChallenge) IsExhausted() bool {
	return c.Attempts >= c.MaxAttempts
}
