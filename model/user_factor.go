package model

import (
	"time"

	"gorm.io/gorm"
)

// UserFactor stores a user's second-factor secret. TOTP secrets are
// generated once and only rotated through an explicit reset.
type UserFactor struct {
	ID        uint   `gorm:"primarykey"`
	Username  string `gorm:"size:64;not null;index:idx_user_factor,unique"`
	Type      string `gorm:"size:32;not null;index:idx_user_factor,unique"`
	Secret    string `gorm:"size:128;not null"`
	Enabled   bool   `gorm:"default:false;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}
