package model

import (
	"time"

	"gorm.io/gorm"
)

type DeviceStatus string

const (
	StatusPendingMFA DeviceStatus = "PENDING_MFA"
	StatusPending    DeviceStatus = "PENDING"
	StatusActive     DeviceStatus = "ACTIVE"
	StatusExpired    DeviceStatus = "EXPIRED"
	StatusRevoked    DeviceStatus = "REVOKED"
	StatusSuspended  DeviceStatus = "SUSPENDED"
)

type SecurityTier string

const (
	TierExempt       SecurityTier = "EXEMPT"
	TierStandard     SecurityTier = "STANDARD"
	TierRestricted   SecurityTier = "RESTRICTED"
	TierHighSecurity SecurityTier = "HIGH_SECURITY"
	TierMilitary     SecurityTier = "MILITARY"
)

// Rank orders tiers for sufficiency comparison. MILITARY shares the top
// rank with HIGH_SECURITY.
func (t SecurityTier) Rank() int {
	switch t {
	case TierStandard:
		return 1
	case TierRestricted:
		return 2
	case TierHighSecurity, TierMilitary:
		return 3
	default:
		return 0
	}
}

// Device is one physical or browser client. The opaque 64-hex token is its
// sole cryptographic identity anchor; IPs and user agents are informational
// signals only.
type Device struct {
	ID          uint   `gorm:"primarykey"`
	Token       string `gorm:"uniqueIndex;size:64;not null"`
	Name        string `gorm:"size:128;not null"`
	DeviceType  string `gorm:"size:32"`
	Username    string `gorm:"size:64;not null;index"`
	Email       string `gorm:"size:128"` // owner contact for lifecycle notifications
	PublicKey   string `gorm:"size:2048"`
	Fingerprint string `gorm:"size:128;index"`

	Status       DeviceStatus `gorm:"size:16;not null;index"`
	SecurityTier SecurityTier `gorm:"size:16;not null"`

	IPFirstSeen string `gorm:"size:45"`
	IPLastSeen  string `gorm:"size:45"`
	BoundIP     string `gorm:"size:45"` // strict IP binding when non-empty
	UAHash      string `gorm:"size:64"`

	CanTransact          bool   `gorm:"default:false;not null"`
	MaxDailyTransactions int    `gorm:"default:0"`
	ActiveHoursStart     string `gorm:"size:5"` // "HH:MM", empty means unrestricted
	ActiveHoursEnd       string `gorm:"size:5"`
	AuthorizedRoles      []string `gorm:"serializer:json"`
	AllowedUsers         []string `gorm:"serializer:json"`

	RiskScore       int        `gorm:"default:0;not null"`
	FailedAuthCount int        `gorm:"default:0;not null"`
	LockedUntil     *time.Time `gorm:"index"`

	EnrolledAt           time.Time
	AuthorizedAt         *time.Time
	ExpiresAt            *time.Time
	LastUsedAt           *time.Time
	RevokedAt            *time.Time
	ReviewedBy           string `gorm:"size:64"`
	ReviewedAt           *time.Time
	ReviewNotes          string `gorm:"size:512"`
	RevokeReason         string `gorm:"size:512"`
	CertSerial           string `gorm:"size:64"`
	LastRevalidatedAt    *time.Time
	RevalidationRequired bool `gorm:"default:false;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == 0 {
		d.ID = GenerateID()
	}
	return nil
}

// IsLocked reports whether a lockout window is still in effect.
func (d *Device) IsLocked(now time.Time) bool {
	return d.LockedUntil != nil && now.Before(*d.LockedUntil)
}

// IsExpired reports whether the authorization window has lapsed.
func (d *Device) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// TokenPrefix returns the loggable correlation prefix of the token.
func (d *Device) TokenPrefix() string {
	if len(d.Token) < 8 {
		return d.Token
	}
	return d.Token[:8]
}
