package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/certs"
	"github.com/hqnguyen/devguard/internal/common"
	"github.com/hqnguyen/devguard/internal/mail"
	"github.com/hqnguyen/devguard/internal/metrics"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
	ua "github.com/mileusna/useragent"
)

type LifecycleConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	DeviceExpiry     time.Duration
}

// LifecycleService owns the device state machine:
// PENDING_MFA → PENDING → ACTIVE → {EXPIRED, REVOKED, SUSPENDED}.
// REVOKED is terminal from any state.
type LifecycleService struct {
	repo   DeviceRepository
	issuer certs.Issuer
	sender mail.MailSender
	config LifecycleConfig
}

func NewLifecycleService(repo DeviceRepository, issuer certs.Issuer, sender mail.MailSender, config LifecycleConfig) *LifecycleService {
	if config.LockoutThreshold == 0 {
		config.LockoutThreshold = params.DefaultLockoutThreshold
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = params.DefaultLockoutDuration
	}
	if config.DeviceExpiry == 0 {
		config.DeviceExpiry = params.DefaultDeviceExpiry
	}
	return &LifecycleService{
		repo:   repo,
		issuer: issuer,
		sender: sender,
		config: config,
	}
}

type EnrollParams struct {
	Username  string
	Email     string
	Name      string
	Reason    string
	IP        string
	UserAgent string
	PublicKey string
	Tier      model.SecurityTier
}

// notifyStatus mails the device owner about a lifecycle change.
// Fire-and-forget: notification failures never fail the transition.
func (s *LifecycleService) notifyStatus(device *model.Device, status model.DeviceStatus, notes string) {
	if s.sender == nil || device == nil || device.Email == "" {
		return
	}
	go func() {
		if err := mail.SendDeviceStatus(s.sender, device.Email, device.Name, string(status), notes); err != nil {
			slog.Error("Failed to send device status mail", "device", device.ID, "error", err)
		}
	}()
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// mintToken generates a unique 64-hex device token. Uniqueness is
// enforced by the storage constraint; collisions retry with a fresh
// token.
func (s *LifecycleService) mintToken() (string, error) {
	return common.GenerateHexToken(params.DeviceTokenLength)
}

func deviceTypeFromUA(userAgent string) string {
	agent := ua.Parse(userAgent)
	switch {
	case agent.Mobile:
		return "mobile"
	case agent.Tablet:
		return "tablet"
	case agent.Bot:
		return "bot"
	case agent.Desktop:
		return "desktop"
	default:
		return "unknown"
	}
}

// Enroll creates a device in PENDING_MFA and logs ENROLLED. The MFA
// challenge gating the next transition is issued by the MFA service.
func (s *LifecycleService) Enroll(ctx context.Context, p EnrollParams) (*model.Device, error) {
	tier := p.Tier
	if tier == "" {
		tier = model.TierStandard
	}
	device := &model.Device{
		Name:         p.Name,
		DeviceType:   deviceTypeFromUA(p.UserAgent),
		Username:     p.Username,
		Email:        p.Email,
		PublicKey:    p.PublicKey,
		Status:       model.StatusPendingMFA,
		SecurityTier: tier,
		IPFirstSeen:  p.IP,
		IPLastSeen:   p.IP,
		UAHash:       common.HashUserAgent(p.UserAgent),
		EnrolledAt:   time.Now(),
	}
	if p.PublicKey != "" {
		device.Fingerprint = common.HashUserAgent(p.PublicKey)[:32]
	}

	var err error
	for i := 0; i < params.DeviceTokenMintRetries; i++ {
		device.Token, err = s.mintToken()
		if err != nil {
			return nil, err
		}
		err = s.repo.Create(ctx, device)
		if err == nil {
			break
		}
		if !isDuplicateEntry(err) {
			return nil, err
		}
		device.ID = 0
		err = ErrTokenCollision
	}
	if err != nil {
		return nil, err
	}

	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  device.ID,
		EventType: audit.EventTypeEnrolled,
		Actor:     p.Username,
		Notes:     p.Reason,
		IP:        p.IP,
	})
	return device, nil
}

// MarkMFAPassed moves a device from PENDING_MFA to PENDING once its
// challenge has been verified.
func (s *LifecycleService) MarkMFAPassed(ctx context.Context, deviceID uint, ip string) (*model.Device, error) {
	device, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		if d.Status != model.StatusPendingMFA {
			return nil, ErrInvalidTransition
		}
		return map[string]interface{}{"status": model.StatusPending}, nil
	})
	if err != nil {
		return nil, err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeMFAPassed,
		Actor:     device.Username,
		IP:        ip,
	})
	device.Status = model.StatusPending
	return device, nil
}

type ActivateParams struct {
	Reviewer string
	Tier     model.SecurityTier // empty keeps the enrolled tier
	Notes    string
	CSRPEM   string // when set, a certificate is issued as part of approval
}

// Activate is the admin approval transition into ACTIVE. It resets the
// expiry clock and, when a CSR is supplied, obtains a certificate first:
// issuance failure aborts the activation so the two succeed or fail
// together.
func (s *LifecycleService) Activate(ctx context.Context, deviceID uint, p ActivateParams) (*model.Device, error) {
	current, err := s.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusRevoked {
		return nil, ErrDeviceRevoked
	}
	if current.Status == model.StatusPendingMFA {
		return nil, ErrInvalidTransition
	}

	var issued *certs.IssuedCert
	if p.CSRPEM != "" {
		if s.issuer == nil {
			return nil, &certs.IssueError{Reason: "no certificate issuer configured"}
		}
		issued, err = s.issuer.Issue(ctx, current.Fingerprint, p.CSRPEM)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	expiresAt := now.Add(s.config.DeviceExpiry)
	device, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		if d.Status == model.StatusRevoked {
			return nil, ErrDeviceRevoked
		}
		columns := map[string]interface{}{
			"status":        model.StatusActive,
			"authorized_at": now,
			"expires_at":    expiresAt,
			"reviewed_by":   p.Reviewer,
			"reviewed_at":   now,
			"review_notes":  p.Notes,
		}
		if p.Tier != "" {
			columns["security_tier"] = p.Tier
		}
		if issued != nil {
			columns["cert_serial"] = issued.Serial
		}
		return columns, nil
	})
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{}
	if issued != nil {
		metadata["cert_serial"] = issued.Serial
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeActivated,
		Actor:     p.Reviewer,
		Notes:     p.Notes,
		Metadata:  metadata,
	})
	s.notifyStatus(device, model.StatusActive, p.Notes)
	return s.repo.GetByID(ctx, device.ID)
}

// Revoke is terminal from any state.
func (s *LifecycleService) Revoke(ctx context.Context, deviceID uint, actor string, reason string) error {
	now := time.Now()
	device, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status":        model.StatusRevoked,
			"revoked_at":    now,
			"revoke_reason": reason,
		}, nil
	})
	if err != nil {
		return err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeRevoked,
		Actor:     actor,
		Notes:     reason,
	})
	s.notifyStatus(device, model.StatusRevoked, reason)
	return nil
}

// Suspend pauses a device. Re-entry to ACTIVE only happens through an
// explicit Activate call by an administrator.
func (s *LifecycleService) Suspend(ctx context.Context, deviceID uint, actor string, reason string) error {
	device, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		if d.Status == model.StatusRevoked {
			return nil, ErrDeviceRevoked
		}
		return map[string]interface{}{
			"status":       model.StatusSuspended,
			"review_notes": reason,
		}, nil
	})
	if err != nil {
		return err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeSuspended,
		Actor:     actor,
		Notes:     reason,
	})
	s.notifyStatus(device, model.StatusSuspended, reason)
	return nil
}

// Expire is the automated transition past expires_at. No acting user is
// recorded.
func (s *LifecycleService) Expire(ctx context.Context, deviceID uint) error {
	now := time.Now()
	_, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		if d.Status != model.StatusActive || !d.IsExpired(now) {
			return nil, ErrInvalidTransition
		}
		return map[string]interface{}{"status": model.StatusExpired}, nil
	})
	if err != nil {
		return err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeExpired,
	})
	return nil
}

// ExpireOverdue sweeps ACTIVE devices whose authorization has lapsed.
func (s *LifecycleService) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := s.repo.ListOverdue(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, device := range overdue {
		if err := s.Expire(ctx, device.ID); err == nil {
			expired++
		}
	}
	return expired, nil
}

// Revalidate re-confirms trust: it resets the expiry clock, lowers the
// risk score by a fixed cut (floor 0), clears the revalidation flag and
// forces the device back to ACTIVE.
func (s *LifecycleService) Revalidate(ctx context.Context, deviceID uint, actor string) (*model.Device, error) {
	now := time.Now()
	device, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		if d.Status == model.StatusRevoked {
			return nil, ErrDeviceRevoked
		}
		score := max(d.RiskScore-params.RevalidateRiskCut, 0)
		return map[string]interface{}{
			"status":                model.StatusActive,
			"expires_at":            now.Add(s.config.DeviceExpiry),
			"risk_score":            score,
			"revalidation_required": false,
			"last_revalidated_at":   now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeRevalidated,
		Actor:     actor,
	})
	return s.repo.GetByID(ctx, device.ID)
}

// RecordUse updates last-used bookkeeping on an allowed request. No state
// transition, no lock: per-column updates lose nothing meaningful.
func (s *LifecycleService) RecordUse(ctx context.Context, deviceID uint, ip string) error {
	return s.repo.Updates(ctx, deviceID, map[string]interface{}{
		"last_used_at": time.Now(),
		"ip_last_seen": ip,
	})
}

// RecordFailedAttempt increments the genuine-failure counter and, at the
// configured threshold, starts a lockout window. Workflow and policy
// denials must never reach this method.
func (s *LifecycleService) RecordFailedAttempt(ctx context.Context, deviceID uint, ip string) error {
	now := time.Now()
	var lockedOut bool
	_, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		count := d.FailedAuthCount + 1
		columns := map[string]interface{}{"failed_auth_count": count}
		if count >= s.config.LockoutThreshold && !d.IsLocked(now) {
			columns["locked_until"] = now.Add(s.config.LockoutDuration)
			lockedOut = true
		}
		return columns, nil
	})
	if err != nil {
		return err
	}
	if lockedOut {
		metrics.LockoutsTotal.Inc()
		audit.RecordEvent(ctx, audit.EventRecord{
			DeviceID:  deviceID,
			EventType: audit.EventTypeLockedOut,
			IP:        ip,
			Notes:     fmt.Sprintf("locked out after %d failed attempts", s.config.LockoutThreshold),
		})
	}
	return nil
}

// RotateToken mints a replacement token, invalidating the old one. Only
// the old token's prefix is recorded.
func (s *LifecycleService) RotateToken(ctx context.Context, deviceID uint, actor string) (*model.Device, error) {
	var oldPrefix string
	var newToken string
	var err error
	for i := 0; i < params.DeviceTokenMintRetries; i++ {
		newToken, err = s.mintToken()
		if err != nil {
			return nil, err
		}
		_, err = s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
			oldPrefix = d.TokenPrefix()
			return map[string]interface{}{"token": newToken}, nil
		})
		if err == nil {
			break
		}
		if !isDuplicateEntry(err) {
			return nil, err
		}
		err = ErrTokenCollision
	}
	if err != nil {
		return nil, err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeTokenRotated,
		Actor:     actor,
		Metadata:  map[string]string{"old_token_prefix": oldPrefix},
	})
	return s.repo.GetByID(ctx, deviceID)
}

// BumpRisk raises the device risk score by delta, clamped to [0,100].
// The RISK_UPDATED audit row is written only when the score actually
// moved.
func (s *LifecycleService) BumpRisk(ctx context.Context, deviceID uint, delta int, reason string) (int, error) {
	var score int
	var changed bool
	_, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		score = min(max(d.RiskScore+delta, 0), params.RiskScoreMax)
		if score == d.RiskScore {
			return nil, nil
		}
		changed = true
		return map[string]interface{}{"risk_score": score}, nil
	})
	if err != nil {
		return 0, err
	}
	if changed {
		audit.RecordEvent(ctx, audit.EventRecord{
			DeviceID:  deviceID,
			EventType: audit.EventTypeRiskUpdated,
			Notes:     reason,
			Metadata:  map[string]string{"risk_score": fmt.Sprintf("%d", score)},
		})
	}
	return score, nil
}

// ClearLockout resets the failure counter and ends any lockout window.
func (s *LifecycleService) ClearLockout(ctx context.Context, deviceID uint, actor string) error {
	_, err := s.repo.UpdateLocked(ctx, deviceID, func(d *model.Device) (map[string]interface{}, error) {
		return map[string]interface{}{
			"failed_auth_count": 0,
			"locked_until":      nil,
		}, nil
	})
	if err != nil {
		return err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeLockCleared,
		Actor:     actor,
	})
	return nil
}

// RequireRevalidation flags a device for explicit re-confirmation.
func (s *LifecycleService) RequireRevalidation(ctx context.Context, deviceID uint, actor string, reason string) error {
	err := s.repo.Updates(ctx, deviceID, map[string]interface{}{
		"revalidation_required": true,
	})
	if err != nil {
		return err
	}
	audit.RecordEvent(ctx, audit.EventRecord{
		DeviceID:  deviceID,
		EventType: audit.EventTypeRevalidationRequired,
		Actor:     actor,
		Notes:     reason,
	})
	return nil
}
