package devices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/certs"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
)

type memDeviceRepo struct {
	mu      sync.Mutex
	nextID  uint
	devices map[uint]*model.Device

	// errors popped ahead of the real operation, for driving the
	// duplicate-entry retry paths
	createErrs []error
	lockedErrs []error
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{nextID: 1, devices: make(map[uint]*model.Device)}
}

func (r *memDeviceRepo) Create(ctx context.Context, device *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		return err
	}
	if device.ID == 0 {
		device.ID = r.nextID
		r.nextID++
	}
	clone := *device
	r.devices[device.ID] = &clone
	return nil
}

func (r *memDeviceRepo) GetByID(ctx context.Context, id uint) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	clone := *device
	return &clone, nil
}

func (r *memDeviceRepo) GetByToken(ctx context.Context, token string) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, device := range r.devices {
		if device.Token == token {
			clone := *device
			return &clone, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (r *memDeviceRepo) ListByUser(ctx context.Context, username string) ([]*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Device
	for _, device := range r.devices {
		if device.Username == username {
			clone := *device
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memDeviceRepo) ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Device
	for _, device := range r.devices {
		if device.Status == status {
			clone := *device
			out = append(out, &clone)
		}
	}
	return out, nil
}

func applyTestColumns(device *model.Device, columns map[string]interface{}) {
	for column, value := range columns {
		switch column {
		case "status":
			device.Status = value.(model.DeviceStatus)
		case "security_tier":
			device.SecurityTier = value.(model.SecurityTier)
		case "token":
			device.Token = value.(string)
		case "failed_auth_count":
			device.FailedAuthCount = value.(int)
		case "risk_score":
			device.RiskScore = value.(int)
		case "locked_until":
			if value == nil {
				device.LockedUntil = nil
			} else {
				t := value.(time.Time)
				device.LockedUntil = &t
			}
		case "authorized_at":
			t := value.(time.Time)
			device.AuthorizedAt = &t
		case "expires_at":
			t := value.(time.Time)
			device.ExpiresAt = &t
		case "last_used_at":
			t := value.(time.Time)
			device.LastUsedAt = &t
		case "revoked_at":
			t := value.(time.Time)
			device.RevokedAt = &t
		case "reviewed_at":
			t := value.(time.Time)
			device.ReviewedAt = &t
		case "last_revalidated_at":
			t := value.(time.Time)
			device.LastRevalidatedAt = &t
		case "reviewed_by":
			device.ReviewedBy = value.(string)
		case "review_notes":
			device.ReviewNotes = value.(string)
		case "revoke_reason":
			device.RevokeReason = value.(string)
		case "cert_serial":
			device.CertSerial = value.(string)
		case "ua_hash":
			device.UAHash = value.(string)
		case "ip_last_seen":
			device.IPLastSeen = value.(string)
		case "revalidation_required":
			device.RevalidationRequired = value.(bool)
		}
	}
}

func (r *memDeviceRepo) Updates(ctx context.Context, id uint, columns map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	applyTestColumns(device, columns)
	return nil
}

func (r *memDeviceRepo) UpdateLocked(ctx context.Context, id uint, fn func(device *model.Device) (map[string]interface{}, error)) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lockedErrs) > 0 {
		err := r.lockedErrs[0]
		r.lockedErrs = r.lockedErrs[1:]
		return nil, err
	}
	device, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	columns, err := fn(device)
	if err != nil {
		return nil, err
	}
	applyTestColumns(device, columns)
	clone := *device
	return &clone, nil
}

func (r *memDeviceRepo) ListOverdue(ctx context.Context, now time.Time) ([]*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Device
	for _, device := range r.devices {
		if device.Status == model.StatusActive && device.IsExpired(now) {
			clone := *device
			out = append(out, &clone)
		}
	}
	return out, nil
}

type fakeIssuer struct {
	err    error
	issued int
}

func (f *fakeIssuer) Issue(ctx context.Context, fingerprint string, csrPEM string) (*certs.IssuedCert, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.issued++
	return &certs.IssuedCert{CertPEM: "-----BEGIN CERTIFICATE-----", Serial: "serial-1"}, nil
}

type countingAuditRepo struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (r *countingAuditRepo) RecordEvent(ctx context.Context, event *model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *countingAuditRepo) FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.AuditEvent, error) {
	return nil, nil
}

func (r *countingAuditRepo) countByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.EventType == eventType {
			n++
		}
	}
	return n
}

var lifecycleAuditRepo = &countingAuditRepo{}

func duplicateEntryErr() error {
	return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
}

func newTestService(repo DeviceRepository, issuer certs.Issuer) *LifecycleService {
	audit.Initialize(lifecycleAuditRepo, nil)
	return NewLifecycleService(repo, issuer, nil, LifecycleConfig{})
}

func enrollTestDevice(t *testing.T, service *LifecycleService) *model.Device {
	t.Helper()
	device, err := service.Enroll(context.Background(), EnrollParams{
		Username:  "alice",
		Name:      "work laptop",
		IP:        "10.0.0.1",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/140.0",
	})
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	return device
}

func TestEnroll(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)

	if device.Status != model.StatusPendingMFA {
		t.Fatalf("status = %s, want PENDING_MFA", device.Status)
	}
	if len(device.Token) != params.DeviceTokenLength {
		t.Fatalf("token length = %d", len(device.Token))
	}
	if device.SecurityTier != model.TierStandard {
		t.Fatalf("tier = %s, want STANDARD", device.SecurityTier)
	}
	if device.DeviceType != "desktop" {
		t.Fatalf("device type = %q, want desktop", device.DeviceType)
	}
	if device.IPFirstSeen != "10.0.0.1" || device.UAHash == "" {
		t.Fatal("enrollment must pin first IP and UA fingerprint")
	}
}

// TestEnrollRetriesOnTokenCollision verifies a duplicate-token insert is
// retried with a fresh token and still produces exactly one device.
func TestEnrollRetriesOnTokenCollision(t *testing.T) {
	repo := newMemDeviceRepo()
	repo.createErrs = []error{duplicateEntryErr()}
	service := newTestService(repo, nil)

	device := enrollTestDevice(t, service)
	if len(device.Token) != params.DeviceTokenLength {
		t.Fatalf("token length = %d", len(device.Token))
	}
	if len(repo.devices) != 1 {
		t.Fatalf("stored %d devices, want 1", len(repo.devices))
	}
	if _, err := repo.GetByToken(context.Background(), device.Token); err != nil {
		t.Fatalf("retried token does not resolve: %v", err)
	}
}

// TestEnrollCollisionRetriesExhausted verifies persistent duplicates
// surface as ErrTokenCollision once the retry budget is spent.
func TestEnrollCollisionRetriesExhausted(t *testing.T) {
	repo := newMemDeviceRepo()
	for i := 0; i < params.DeviceTokenMintRetries; i++ {
		repo.createErrs = append(repo.createErrs, duplicateEntryErr())
	}
	service := newTestService(repo, nil)

	_, err := service.Enroll(context.Background(), EnrollParams{
		Username: "alice", Name: "work laptop", IP: "10.0.0.1",
	})
	if err != ErrTokenCollision {
		t.Fatalf("err = %v, want ErrTokenCollision", err)
	}
	if len(repo.devices) != 0 {
		t.Fatalf("stored %d devices, want 0", len(repo.devices))
	}
}

func TestMarkMFAPassed(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)

	updated, err := service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1")
	if err != nil {
		t.Fatalf("MarkMFAPassed failed: %v", err)
	}
	if updated.Status != model.StatusPending {
		t.Fatalf("status = %s, want PENDING", updated.Status)
	}

	// only valid from PENDING_MFA
	if _, err := service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1"); err != ErrInvalidTransition {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestActivate(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)

	// approval straight from PENDING_MFA is not allowed
	if _, err := service.Activate(context.Background(), device.ID, ActivateParams{Reviewer: "admin"}); err != ErrInvalidTransition {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1")
	activated, err := service.Activate(context.Background(), device.ID, ActivateParams{
		Reviewer: "admin",
		Tier:     model.TierHighSecurity,
		Notes:    "approved for prod access",
	})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if activated.Status != model.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", activated.Status)
	}
	if activated.SecurityTier != model.TierHighSecurity {
		t.Fatalf("tier = %s, want HIGH_SECURITY", activated.SecurityTier)
	}
	if activated.ReviewedBy != "admin" || activated.AuthorizedAt == nil || activated.ExpiresAt == nil {
		t.Fatal("activation must record reviewer and reset the expiry clock")
	}
	if remaining := time.Until(*activated.ExpiresAt); remaining < 89*24*time.Hour {
		t.Fatalf("expiry window too short: %s", remaining)
	}
}

// TestActivateIssuesCertificate verifies that approval with a CSR and
// certificate issuance succeed or fail together.
func TestActivateIssuesCertificate(t *testing.T) {
	repo := newMemDeviceRepo()
	issuer := &fakeIssuer{}
	service := newTestService(repo, issuer)
	device := enrollTestDevice(t, service)
	service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1")

	activated, err := service.Activate(context.Background(), device.ID, ActivateParams{
		Reviewer: "admin",
		CSRPEM:   "-----BEGIN CERTIFICATE REQUEST-----",
	})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if activated.CertSerial != "serial-1" || issuer.issued != 1 {
		t.Fatalf("cert serial = %q, issued = %d", activated.CertSerial, issuer.issued)
	}
}

func TestActivateAbortsOnIssuerFailure(t *testing.T) {
	repo := newMemDeviceRepo()
	issuer := &fakeIssuer{err: &certs.IssueError{StatusCode: 503, Reason: "ca down"}}
	service := newTestService(repo, issuer)
	device := enrollTestDevice(t, service)
	service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1")

	if _, err := service.Activate(context.Background(), device.ID, ActivateParams{
		Reviewer: "admin",
		CSRPEM:   "-----BEGIN CERTIFICATE REQUEST-----",
	}); err == nil {
		t.Fatal("expected issuance error")
	}
	stored, _ := repo.GetByID(context.Background(), device.ID)
	if stored.Status != model.StatusPending {
		t.Fatalf("status = %s, activation must not commit when issuance fails", stored.Status)
	}
}

// TestRevokeIsTerminal verifies no transition leaves REVOKED.
func TestRevokeIsTerminal(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)

	if err := service.Revoke(context.Background(), device.ID, "admin", "stolen laptop"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), device.ID)
	if stored.Status != model.StatusRevoked || stored.RevokedAt == nil {
		t.Fatalf("got %s", stored.Status)
	}

	if _, err := service.Activate(context.Background(), device.ID, ActivateParams{Reviewer: "admin"}); err != ErrDeviceRevoked {
		t.Fatalf("Activate after revoke: err = %v, want ErrDeviceRevoked", err)
	}
	if err := service.Suspend(context.Background(), device.ID, "admin", ""); err != ErrDeviceRevoked {
		t.Fatalf("Suspend after revoke: err = %v, want ErrDeviceRevoked", err)
	}
	if _, err := service.Revalidate(context.Background(), device.ID, "admin"); err != ErrDeviceRevoked {
		t.Fatalf("Revalidate after revoke: err = %v, want ErrDeviceRevoked", err)
	}
}

// TestSuspendAndReactivate verifies SUSPENDED re-enters ACTIVE only via
// an explicit approval.
func TestSuspendAndReactivate(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)
	service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1")
	service.Activate(context.Background(), device.ID, ActivateParams{Reviewer: "admin"})

	if err := service.Suspend(context.Background(), device.ID, "admin", "policy review"); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), device.ID)
	if stored.Status != model.StatusSuspended {
		t.Fatalf("got %s", stored.Status)
	}

	reactivated, err := service.Activate(context.Background(), device.ID, ActivateParams{Reviewer: "admin"})
	if err != nil {
		t.Fatalf("reactivation failed: %v", err)
	}
	if reactivated.Status != model.StatusActive {
		t.Fatalf("got %s", reactivated.Status)
	}
}

func TestExpireOverdue(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)

	overdue := enrollTestDevice(t, service)
	service.MarkMFAPassed(context.Background(), overdue.ID, "10.0.0.1")
	service.Activate(context.Background(), overdue.ID, ActivateParams{Reviewer: "admin"})
	past := time.Now().Add(-time.Hour)
	repo.Updates(context.Background(), overdue.ID, map[string]interface{}{"expires_at": past})

	fresh := enrollTestDevice(t, service)
	service.MarkMFAPassed(context.Background(), fresh.ID, "10.0.0.1")
	service.Activate(context.Background(), fresh.ID, ActivateParams{Reviewer: "admin"})

	expired, err := service.ExpireOverdue(context.Background())
	if err != nil {
		t.Fatalf("ExpireOverdue failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired %d devices, want 1", expired)
	}
	stored, _ := repo.GetByID(context.Background(), overdue.ID)
	if stored.Status != model.StatusExpired {
		t.Fatalf("got %s", stored.Status)
	}
	stillActive, _ := repo.GetByID(context.Background(), fresh.ID)
	if stillActive.Status != model.StatusActive {
		t.Fatalf("fresh device transitioned to %s", stillActive.Status)
	}
}

// TestRevalidate verifies the trust refresh: ACTIVE restored, expiry
// extended, risk reduced and the revalidation flag cleared.
func TestRevalidate(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)
	service.MarkMFAPassed(context.Background(), device.ID, "10.0.0.1")
	service.Activate(context.Background(), device.ID, ActivateParams{Reviewer: "admin"})
	repo.Updates(context.Background(), device.ID, map[string]interface{}{
		"status":                model.StatusExpired,
		"risk_score":            50,
		"revalidation_required": true,
	})

	revalidated, err := service.Revalidate(context.Background(), device.ID, "admin")
	if err != nil {
		t.Fatalf("Revalidate failed: %v", err)
	}
	if revalidated.Status != model.StatusActive {
		t.Fatalf("got %s", revalidated.Status)
	}
	if revalidated.RiskScore != 50-params.RevalidateRiskCut {
		t.Fatalf("risk = %d, want %d", revalidated.RiskScore, 50-params.RevalidateRiskCut)
	}
	if revalidated.RevalidationRequired {
		t.Fatal("revalidation flag must be cleared")
	}
	if remaining := time.Until(*revalidated.ExpiresAt); remaining < 89*24*time.Hour {
		t.Fatalf("expiry window too short: %s", remaining)
	}

	// risk floors at zero
	repo.Updates(context.Background(), device.ID, map[string]interface{}{"risk_score": 3})
	revalidated, _ = service.Revalidate(context.Background(), device.ID, "admin")
	if revalidated.RiskScore != 0 {
		t.Fatalf("risk = %d, want 0", revalidated.RiskScore)
	}
}

func TestRecordFailedAttemptLockout(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)

	for i := 0; i < params.DefaultLockoutThreshold-1; i++ {
		service.RecordFailedAttempt(context.Background(), device.ID, "10.0.0.1")
	}
	stored, _ := repo.GetByID(context.Background(), device.ID)
	if stored.LockedUntil != nil {
		t.Fatal("lockout engaged before the threshold")
	}

	service.RecordFailedAttempt(context.Background(), device.ID, "10.0.0.1")
	stored, _ = repo.GetByID(context.Background(), device.ID)
	if stored.FailedAuthCount != params.DefaultLockoutThreshold || stored.LockedUntil == nil {
		t.Fatalf("count = %d, locked = %v", stored.FailedAuthCount, stored.LockedUntil)
	}

	if err := service.ClearLockout(context.Background(), device.ID, "admin"); err != nil {
		t.Fatalf("ClearLockout failed: %v", err)
	}
	stored, _ = repo.GetByID(context.Background(), device.ID)
	if stored.FailedAuthCount != 0 || stored.LockedUntil != nil {
		t.Fatal("lockout not cleared")
	}
}

func TestRotateToken(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)
	oldToken := device.Token

	rotated, err := service.RotateToken(context.Background(), device.ID, "admin")
	if err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}
	if rotated.Token == oldToken {
		t.Fatal("token unchanged")
	}
	if len(rotated.Token) != params.DeviceTokenLength {
		t.Fatalf("token length = %d", len(rotated.Token))
	}
	if _, err := repo.GetByToken(context.Background(), oldToken); err != ErrDeviceNotFound {
		t.Fatal("old token must no longer resolve")
	}
}

// TestRotateTokenRetriesOnCollision drives the rotation path through a
// duplicate-token conflict and its exhaustion.
func TestRotateTokenRetriesOnCollision(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)
	oldToken := device.Token

	repo.lockedErrs = []error{duplicateEntryErr()}
	rotated, err := service.RotateToken(context.Background(), device.ID, "admin")
	if err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}
	if rotated.Token == oldToken || len(rotated.Token) != params.DeviceTokenLength {
		t.Fatalf("token = %q", rotated.Token)
	}

	for i := 0; i < params.DeviceTokenMintRetries; i++ {
		repo.lockedErrs = append(repo.lockedErrs, duplicateEntryErr())
	}
	if _, err := service.RotateToken(context.Background(), device.ID, "admin"); err != ErrTokenCollision {
		t.Fatalf("err = %v, want ErrTokenCollision", err)
	}
}

func TestBumpRiskClamps(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)
	repo.Updates(context.Background(), device.ID, map[string]interface{}{"risk_score": 95})

	score, err := service.BumpRisk(context.Background(), device.ID, 20, "test")
	if err != nil {
		t.Fatalf("BumpRisk failed: %v", err)
	}
	if score != params.RiskScoreMax {
		t.Fatalf("score = %d, want %d", score, params.RiskScoreMax)
	}

	score, _ = service.BumpRisk(context.Background(), device.ID, -500, "test")
	if score != 0 {
		t.Fatalf("score = %d, want 0", score)
	}
}

// TestBumpRiskUnchangedScoreNotAudited verifies a clamped no-op bump
// writes no RISK_UPDATED row.
func TestBumpRiskUnchangedScoreNotAudited(t *testing.T) {
	repo := newMemDeviceRepo()
	service := newTestService(repo, nil)
	device := enrollTestDevice(t, service)
	repo.Updates(context.Background(), device.ID, map[string]interface{}{"risk_score": params.RiskScoreMax})

	before := lifecycleAuditRepo.countByType(audit.EventTypeRiskUpdated)
	score, err := service.BumpRisk(context.Background(), device.ID, 20, "saturated")
	if err != nil || score != params.RiskScoreMax {
		t.Fatalf("score = %d err = %v", score, err)
	}
	if got := lifecycleAuditRepo.countByType(audit.EventTypeRiskUpdated); got != before {
		t.Fatalf("no-op bump audited: %d rows, want %d", got, before)
	}

	if _, err := service.BumpRisk(context.Background(), device.ID, -5, "decay"); err != nil {
		t.Fatalf("BumpRisk failed: %v", err)
	}
	if got := lifecycleAuditRepo.countByType(audit.EventTypeRiskUpdated); got != before+1 {
		t.Fatalf("changed bump rows = %d, want %d", got, before+1)
	}
}
