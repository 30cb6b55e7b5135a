package mfa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/mail"
	"github.com/hqnguyen/devguard/internal/store"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

type memChallengeRepo struct {
	mu         sync.Mutex
	nextID     uint
	challenges map[uint]*model.MFAChallenge
}

func newMemChallengeRepo() *memChallengeRepo {
	return &memChallengeRepo{nextID: 1, challenges: make(map[uint]*model.MFAChallenge)}
}

func (r *memChallengeRepo) Create(ctx context.Context, challenge *model.MFAChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if challenge.ID == 0 {
		challenge.ID = r.nextID
		r.nextID++
	}
	challenge.CreatedAt = time.Now()
	clone := *challenge
	r.challenges[challenge.ID] = &clone
	return nil
}

func (r *memChallengeRepo) GetActiveByDevice(ctx context.Context, deviceID uint) (*model.MFAChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.MFAChallenge
	for _, challenge := range r.challenges {
		if challenge.DeviceID != deviceID {
			continue
		}
		if latest == nil || challenge.CreatedAt.After(latest.CreatedAt) {
			latest = challenge
		}
	}
	if latest == nil {
		return nil, ErrChallengeNotFound
	}
	clone := *latest
	return &clone, nil
}

func (r *memChallengeRepo) IncrementAttempt(ctx context.Context, id uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	challenge, ok := r.challenges[id]
	if !ok || challenge.Attempts >= challenge.MaxAttempts {
		return false, nil
	}
	challenge.Attempts++
	return true, nil
}

func (r *memChallengeRepo) MarkVerified(ctx context.Context, id uint, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	challenge, ok := r.challenges[id]
	if !ok || challenge.VerifiedAt != nil {
		return false, nil
	}
	challenge.VerifiedAt = &at
	return true, nil
}

func (r *memChallengeRepo) SetOTPHash(ctx context.Context, id uint, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if challenge, ok := r.challenges[id]; ok {
		challenge.OTPHash = hash
	}
	return nil
}

type memFactorRepo struct {
	mu      sync.Mutex
	factors map[string]*model.UserFactor
}

func newMemFactorRepo() *memFactorRepo {
	return &memFactorRepo{factors: make(map[string]*model.UserFactor)}
}

func (r *memFactorRepo) GetUserFactor(ctx context.Context, username string, factorType string) (*model.UserFactor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	factor, ok := r.factors[username+"/"+factorType]
	if !ok {
		return nil, ErrTOTPNotEnrolled
	}
	clone := *factor
	return &clone, nil
}

func (r *memFactorRepo) Upsert(ctx context.Context, factor *model.UserFactor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *factor
	r.factors[factor.Username+"/"+factor.Type] = &clone
	return nil
}

// mfaDeviceRepo backs the lifecycle transitions the service drives.
type mfaDeviceRepo struct {
	mu      sync.Mutex
	devices map[uint]*model.Device
}

func (r *mfaDeviceRepo) Create(ctx context.Context, device *model.Device) error { return nil }

func (r *mfaDeviceRepo) GetByID(ctx context.Context, id uint) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, devices.ErrDeviceNotFound
	}
	clone := *device
	return &clone, nil
}

func (r *mfaDeviceRepo) GetByToken(ctx context.Context, token string) (*model.Device, error) {
	return nil, devices.ErrDeviceNotFound
}

func (r *mfaDeviceRepo) ListByUser(ctx context.Context, username string) ([]*model.Device, error) {
	return nil, nil
}

func (r *mfaDeviceRepo) ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	return nil, nil
}

func (r *mfaDeviceRepo) Updates(ctx context.Context, id uint, columns map[string]interface{}) error {
	return nil
}

func (r *mfaDeviceRepo) UpdateLocked(ctx context.Context, id uint, fn func(device *model.Device) (map[string]interface{}, error)) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, devices.ErrDeviceNotFound
	}
	columns, err := fn(device)
	if err != nil {
		return nil, err
	}
	if status, ok := columns["status"].(model.DeviceStatus); ok {
		device.Status = status
	}
	clone := *device
	return &clone, nil
}

func (r *mfaDeviceRepo) ListOverdue(ctx context.Context, now time.Time) ([]*model.Device, error) {
	return nil, nil
}

type nullSender struct {
	mu   sync.Mutex
	sent int
}

func (s *nullSender) Send(msg *mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

type mfaHarness struct {
	service    *ChallengeService
	challenges *memChallengeRepo
	factors    *memFactorRepo
	deviceRepo *mfaDeviceRepo
	device     *model.Device
}

func newMFAHarness() *mfaHarness {
	deviceRepo := &mfaDeviceRepo{devices: map[uint]*model.Device{
		1: {ID: 1, Username: "alice", Status: model.StatusPendingMFA},
	}}
	challenges := newMemChallengeRepo()
	factors := newMemFactorRepo()
	lifecycle := devices.NewLifecycleService(deviceRepo, nil, nil, devices.LifecycleConfig{})
	service := NewChallengeService(challenges, factors, lifecycle, &nullSender{}, store.NewMemoryStorage(), ChallengeConfig{
		Issuer: "devguard-test",
	})
	return &mfaHarness{
		service:    service,
		challenges: challenges,
		factors:    factors,
		deviceRepo: deviceRepo,
		device:     deviceRepo.devices[1],
	}
}

func (h *mfaHarness) totpCode(t *testing.T) string {
	t.Helper()
	factor, err := h.factors.GetUserFactor(context.Background(), "alice", factorTypeTOTP)
	if err != nil {
		t.Fatalf("factor lookup failed: %v", err)
	}
	code, err := totp.GenerateCode(factor.Secret, time.Now())
	if err != nil {
		t.Fatalf("code generation failed: %v", err)
	}
	return code
}

// TestTOTPChallengeFlow walks the happy path: enrollment challenge,
// correct code, device moves to PENDING.
func TestTOTPChallengeFlow(t *testing.T) {
	h := newMFAHarness()
	challenge, err := h.service.CreateChallenge(context.Background(), h.device, model.MFAMethodTOTP, "")
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}
	if challenge.Method != model.MFAMethodTOTP || challenge.MaxAttempts != params.MFAChallengeMaxAttempts {
		t.Fatalf("challenge = %+v", challenge)
	}

	verified, err := h.service.Complete(context.Background(), 1, h.totpCode(t), "10.0.0.1")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !verified {
		t.Fatal("correct code rejected")
	}
	device, _ := h.deviceRepo.GetByID(context.Background(), 1)
	if device.Status != model.StatusPending {
		t.Fatalf("device status = %s, want PENDING", device.Status)
	}
}

// TestTOTPSecretIsStable verifies re-enrollment reuses the existing user
// secret instead of silently rotating it.
func TestTOTPSecretIsStable(t *testing.T) {
	h := newMFAHarness()
	secret, created, err := h.service.EnsureTOTPSecret(context.Background(), "alice")
	if err != nil || !created {
		t.Fatalf("first EnsureTOTPSecret: secret=%q created=%v err=%v", secret, created, err)
	}
	again, created, err := h.service.EnsureTOTPSecret(context.Background(), "alice")
	if err != nil || created {
		t.Fatalf("second EnsureTOTPSecret: created=%v err=%v", created, err)
	}
	if again != secret {
		t.Fatal("secret rotated implicitly")
	}

	rotated, err := h.service.ResetTOTPSecret(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResetTOTPSecret failed: %v", err)
	}
	if rotated == secret {
		t.Fatal("explicit reset must produce a new secret")
	}
}

// TestWrongCodeAttemptsExhaust verifies the attempt budget: five wrong
// codes exhaust the challenge, the sixth is rejected outright and the
// counter never passes the cap.
func TestWrongCodeAttemptsExhaust(t *testing.T) {
	h := newMFAHarness()
	h.service.CreateChallenge(context.Background(), h.device, model.MFAMethodTOTP, "")

	for i := 0; i < params.MFAChallengeMaxAttempts; i++ {
		verified, err := h.service.Complete(context.Background(), 1, "000000", "10.0.0.1")
		if verified {
			t.Fatalf("attempt %d: wrong code accepted", i)
		}
		if i < params.MFAChallengeMaxAttempts-1 && err != nil {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}

	// the challenge is spent; even the right code is rejected now
	verified, err := h.service.Complete(context.Background(), 1, "000000", "10.0.0.1")
	if verified || err != ErrChallengeAttemptsExceeded {
		t.Fatalf("got verified=%v err=%v, want ErrChallengeAttemptsExceeded", verified, err)
	}
	challenge, _ := h.challenges.GetActiveByDevice(context.Background(), 1)
	if challenge.Attempts != params.MFAChallengeMaxAttempts {
		t.Fatalf("attempts = %d, want %d", challenge.Attempts, params.MFAChallengeMaxAttempts)
	}
	device, _ := h.deviceRepo.GetByID(context.Background(), 1)
	if device.Status != model.StatusPendingMFA {
		t.Fatalf("device status = %s, must stay PENDING_MFA", device.Status)
	}
}

// TestCompleteIsIdempotent verifies a repeat call after success reports
// the prior success without consuming attempts.
func TestCompleteIsIdempotent(t *testing.T) {
	h := newMFAHarness()
	h.service.CreateChallenge(context.Background(), h.device, model.MFAMethodTOTP, "")
	if verified, _ := h.service.Complete(context.Background(), 1, h.totpCode(t), "10.0.0.1"); !verified {
		t.Fatal("setup: correct code rejected")
	}

	verified, err := h.service.Complete(context.Background(), 1, "whatever", "10.0.0.1")
	if err != nil || !verified {
		t.Fatalf("got verified=%v err=%v", verified, err)
	}
	challenge, _ := h.challenges.GetActiveByDevice(context.Background(), 1)
	if challenge.Attempts != 0 {
		t.Fatalf("idempotent completion consumed %d attempts", challenge.Attempts)
	}
}

// TestEmailOTPVerification verifies the hashed email code path,
// including whitespace tolerance on entry.
func TestEmailOTPVerification(t *testing.T) {
	h := newMFAHarness()
	challenge, err := h.service.CreateChallenge(context.Background(), h.device, model.MFAMethodEmail, "alice@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}

	// pin a known code so the test does not depend on mail delivery
	hash, _ := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.MinCost)
	h.challenges.SetOTPHash(context.Background(), challenge.ID, string(hash))

	if verified, _ := h.service.Complete(context.Background(), 1, "999999", "10.0.0.1"); verified {
		t.Fatal("wrong code accepted")
	}
	verified, err := h.service.Complete(context.Background(), 1, " 123456 ", "10.0.0.1")
	if err != nil || !verified {
		t.Fatalf("got verified=%v err=%v", verified, err)
	}
}

// TestOTPSendRateLimit verifies the per-user send budget inside one
// window.
func TestOTPSendRateLimit(t *testing.T) {
	h := newMFAHarness()
	challenge, err := h.service.CreateChallenge(context.Background(), h.device, model.MFAMethodEmail, "alice@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}

	// the enrollment send used one of the budget slots
	for i := 1; i < params.DefaultOTPMaxSends; i++ {
		if err := h.service.ResendOTP(context.Background(), challenge.DeviceID, "alice@example.com"); err != nil {
			t.Fatalf("resend %d failed: %v", i, err)
		}
	}
	if err := h.service.ResendOTP(context.Background(), challenge.DeviceID, "alice@example.com"); err != ErrOTPSendRateLimited {
		t.Fatalf("err = %v, want ErrOTPSendRateLimited", err)
	}
}

// TestExpiredChallenge verifies a lapsed challenge cannot be completed.
func TestExpiredChallenge(t *testing.T) {
	h := newMFAHarness()
	h.service.CreateChallenge(context.Background(), h.device, model.MFAMethodTOTP, "")
	challenge, _ := h.challenges.GetActiveByDevice(context.Background(), 1)
	h.challenges.mu.Lock()
	h.challenges.challenges[challenge.ID].ExpiresAt = time.Now().Add(-time.Minute)
	h.challenges.mu.Unlock()

	verified, err := h.service.Complete(context.Background(), 1, h.totpCode(t), "10.0.0.1")
	if verified || err != ErrChallengeExpired {
		t.Fatalf("got verified=%v err=%v", verified, err)
	}
}

// TestTOTPClockDrift verifies one 30-second step of drift is accepted in
// both directions and larger drift is not.
func TestTOTPClockDrift(t *testing.T) {
	h := newMFAHarness()
	secret, _, err := h.service.EnsureTOTPSecret(context.Background(), "alice")
	if err != nil {
		t.Fatalf("EnsureTOTPSecret failed: %v", err)
	}

	now := time.Now()
	for _, drift := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, _ := totp.GenerateCode(secret, now.Add(drift))
		if !validateTOTP(code, secret, now) {
			t.Errorf("code with %s drift rejected", drift)
		}
	}
	staleCode, _ := totp.GenerateCode(secret, now.Add(-2*time.Minute))
	if validateTOTP(staleCode, secret, now) {
		t.Error("code four steps old accepted")
	}

	// whitespace from manual entry is tolerated
	code, _ := totp.GenerateCode(secret, now)
	spaced := code[:3] + " " + code[3:]
	if !validateTOTP(spaced, secret, now) {
		t.Error("spaced code rejected")
	}
}
