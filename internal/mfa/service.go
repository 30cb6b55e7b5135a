package mfa

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/mail"
	"github.com/hqnguyen/devguard/internal/metrics"
	"github.com/hqnguyen/devguard/internal/store"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
	"golang.org/x/crypto/bcrypt"
)

type ChallengeConfig struct {
	Issuer        string // TOTP issuer label
	ChallengeTTL  time.Duration
	OTPMaxSends   int
	OTPSendWindow time.Duration
}

// ChallengeService issues and verifies the second factor gating the
// PENDING_MFA → PENDING transition.
type ChallengeService struct {
	challenges ChallengeRepository
	factors    UserFactorRepository
	lifecycle  *devices.LifecycleService
	sender     mail.MailSender
	sendCount  store.Store[struct{}]
	config     ChallengeConfig
}

func NewChallengeService(
	challenges ChallengeRepository,
	factors UserFactorRepository,
	lifecycle *devices.LifecycleService,
	sender mail.MailSender,
	storage store.Storage,
	config ChallengeConfig,
) *ChallengeService {
	if config.ChallengeTTL == 0 {
		config.ChallengeTTL = params.MFAChallengeExpiration
	}
	if config.OTPMaxSends == 0 {
		config.OTPMaxSends = params.DefaultOTPMaxSends
	}
	if config.OTPSendWindow == 0 {
		config.OTPSendWindow = params.DefaultOTPSendWindow
	}
	return &ChallengeService{
		challenges: challenges,
		factors:    factors,
		lifecycle:  lifecycle,
		sender:     sender,
		sendCount:  store.New[struct{}](storage, params.OTPRequestKeyPrefix),
		config:     config,
	}
}

func generateOTP(length int) string {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, _ := rand.Int(rand.Reader, ten)
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}

// CreateChallenge opens the single active challenge for a freshly
// enrolled device. For TOTP the user secret is ensured (generated once);
// for email an OTP is issued and dispatched.
func (s *ChallengeService) CreateChallenge(ctx context.Context, device *model.Device, method model.MFAMethod, email string) (*model.MFAChallenge, error) {
	challenge := &model.MFAChallenge{
		ChallengeID: uuid.NewString(),
		DeviceID:    device.ID,
		Username:    device.Username,
		Method:      method,
		MaxAttempts: params.MFAChallengeMaxAttempts,
		ExpiresAt:   time.Now().Add(s.config.ChallengeTTL),
	}

	switch method {
	case model.MFAMethodTOTP:
		if _, _, err := s.EnsureTOTPSecret(ctx, device.Username); err != nil {
			return nil, err
		}
		if err := s.challenges.Create(ctx, challenge); err != nil {
			return nil, err
		}
	case model.MFAMethodEmail:
		if err := s.challenges.Create(ctx, challenge); err != nil {
			return nil, err
		}
		if ok := s.IssueOTP(ctx, challenge, email); !ok {
			return nil, ErrOTPSendRateLimited
		}
	default:
		return nil, ErrUnsupportedMethod
	}
	return challenge, nil
}

// IssueOTP generates a 6-digit code, stores only its salted hash on the
// challenge and sends it by mail. The boolean result lets the caller
// present a retry path; mail transport failures are logged and swallowed.
func (s *ChallengeService) IssueOTP(ctx context.Context, challenge *model.MFAChallenge, email string) bool {
	count, err := s.sendCount.IncrAttr(ctx, challenge.Username, "count", 1)
	if err != nil {
		slog.Error("OTP send counter unavailable", "user", challenge.Username, "error", err)
	} else {
		if count == 1 {
			s.sendCount.ExpireAttr(ctx, challenge.Username, time.Now().Add(s.config.OTPSendWindow), "count")
		}
		if count > int64(s.config.OTPMaxSends) {
			return false
		}
	}

	code := generateOTP(params.MFAOTPLength)
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return false
	}
	if err := s.challenges.SetOTPHash(ctx, challenge.ID, string(hash)); err != nil {
		return false
	}
	challenge.OTPHash = string(hash)

	go func() {
		if err := mail.SendDeviceOTP(s.sender, email, code, int(s.config.ChallengeTTL.Minutes())); err != nil {
			slog.Error("Failed to send OTP mail", "user", challenge.Username, "error", err)
		}
	}()
	return true
}

// ResendOTP re-sends the email code for the device's active challenge,
// subject to the per-user send limit.
func (s *ChallengeService) ResendOTP(ctx context.Context, deviceID uint, email string) error {
	challenge, err := s.challenges.GetActiveByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if challenge.Method != model.MFAMethodEmail {
		return ErrUnsupportedMethod
	}
	if challenge.IsVerified() {
		return ErrChallengeAlreadyVerified
	}
	if challenge.IsExpired(time.Now()) {
		return ErrChallengeExpired
	}
	if !s.IssueOTP(ctx, challenge, email) {
		return ErrOTPSendRateLimited
	}
	return nil
}

// Complete verifies the device's active challenge and, on success, moves
// the device to PENDING. Calling it again after a verified challenge
// returns the prior success without incrementing attempts or re-sending.
func (s *ChallengeService) Complete(ctx context.Context, deviceID uint, code string, ip string) (bool, error) {
	challenge, err := s.challenges.GetActiveByDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if challenge.IsVerified() {
		_, err := s.lifecycle.MarkMFAPassed(ctx, deviceID, ip)
		if err != nil && !errors.Is(err, devices.ErrInvalidTransition) {
			return false, err
		}
		// already past PENDING_MFA: the prior success stands
		return true, nil
	}
	if challenge.IsExpired(time.Now()) {
		return false, ErrChallengeExpired
	}
	if challenge.IsExhausted() {
		return false, ErrChallengeAttemptsExceeded
	}

	ok, err := s.verifyCode(ctx, challenge, code)
	if err != nil {
		return false, err
	}
	if !ok {
		counted, incErr := s.challenges.IncrementAttempt(ctx, challenge.ID)
		if incErr != nil {
			return false, incErr
		}
		audit.RecordEvent(ctx, audit.EventRecord{
			DeviceID:  deviceID,
			EventType: audit.EventTypeMFAFailed,
			Actor:     challenge.Username,
			IP:        ip,
		})
		metrics.MFAVerificationsTotal.WithLabelValues(string(challenge.Method), "fail").Inc()
		if !counted {
			return false, ErrChallengeAttemptsExceeded
		}
		return false, nil
	}

	marked, err := s.challenges.MarkVerified(ctx, challenge.ID, time.Now())
	if err != nil {
		return false, err
	}
	_ = marked // losing the race to a concurrent success still counts as verified
	if _, err := s.lifecycle.MarkMFAPassed(ctx, deviceID, ip); err != nil && !errors.Is(err, devices.ErrInvalidTransition) {
		return false, err
	}
	metrics.MFAVerificationsTotal.WithLabelValues(string(challenge.Method), "success").Inc()
	return true, nil
}

// verifyCode dispatches on the challenge method. Email codes use a
// constant-time hash comparison.
func (s *ChallengeService) verifyCode(ctx context.Context, challenge *model.MFAChallenge, code string) (bool, error) {
	switch challenge.Method {
	case model.MFAMethodTOTP:
		factor, err := s.factors.GetUserFactor(ctx, challenge.Username, factorTypeTOTP)
		if err != nil {
			return false, err
		}
		return validateTOTP(code, factor.Secret, time.Now()), nil
	case model.MFAMethodEmail:
		if challenge.OTPHash == "" {
			return false, nil
		}
		code = strings.TrimSpace(code)
		return bcrypt.CompareHashAndPassword([]byte(challenge.OTPHash), []byte(code)) == nil, nil
	default:
		return false, ErrUnsupportedMethod
	}
}
