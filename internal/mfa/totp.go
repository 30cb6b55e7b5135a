package mfa

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const factorTypeTOTP = "totp"

// EnsureTOTPSecret returns the user's TOTP secret, generating one exactly
// once if absent. Secrets are never regenerated implicitly; rotation goes
// through ResetTOTPSecret after suspected compromise.
func (s *ChallengeService) EnsureTOTPSecret(ctx context.Context, username string) (string, bool, error) {
	factor, err := s.factors.GetUserFactor(ctx, username, factorTypeTOTP)
	if err == nil {
		return factor.Secret, false, nil
	}
	if !errors.Is(err, ErrTOTPNotEnrolled) {
		return "", false, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Issuer,
		AccountName: username,
	})
	if err != nil {
		return "", false, err
	}
	err = s.factors.Upsert(ctx, &model.UserFactor{
		Username: username,
		Type:     factorTypeTOTP,
		Secret:   key.Secret(),
		Enabled:  true,
	})
	if err != nil {
		return "", false, err
	}
	return key.Secret(), true, nil
}

// ResetTOTPSecret rotates the user's secret after suspected compromise.
func (s *ChallengeService) ResetTOTPSecret(ctx context.Context, username string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Issuer,
		AccountName: username,
	})
	if err != nil {
		return "", err
	}
	err = s.factors.Upsert(ctx, &model.UserFactor{
		Username: username,
		Type:     factorTypeTOTP,
		Secret:   key.Secret(),
		Enabled:  true,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

// validateTOTP checks the submitted code against the user secret,
// tolerating one 30-second step of clock drift in each direction.
// Whitespace in the submitted code is stripped before comparison.
func validateTOTP(code string, secret string, at time.Time) bool {
	code = strings.Join(strings.Fields(code), "")
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      params.TOTPSkewSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
