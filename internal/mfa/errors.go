package mfa

import "errors"

var (
	ErrChallengeNotFound         = errors.New("challenge not found")
	ErrChallengeExpired          = errors.New("challenge expired")
	ErrChallengeAttemptsExceeded = errors.New("max challenge attempts exceeded")
	ErrChallengeAlreadyVerified  = errors.New("challenge already verified")
	ErrOTPSendRateLimited        = errors.New("otp send limit reached")
	ErrTOTPNotEnrolled           = errors.New("totp not enrolled")
	ErrUnsupportedMethod         = errors.New("unsupported mfa method")
)
