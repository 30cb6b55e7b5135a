package params

import "time"

const (
	ServerBodyLimit    = 1048576 // 1 MiB
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second

	KnownIPKeyPrefix      = "ip:"  // rolling set of IPs a device was seen from
	VelocityKeyPrefix     = "vel:" // per-device request counter window
	ConcurrentKeyPrefix   = "cc:"  // per-device concurrent IP set
	OTPRequestKeyPrefix   = "otp:" // per-user email OTP send counter
	DeviceTokenCookieName = "dgid"

	DeviceTokenLength      = 64 // lowercase hex characters
	DeviceTokenPrefixLen   = 8  // logged token prefix, never the full token
	DeviceTokenMaxAge      = 730 * 24 * time.Hour
	DeviceTokenMintRetries = 3 // retries on storage uniqueness collision

	KnownIPWindow      = 24 * time.Hour // TTL of the rolling known-IP set
	VelocityWindow     = 60 * time.Second
	ConcurrentIPWindow = 5 * time.Minute

	DefaultVelocityLimit    = 120 // requests per velocity window
	DefaultRiskThreshold    = 75  // risk score at or above which requests are denied
	DefaultLockoutThreshold = 5   // failed attempts before lockout
	DefaultLockoutDuration  = 30 * time.Minute
	DefaultDeviceExpiry     = 90 * 24 * time.Hour

	RiskScoreMax      = 100
	RiskDeltaNewIP    = 5
	RiskDeltaUAChange = 10
	RiskDeltaVelocity = 15
	RiskDeltaMultiIP  = 20
	RevalidateRiskCut = 10 // risk score reduction on revalidation

	MFAChallengeExpiration  = 15 * time.Minute
	MFAChallengeMaxAttempts = 5
	MFAOTPLength            = 6
	DefaultOTPMaxSends      = 3 // email OTP sends per window per user
	DefaultOTPSendWindow    = 120 * time.Second
	TOTPSkewSteps           = 1 // accepted 30s clock-drift steps each direction

	HealthCheckServerAddr = ":3001"
)
