package devices

import "errors"

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceRevoked     = errors.New("device is revoked")
	ErrInvalidTransition = errors.New("invalid device state transition")
	ErrTokenCollision    = errors.New("token collision retries exhausted")
)
