package api

import (
	"context"
	"time"

	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/model"
)

const apiVersion = "1.0"

type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{APIVersion: apiVersion, Data: data}
}

func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		APIVersion: apiVersion,
		Error:      &APIErrorInfo{Code: code, Message: message},
	}
}

func NewReasonResponse(code int, message string, reason string) APIResponse {
	return APIResponse{
		APIVersion: apiVersion,
		Error:      &APIErrorInfo{Code: code, Message: message, Reason: reason},
	}
}

type DeviceService interface {
	Enroll(ctx context.Context, p devices.EnrollParams) (*model.Device, error)
	Activate(ctx context.Context, deviceID uint, p devices.ActivateParams) (*model.Device, error)
	Revoke(ctx context.Context, deviceID uint, actor string, reason string) error
	Suspend(ctx context.Context, deviceID uint, actor string, reason string) error
	Revalidate(ctx context.Context, deviceID uint, actor string) (*model.Device, error)
	RotateToken(ctx context.Context, deviceID uint, actor string) (*model.Device, error)
	ClearLockout(ctx context.Context, deviceID uint, actor string) error
	RequireRevalidation(ctx context.Context, deviceID uint, actor string, reason string) error
}

type MFAService interface {
	CreateChallenge(ctx context.Context, device *model.Device, method model.MFAMethod, email string) (*model.MFAChallenge, error)
	Complete(ctx context.Context, deviceID uint, code string, ip string) (bool, error)
	ResendOTP(ctx context.Context, deviceID uint, email string) error
}

type deviceResponse struct {
	ID           uint               `json:"id"`
	TokenPrefix  string             `json:"tokenPrefix"`
	Name         string             `json:"name"`
	DeviceType   string             `json:"deviceType"`
	Username     string             `json:"username"`
	Status       model.DeviceStatus `json:"status"`
	SecurityTier model.SecurityTier `json:"securityTier"`
	RiskScore    int                `json:"riskScore"`
	EnrolledAt   time.Time          `json:"enrolledAt"`
	AuthorizedAt *time.Time         `json:"authorizedAt,omitempty"`
	ExpiresAt    *time.Time         `json:"expiresAt,omitempty"`
	LastUsedAt   *time.Time         `json:"lastUsedAt,omitempty"`
	ReviewedBy   string             `json:"reviewedBy,omitempty"`
	CertSerial   string             `json:"certSerial,omitempty"`
	LockedUntil  *time.Time         `json:"lockedUntil,omitempty"`
}

func newDeviceResponse(device *model.Device) deviceResponse {
	return deviceResponse{
		ID:           device.ID,
		TokenPrefix:  device.TokenPrefix(),
		Name:         device.Name,
		DeviceType:   device.DeviceType,
		Username:     device.Username,
		Status:       device.Status,
		SecurityTier: device.SecurityTier,
		RiskScore:    device.RiskScore,
		EnrolledAt:   device.EnrolledAt,
		AuthorizedAt: device.AuthorizedAt,
		ExpiresAt:    device.ExpiresAt,
		LastUsedAt:   device.LastUsedAt,
		ReviewedBy:   device.ReviewedBy,
		CertSerial:   device.CertSerial,
		LockedUntil:  device.LockedUntil,
	}
}

func newDeviceListResponse(list []*model.Device) []deviceResponse {
	out := make([]deviceResponse, 0, len(list))
	for _, device := range list {
		out = append(out, newDeviceResponse(device))
	}
	return out
}
