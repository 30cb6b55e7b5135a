package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/mfa"
	"github.com/hqnguyen/devguard/internal/middlewares/deviceguard"
	"github.com/hqnguyen/devguard/internal/middlewares/principal"
	"github.com/hqnguyen/devguard/model"
)

// DeviceHandler serves the self-service enrollment flow: a user enrolls
// the browser they are on, then completes the MFA challenge that moves
// the device into the approval queue.
type DeviceHandler struct {
	deviceService DeviceService
	mfaService    MFAService
	deviceRepo    devices.DeviceRepository
	cookieName    string
	cookieSecure  bool
}

func NewDeviceHandler(deviceService DeviceService, mfaService MFAService, deviceRepo devices.DeviceRepository, cookieName string, cookieSecure bool) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		mfaService:    mfaService,
		deviceRepo:    deviceRepo,
		cookieName:    cookieName,
		cookieSecure:  cookieSecure,
	}
}

func clientIP(ctx *fiber.Ctx) string {
	if ips := ctx.IPs(); len(ips) > 0 {
		return ips[0]
	}
	return ctx.IP()
}

type enrollRequest struct {
	Name      string `json:"name"`
	Method    string `json:"method"`
	Email     string `json:"email"`
	Reason    string `json:"reason"`
	PublicKey string `json:"publicKey"`
}

type enrollResponse struct {
	Device      deviceResponse `json:"device"`
	ChallengeID string         `json:"challengeId"`
	Method      string         `json:"method"`
}

func (h *DeviceHandler) PostEnroll(ctx *fiber.Ctx) error {
	user := principal.FromContext(ctx)
	if user.Username == "" {
		return ctx.Status(fiber.StatusUnauthorized).JSON(
			NewErrorResponse(fiber.StatusUnauthorized, "Authentication required"),
		)
	}

	var req enrollRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Malformed request body"),
		)
	}
	method := model.MFAMethod(req.Method)
	if method == "" {
		method = model.MFAMethodTOTP
	}
	if method == model.MFAMethodEmail && req.Email == "" {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Email is required for the email method"),
		)
	}

	device, err := h.deviceService.Enroll(ctx.Context(), devices.EnrollParams{
		Username:  user.Username,
		Email:     req.Email,
		Name:      req.Name,
		Reason:    req.Reason,
		IP:        clientIP(ctx),
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
		PublicKey: req.PublicKey,
	})
	if err != nil {
		slog.Error("Device enrollment failed", "user", user.Username, "error", err)
		return ctx.Status(fiber.StatusInternalServerError).JSON(
			NewErrorResponse(fiber.StatusInternalServerError, "Internal server error"),
		)
	}

	challenge, err := h.mfaService.CreateChallenge(ctx.Context(), device, method, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrOTPSendRateLimited):
			return ctx.Status(fiber.StatusTooManyRequests).JSON(
				NewErrorResponse(fiber.StatusTooManyRequests, "Too many codes requested, try again later"),
			)
		case errors.Is(err, mfa.ErrUnsupportedMethod):
			return ctx.Status(fiber.StatusBadRequest).JSON(
				NewErrorResponse(fiber.StatusBadRequest, "Unsupported MFA method"),
			)
		default:
			slog.Error("Failed to create MFA challenge", "device", device.ID, "error", err)
			return ctx.Status(fiber.StatusInternalServerError).JSON(
				NewErrorResponse(fiber.StatusInternalServerError, "Internal server error"),
			)
		}
	}

	// bind the new device identity to this client
	deviceguard.SetDeviceCookie(ctx, h.cookieName, device.Token, h.cookieSecure)

	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(enrollResponse{
		Device:      newDeviceResponse(device),
		ChallengeID: challenge.ChallengeID,
		Method:      string(challenge.Method),
	}))
}

// deviceFromCookie resolves the caller's own device. Enrollment flows
// always act on the device the request rides on.
func (h *DeviceHandler) deviceFromCookie(ctx *fiber.Ctx) (*model.Device, error) {
	token := ctx.Cookies(h.cookieName)
	if token == "" {
		return nil, devices.ErrDeviceNotFound
	}
	return h.deviceRepo.GetByToken(ctx.Context(), token)
}

type verifyMFARequest struct {
	Code string `json:"code"`
}

type verifyMFAResponse struct {
	Verified bool               `json:"verified"`
	Status   model.DeviceStatus `json:"status,omitempty"`
}

func (h *DeviceHandler) PostVerifyMFA(ctx *fiber.Ctx) error {
	var req verifyMFARequest
	if err := ctx.BodyParser(&req); err != nil || req.Code == "" {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Missing verification code"),
		)
	}

	device, err := h.deviceFromCookie(ctx)
	if err != nil {
		return ctx.Status(fiber.StatusNotFound).JSON(
			NewErrorResponse(fiber.StatusNotFound, "No enrolled device for this client"),
		)
	}

	verified, err := h.mfaService.Complete(ctx.Context(), device.ID, req.Code, clientIP(ctx))
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrChallengeNotFound):
			return ctx.Status(fiber.StatusNotFound).JSON(
				NewErrorResponse(fiber.StatusNotFound, "No active challenge"),
			)
		case errors.Is(err, mfa.ErrChallengeExpired):
			return ctx.Status(fiber.StatusGone).JSON(
				NewErrorResponse(fiber.StatusGone, "Challenge expired, enroll again"),
			)
		case errors.Is(err, mfa.ErrChallengeAttemptsExceeded):
			return ctx.Status(fiber.StatusTooManyRequests).JSON(
				NewErrorResponse(fiber.StatusTooManyRequests, "Too many attempts, challenge locked"),
			)
		default:
			slog.Error("MFA verification failed", "device", device.ID, "error", err)
			return ctx.Status(fiber.StatusInternalServerError).JSON(
				NewErrorResponse(fiber.StatusInternalServerError, "Internal server error"),
			)
		}
	}
	if !verified {
		return ctx.Status(fiber.StatusUnauthorized).JSON(
			NewErrorResponse(fiber.StatusUnauthorized, "Incorrect verification code"),
		)
	}
	return ctx.JSON(NewDataResponse(verifyMFAResponse{
		Verified: true,
		Status:   model.StatusPending,
	}))
}

type resendOTPRequest struct {
	Email string `json:"email"`
}

func (h *DeviceHandler) PostResendOTP(ctx *fiber.Ctx) error {
	var req resendOTPRequest
	if err := ctx.BodyParser(&req); err != nil || req.Email == "" {
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Missing email"),
		)
	}

	device, err := h.deviceFromCookie(ctx)
	if err != nil {
		return ctx.Status(fiber.StatusNotFound).JSON(
			NewErrorResponse(fiber.StatusNotFound, "No enrolled device for this client"),
		)
	}

	err = h.mfaService.ResendOTP(ctx.Context(), device.ID, req.Email)
	switch {
	case err == nil:
		return ctx.JSON(NewDataResponse(fiber.Map{"sent": true}))
	case errors.Is(err, mfa.ErrOTPSendRateLimited):
		return ctx.Status(fiber.StatusTooManyRequests).JSON(
			NewErrorResponse(fiber.StatusTooManyRequests, "Too many codes requested, try again later"),
		)
	case errors.Is(err, mfa.ErrChallengeAlreadyVerified):
		return ctx.Status(fiber.StatusConflict).JSON(
			NewErrorResponse(fiber.StatusConflict, "Challenge already verified"),
		)
	case errors.Is(err, mfa.ErrChallengeExpired):
		return ctx.Status(fiber.StatusGone).JSON(
			NewErrorResponse(fiber.StatusGone, "Challenge expired, enroll again"),
		)
	case errors.Is(err, mfa.ErrChallengeNotFound):
		return ctx.Status(fiber.StatusNotFound).JSON(
			NewErrorResponse(fiber.StatusNotFound, "No active challenge"),
		)
	case errors.Is(err, mfa.ErrUnsupportedMethod):
		return ctx.Status(fiber.StatusBadRequest).JSON(
			NewErrorResponse(fiber.StatusBadRequest, "Challenge does not use email codes"),
		)
	default:
		slog.Error("OTP resend failed", "device", device.ID, "error", err)
		return ctx.Status(fiber.StatusInternalServerError).JSON(
			NewErrorResponse(fiber.StatusInternalServerError, "Internal server error"),
		)
	}
}

// GetStatus reports the caller's own device so enrollment UIs can poll
// for approval.
func (h *DeviceHandler) GetStatus(ctx *fiber.Ctx) error {
	device, err := h.deviceFromCookie(ctx)
	if err != nil {
		return ctx.Status(fiber.StatusNotFound).JSON(
			NewErrorResponse(fiber.StatusNotFound, "No enrolled device for this client"),
		)
	}
	return ctx.JSON(NewDataResponse(newDeviceResponse(device)))
}
