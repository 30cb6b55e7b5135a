package mail

import (
	"fmt"

	"github.com/hqnguyen/devguard/internal/render"
)

// SendDeviceOTP delivers an enrollment verification code. Callers treat
// the send as fire-and-forget; a failure is reported as an error but is
// never an authorization failure.
func SendDeviceOTP(sender MailSender, toEmail string, otpCode string, expireMinutes int) error {
	body, err := render.RenderHTML("mail/otp-code", map[string]interface{}{
		"otpCode":       otpCode,
		"expireMinutes": expireMinutes,
	})
	if err != nil {
		return err
	}
	return sender.Send(&Message{
		To:      []string{toEmail},
		Subject: "Your device verification code",
		Body:    body,
		IsHTML:  true,
	})
}

// SendDeviceStatus notifies the device owner of a lifecycle change
// (activation, suspension, revocation).
func SendDeviceStatus(sender MailSender, toEmail string, deviceName string, status string, notes string) error {
	body, err := render.RenderHTML("mail/device-status", map[string]interface{}{
		"deviceName": deviceName,
		"status":     status,
		"notes":      notes,
	})
	if err != nil {
		return err
	}
	return sender.Send(&Message{
		To:      []string{toEmail},
		Subject: fmt.Sprintf("Device %s is now %s", deviceName, status),
		Body:    body,
		IsHTML:  true,
	})
}
