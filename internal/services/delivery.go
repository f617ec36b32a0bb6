package services

import (
	"context"
	"fmt"

	"hasirumitra/internal/utils"
)

// DeliveryGateway is the narrow contract to whatever channel carries a
// message to a phone number. Success or failure only; no retries here —
// resend is the caller-visible retry path.
type DeliveryGateway interface {
	Send(ctx context.Context, phone, message string) error
}

func verificationMessage(code string) string {
	return fmt.Sprintf("Hasiru Mitra verification code: %s", code)
}

func passwordResetMessage(code string) string {
	return fmt.Sprintf("Hasiru Mitra password reset code: %s", code)
}

// smsGateway adapts the carrier SMS client to the gateway contract.
type smsGateway struct {
	client *utils.SMSClient
}

func NewSMSGateway(client *utils.SMSClient) DeliveryGateway {
	return &smsGateway{client: client}
}

func (g *smsGateway) Send(ctx context.Context, phone, message string) error {
	return g.client.Send(ctx, phone, message)
}
