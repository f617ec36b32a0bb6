package services

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

type EmailService interface {
	SendWelcomeEmail(email string) error
}

type emailService struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailService(smtpHost string, smtpPort int, smtpUser, smtpPassword, fromEmail string) EmailService {
	dialer := gomail.NewDialer(smtpHost, smtpPort, smtpUser, smtpPassword)
	return &emailService{
		dialer: dialer,
		from:   fromEmail,
	}
}

// SendWelcomeEmail greets a freshly verified account that registered with
// an email address (typically staff). Best effort; callers log failures.
func (s *emailService) SendWelcomeEmail(email string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Welcome to Hasiru Mitra!")

	body := `
		<h2>Welcome to Hasiru Mitra!</h2>
		<p>Your phone number has been verified and your account is active.</p>
		<p>Best regards,<br>The Hasiru Mitra Team</p>
	`
	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send welcome email: %w", err)
	}
	return nil
}
