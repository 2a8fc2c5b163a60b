package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPProvider sends email notifications
type SMTPProvider struct{}

func init() {
	RegisterProvider(&SMTPProvider{})
}

func (s *SMTPProvider) Name() string {
	return "smtp"
}

func (s *SMTPProvider) Send(ctx context.Context, channel *Channel, alert *Alert) error {
	host, _ := channel.Settings["smtp_host"].(string)
	port, _ := channel.Settings["smtp_port"].(float64)
	username, _ := channel.Settings["smtp_username"].(string)
	password, _ := channel.Settings["smtp_password"].(string)
	from, _ := channel.Settings["from_email"].(string)
	to, _ := channel.Settings["to_email"].(string)

	if host == "" || from == "" || to == "" {
		return fmt.Errorf("missing required SMTP configuration")
	}

	if port == 0 {
		port = 587
	}

	// Build email message
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), titleFor(alert))
	body := FormatMessage(alert)

	msg := fmt.Sprintf("From: %s\r\n", from)
	msg += fmt.Sprintf("To: %s\r\n", to)
	msg += fmt.Sprintf("Subject: %s\r\n", subject)
	msg += "MIME-Version: 1.0\r\n"
	msg += "Content-Type: text/plain; charset=UTF-8\r\n"
	msg += "\r\n"
	msg += body

	// Parse recipient addresses
	recipients := strings.Split(to, ",")
	for i, r := range recipients {
		recipients[i] = strings.TrimSpace(r)
	}

	addr := fmt.Sprintf("%s:%d", host, int(port))

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	// net/smtp has no context support; the dial is bounded by the
	// manager's request timeout via a goroutine race.
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, from, recipients, []byte(msg))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	}
}

func (s *SMTPProvider) Validate(settings map[string]interface{}) error {
	host, ok := settings["smtp_host"].(string)
	if !ok || host == "" {
		return fmt.Errorf("smtp_host is required")
	}

	from, ok := settings["from_email"].(string)
	if !ok || from == "" {
		return fmt.Errorf("from_email is required")
	}

	to, ok := settings["to_email"].(string)
	if !ok || to == "" {
		return fmt.Errorf("to_email is required")
	}

	return nil
}
