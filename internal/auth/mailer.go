package auth

import (
	"context"
	"log/slog"
)

// Mailer delivers the verification codes RegisterStart/RecoverStart
// generate. SMTP delivery itself lives outside this module; this
// interface is the seam a real deployment plugs a mailer into.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// DevMailer logs the message instead of sending it, for development and
// tests.
type DevMailer struct {
	Logger *slog.Logger
}

func (m *DevMailer) Send(ctx context.Context, to, subject, body string) error {
	log := m.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "dev mailer: would send email", "to", to, "subject", subject, "body", body)
	return nil
}
