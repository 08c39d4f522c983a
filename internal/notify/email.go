package notify

import (
	"context"
	"errors"
	"time"

	gomail "gopkg.in/mail.v2"

	"bandi/internal/model"
)

type EmailConfig struct {
	SMTPServer string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	FromEmail  string
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender delivers messages via SMTP.
type EmailSender struct {
	from   string
	dialer mailDialer
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	dialer := gomail.NewDialer(cfg.SMTPServer, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	dialer.Timeout = 10 * time.Second
	return &EmailSender{from: cfg.FromEmail, dialer: dialer}
}

func (s *EmailSender) Channel() model.Channel { return model.ChannelEmail }

// Send delivers an email with HTML body and plain text fallback.
func (s *EmailSender) Send(ctx context.Context, address string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return errors.New("nil message")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", address)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return s.dialer.DialAndSend(m)
}
