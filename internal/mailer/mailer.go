package mailer

import (
	"context"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"
)

// Mailer is the fire-and-forget email contract. Failures are the
// caller's to log; they never abort the operation that triggered them.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer delivers through a plain SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTPMailer(host string, port int, from, username, password string) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
		auth: auth,
	}
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, to, subject, body)
	return smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg))
}

// LogMailer only logs; used when SMTP is disabled in config.
type LogMailer struct {
	log *zap.SugaredLogger
}

func NewLogMailer(log *zap.SugaredLogger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(_ context.Context, to, subject, _ string) error {
	m.log.Infof("mail (smtp disabled): to=%s subject=%q", to, subject)
	return nil
}
