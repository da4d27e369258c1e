// Package email is the thin boundary to the mail collaborator. The core
// only ever asks it to deliver a verification code; everything else about
// mail (templates, retries, providers) lives outside this codebase.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
)

type Sender interface {
	SendVerificationCode(ctx context.Context, to, username, code string) error
}

// SMTPSender delivers through a plain SMTP relay.
type SMTPSender struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

func NewSMTPSender(host, port, user, pass, from string) *SMTPSender {
	if from == "" {
		from = user
	}
	return &SMTPSender{Host: host, Port: port, User: user, Pass: pass, From: from}
}

func (s *SMTPSender) SendVerificationCode(_ context.Context, to, username, code string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Kracken Messenger verification code\r\n\r\nHi %s,\r\n\r\nYour verification code is: %s\r\nIt expires in 15 minutes.\r\n",
		s.From, to, username, code)

	auth := smtp.PlainAuth("", s.User, s.Pass, s.Host)
	addr := s.Host + ":" + s.Port
	if err := smtp.SendMail(addr, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// LogSender is the no-SMTP development fallback: it logs the code instead
// of sending it, so local signup flows stay testable.
type LogSender struct{}

func (LogSender) SendVerificationCode(_ context.Context, to, username, code string) error {
	slog.Info("verification code (smtp not configured)", "to", to, "username", username, "code", code)
	return nil
}
