// Package email sends transactional mail over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	mail "github.com/go-mail/mail"
	"github.com/notesd/apiserver/config"
	"go.uber.org/zap"
)

// Message is a single outgoing mail. Either body may be empty.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NopSender drops every message. It is used when SMTP is not configured.
type NopSender struct{}

func (NopSender) Send(context.Context, Message) error { return nil }

type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPSender delivers messages through a single SMTP relay.
type SMTPSender struct {
	cfg  config.SMTPConfig
	log  *zap.Logger
	dial func() dialer
}

// NewSender returns an SMTPSender for cfg, or a NopSender when cfg has no
// host or sender address.
func NewSender(cfg config.SMTPConfig, log *zap.Logger) Sender {
	if !cfg.Enabled() {
		return NopSender{}
	}
	return NewSMTPSender(cfg, log)
}

func NewSMTPSender(cfg config.SMTPConfig, log *zap.Logger) *SMTPSender {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SMTPSender{cfg: cfg, log: log.Named("smtp")}
	s.dial = s.newDialer
	return s
}

func (s *SMTPSender) newDialer() dialer {
	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.User, s.cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: s.cfg.Host}
	switch strings.ToLower(s.cfg.TLSMode) {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	}
	return d
}

func (s *SMTPSender) build(msg Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBody("text/html", msg.HTMLBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}
	return m
}

// Send delivers msg. The SMTP exchange itself is not cancellable, so ctx is
// only checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("smtp send: recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.log.Debug("sending mail", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	if err := s.dial().DialAndSend(s.build(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.Info("mail sent", zap.String("to", msg.To))
	return nil
}
