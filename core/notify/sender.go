package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"incident-desk/config"
	"incident-desk/core/utils"

	"gopkg.in/gomail.v2"
)

type Message struct {
	To      string
	Subject string
	HTML    string
}

// Result reports a single delivery attempt. Senders never return errors;
// failures come back as Success=false with Error set.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
}

var ErrDisabled = errors.New("email delivery is disabled")

type SMTPSender struct {
	dialer   *gomail.Dialer
	from     string
	fromName string
	domain   string
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureTLS {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = cfg.User
	}
	domain := "incident-desk.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return &SMTPSender{dialer: d, from: from, fromName: cfg.FromName, domain: domain}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return Result{Error: err.Error()}
	}
	id := fmt.Sprintf("<%s@%s>", utils.NewULID(), s.domain)
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.from, s.fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/html", msg.HTML)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return Result{Error: err.Error()}
		}
		return Result{Success: true, MessageID: id}
	case <-ctx.Done():
		return Result{Error: ctx.Err().Error()}
	}
}

// DisabledSender is used when SMTP is not configured.
type DisabledSender struct{}

func (DisabledSender) Send(ctx context.Context, msg Message) Result {
	return Result{Error: ErrDisabled.Error()}
}

func NewSender(cfg config.SMTPConfig) Sender {
	if !cfg.Enabled || strings.TrimSpace(cfg.Host) == "" {
		return DisabledSender{}
	}
	return NewSMTPSender(cfg)
}
