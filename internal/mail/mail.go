// Package mail sends outgoing notification mail over SMTP.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/metrics"
)

const dialTimeout = 10 * time.Second

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("mail: no recipients")

// Message is a plain text mail.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers through a single SMTP relay.
type SMTPSender struct {
	cfg      config.EmailConfig
	addr     string
	from     string
	recorder metrics.Recorder
	now      func() time.Time
	// dial overrides the network dial, for tests.
	dial gomail.DialContextFunc
}

// NewSMTPSender creates a sender for the configured relay.
func NewSMTPSender(cfg config.EmailConfig, from string, recorder metrics.Recorder) *SMTPSender {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &SMTPSender{
		cfg:      cfg,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from:     from,
		recorder: recorder,
		now:      time.Now,
	}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	err := s.send(ctx, msg)
	if err != nil {
		s.recorder.IncMailSent("failed")
		return err
	}
	s.recorder.IncMailSent("sent")
	return nil
}

func (s *SMTPSender) send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}

	m, err := s.message(msg)
	if err != nil {
		return err
	}
	client, err := s.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send via %s: %w", s.addr, err)
	}
	return nil
}

// client requires STARTTLS when EMAIL_USE_TLS is set and never attempts
// it otherwise. Credentials are sent in both cases.
func (s *SMTPSender) client() (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(dialTimeout),
	}
	if s.cfg.UseTLS {
		opts = append(opts,
			gomail.WithTLSPolicy(gomail.TLSMandatory),
			gomail.WithTLSConfig(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}),
		)
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	if s.cfg.Username != "" {
		auth := gomail.SMTPAuthPlainNoEnc
		if s.cfg.UseTLS {
			auth = gomail.SMTPAuthPlain
		}
		opts = append(opts,
			gomail.WithSMTPAuth(auth),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	if s.dial != nil {
		opts = append(opts, gomail.WithDialContextFunc(s.dial))
	}

	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

func (s *SMTPSender) message(msg Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(s.now())
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	return m, nil
}
