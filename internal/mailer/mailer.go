// Package mailer delivers validated drafts over SMTP.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"voxmail/internal/draft"
	"voxmail/internal/fault"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrMissingConfig    = fault.Configuration("smtp configuration incomplete")
	ErrUnreachable      = fault.Upstream("smtp server unreachable")
	ErrInvalidEmailData = fault.Validation("invalid email data")
	ErrDeliveryFailed   = fault.Upstream("email delivery failed")
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Secure   bool   // implicit TLS; otherwise STARTTLS when offered
	From     string // defaults to User
	Timeout  time.Duration
}

func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		missing = append(missing, "port")
	}
	if strings.TrimSpace(c.User) == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	if !draft.IsEmail(c.sender()) {
		return fmt.Errorf("%w: sender %q is not an email address", ErrMissingConfig, c.sender())
	}
	return nil
}

func (c Config) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.User
}

// Transport is the part of *mail.Client the mailer uses.
type Transport interface {
	DialWithContext(ctx context.Context) error
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
	Close() error
}

type Option func(*Mailer)

// WithTransport replaces the SMTP client, mainly for tests.
func WithTransport(t Transport) Option {
	return func(m *Mailer) { m.transport = t }
}

type Mailer struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex // the SMTP client holds one connection
	transport Transport
}

func New(cfg Config, logger *slog.Logger, opts ...Option) (*Mailer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mailer{cfg: cfg, logger: logger.With("component", "mailer")}
	for _, opt := range opts {
		opt(m)
	}
	if m.transport != nil {
		return m, nil
	}

	clientOpts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.User),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Secure {
		clientOpts = append(clientOpts, mail.WithSSL())
	} else {
		clientOpts = append(clientOpts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingConfig, err)
	}
	m.transport = client
	return m, nil
}

// Verify opens and closes one SMTP session.
func (m *Mailer) Verify(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transport.DialWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %s:%d: %v", ErrUnreachable, m.cfg.Host, m.cfg.Port, err)
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Warn("Closing verification session", "err", err)
	}
	m.logger.Info("SMTP server reachable", "host", m.cfg.Host, "port", m.cfg.Port, "secure", m.cfg.Secure)
	return nil
}

// SendEmail validates d and opts, delivers the message and returns its Message-ID.
func (m *Mailer) SendEmail(ctx context.Context, d draft.Draft, opts *draft.Options) (string, error) {
	if err := validate(d, opts); err != nil {
		return "", err
	}
	if opts == nil {
		opts = &draft.Options{}
	}

	msg, id, err := m.build(d, opts)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	err = m.transport.DialAndSendWithContext(ctx, msg)
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	m.logger.Info("Email sent",
		"message_id", id,
		"to", d.To,
		"cc", len(opts.CC),
		"bcc", len(opts.BCC),
		"attachments", len(opts.Attachments),
		"html", opts.HTML,
	)
	return id, nil
}

func validate(d draft.Draft, opts *draft.Options) error {
	all := &draft.ValidationError{}
	for _, err := range []error{d.Validate(), opts.Validate()} {
		var verr *draft.ValidationError
		if errors.As(err, &verr) {
			all.Fields = append(all.Fields, verr.Fields...)
		}
	}
	if len(all.Fields) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidEmailData, all)
}

func (m *Mailer) build(d draft.Draft, opts *draft.Options) (*mail.Msg, string, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.sender()); err != nil {
		return nil, "", fmt.Errorf("%w: from: %v", ErrInvalidEmailData, err)
	}
	if err := msg.To(d.To); err != nil {
		return nil, "", fmt.Errorf("%w: to: %v", ErrInvalidEmailData, err)
	}
	if len(opts.CC) > 0 {
		if err := msg.Cc(opts.CC...); err != nil {
			return nil, "", fmt.Errorf("%w: cc: %v", ErrInvalidEmailData, err)
		}
	}
	if len(opts.BCC) > 0 {
		if err := msg.Bcc(opts.BCC...); err != nil {
			return nil, "", fmt.Errorf("%w: bcc: %v", ErrInvalidEmailData, err)
		}
	}
	msg.Subject(d.Subject)
	msg.SetDate()

	if opts.HTML {
		msg.SetBodyString(mail.TypeTextPlain, htmlToText(d.Body))
		msg.AddAlternativeString(mail.TypeTextHTML, d.Body)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, d.Body)
	}

	for _, a := range opts.Attachments {
		var fopts []mail.FileOption
		if a.ContentType != "" {
			fopts = append(fopts, mail.WithFileContentType(mail.ContentType(a.ContentType)))
		}
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Content), fopts...); err != nil {
			return nil, "", fmt.Errorf("%w: attachment %q: %v", ErrInvalidEmailData, a.Filename, err)
		}
	}

	id := uuid.NewString() + "@" + domainOf(m.cfg.sender())
	msg.SetMessageIDWithValue(id)
	return msg, "<" + id + ">", nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
