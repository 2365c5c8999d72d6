package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// DeliveryError is a transport failure classified as temporary or permanent
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// SMTPOptions configures an SMTPTransport
type SMTPOptions struct {
	Addr        string
	Hostname    string
	Username    string
	Password    string
	ImplicitTLS bool
	Timeout     time.Duration
	Signer      *Signer
	// TLSConfig replaces the default client TLS settings
	TLSConfig *tls.Config
}

// SMTPTransport submits messages to a relay
type SMTPTransport struct {
	opts   SMTPOptions
	logger *slog.Logger
}

// NewSMTPTransport creates an SMTP transport
func NewSMTPTransport(opts SMTPOptions, logger *slog.Logger) *SMTPTransport {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	return &SMTPTransport{
		opts:   opts,
		logger: logger.With("component", "smtp"),
	}
}

// Send renders and submits msg
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msg.Bytes()
	if err != nil {
		return &DeliveryError{Temporary: false, Message: err.Error()}
	}

	if t.opts.Signer != nil {
		signed, err := t.opts.Signer.Sign(data)
		if err != nil {
			t.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", t.opts.Signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := t.dial()
	if err != nil {
		var de *DeliveryError
		if errors.As(err, &de) {
			return de
		}
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", t.opts.Addr, err),
		}
	}
	defer client.Close()

	if t.opts.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return &DeliveryError{Temporary: false, Message: "server does not support AUTH"}
		}
		auth := sasl.NewPlainClient("", t.opts.Username, t.opts.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.SendMail(msg.From, msg.To, bytes.NewReader(data)); err != nil {
		return categorizeError(err, "SEND")
	}

	if err := client.Quit(); err != nil {
		t.logger.Debug("QUIT failed", "error", err)
	}

	t.logger.Info("message delivered",
		"addr", t.opts.Addr,
		"from", msg.From,
		"to", msg.To,
	)
	return nil
}

// dial connects and greets the relay. Without implicit TLS the connection is
// upgraded with STARTTLS; when the upgrade fails the message goes out in
// plaintext over a fresh connection.
func (t *SMTPTransport) dial() (*smtp.Client, error) {
	if t.opts.ImplicitTLS {
		client, err := smtp.DialTLS(t.opts.Addr, t.tlsConfig())
		if err != nil {
			return nil, err
		}
		return t.hello(client)
	}

	conn, err := t.connect()
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClientStartTLS(conn, t.tlsConfig())
	if err == nil {
		if client, err = t.hello(client); err == nil {
			return client, nil
		}
	}

	if strings.Contains(err.Error(), "doesn't support STARTTLS") {
		t.logger.Debug("relay does not offer STARTTLS", "addr", t.opts.Addr)
	} else {
		t.logger.Warn("STARTTLS failed, continuing without encryption",
			"addr", t.opts.Addr,
			"error", err,
		)
	}

	conn, err = t.connect()
	if err != nil {
		return nil, err
	}
	return t.hello(smtp.NewClient(conn))
}

func (t *SMTPTransport) connect() (net.Conn, error) {
	d := net.Dialer{Timeout: t.opts.Timeout}
	return d.Dial("tcp", t.opts.Addr)
}

// hello applies timeouts and introduces the transport. The client is closed
// on failure.
func (t *SMTPTransport) hello(client *smtp.Client) (*smtp.Client, error) {
	client.CommandTimeout = t.opts.Timeout
	client.SubmissionTimeout = t.opts.Timeout

	if err := client.Hello(t.opts.Hostname); err != nil {
		client.Close()
		return nil, categorizeError(err, "HELO")
	}
	return client, nil
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.opts.TLSConfig != nil {
		return t.opts.TLSConfig
	}
	host, _, err := net.SplitHostPort(t.opts.Addr)
	if err != nil {
		host = t.opts.Addr
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Temporary: se.Code/100 != 5, Message: msg}
	}

	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &DeliveryError{Temporary: false, Message: msg}
		}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}

// IsTemporaryError reports whether err is worth retrying. Unknown errors are
// treated as temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
