package mailer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/model"
)

type received struct {
	from string
	to   []string
	data []byte
	user string
	tls  bool
}

type testBackend struct {
	mu       sync.Mutex
	messages []received
	users    map[string]string
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b, conn: c}, nil
}

func (b *testBackend) Messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	conn    *smtp.Conn
	cur     received
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if s.backend.users[username] != password {
			return smtp.ErrAuthFailed
		}
		s.cur.user = username
		return nil
	}), nil
}

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *testSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if strings.HasPrefix(to, "reject") {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = data
	_, s.cur.tls = s.conn.TLSConnectionState()
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.cur)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	user := s.cur.user
	s.cur = received{user: user}
}

func (s *testSession) Logout() error {
	return nil
}

func startTestServer(t *testing.T, be *testBackend) string {
	t.Helper()
	return startTLSTestServer(t, be, nil)
}

// startTLSTestServer starts a server offering STARTTLS when tlsConfig is set
func startTLSTestServer(t *testing.T, be *testBackend, tlsConfig *tls.Config) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.TLSConfig = tlsConfig

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return l.Addr().String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSMTPTransport_Send(t *testing.T) {
	be := &testBackend{}
	addr := startTestServer(t, be)

	tr := NewSMTPTransport(SMTPOptions{Addr: addr, Hostname: "drip.test"}, testLogger())

	msg := &Message{
		From:    "news@example.com",
		To:      []string{"alice@example.org"},
		Subject: "Welcome",
		Text:    "Hello Alice",
	}
	msg.SetMailing(&model.Mailing{ID: "mailing-1"})

	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := be.Messages()
	if len(got) != 1 {
		t.Fatalf("server received %d messages, want 1", len(got))
	}
	if got[0].from != "news@example.com" {
		t.Errorf("MAIL FROM = %q", got[0].from)
	}
	if len(got[0].to) != 1 || got[0].to[0] != "alice@example.org" {
		t.Errorf("RCPT TO = %v", got[0].to)
	}
	if !bytes.Contains(got[0].data, []byte("X-Drip-Mailing: mailing-1")) {
		t.Errorf("message is missing mailing header:\n%s", got[0].data)
	}
	if !bytes.Contains(got[0].data, []byte("Hello Alice")) {
		t.Errorf("message is missing body:\n%s", got[0].data)
	}
}

func TestSMTPTransport_Auth(t *testing.T) {
	be := &testBackend{users: map[string]string{"drip": "secret"}}
	addr := startTestServer(t, be)

	tr := NewSMTPTransport(SMTPOptions{
		Addr:     addr,
		Username: "drip",
		Password: "secret",
	}, testLogger())

	msg := &Message{From: "a@example.com", To: []string{"b@example.org"}, Subject: "s", Text: "t"}
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := be.Messages()
	if len(got) != 1 || got[0].user != "drip" {
		t.Fatalf("messages = %+v, want one authenticated as drip", got)
	}

	bad := NewSMTPTransport(SMTPOptions{
		Addr:     addr,
		Username: "drip",
		Password: "wrong",
	}, testLogger())
	if err := bad.Send(context.Background(), msg); err == nil {
		t.Error("Send() with wrong password should fail")
	}
}

func TestSMTPTransport_PermanentRejection(t *testing.T) {
	be := &testBackend{}
	addr := startTestServer(t, be)

	tr := NewSMTPTransport(SMTPOptions{Addr: addr}, testLogger())
	msg := &Message{From: "a@example.com", To: []string{"reject@example.org"}, Subject: "s", Text: "t"}

	err := tr.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("Send() should fail for rejected recipient")
	}
	if IsTemporaryError(err) {
		t.Errorf("550 rejection classified as temporary: %v", err)
	}
}

func TestSMTPTransport_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	tr := NewSMTPTransport(SMTPOptions{Addr: addr, Timeout: time.Second}, testLogger())
	msg := &Message{From: "a@example.com", To: []string{"b@example.org"}, Subject: "s", Text: "t"}

	err = tr.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("Send() should fail when nothing listens")
	}
	if !IsTemporaryError(err) {
		t.Errorf("connection failure classified as permanent: %v", err)
	}
}

func TestSMTPTransport_DKIM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	be := &testBackend{}
	addr := startTestServer(t, be)

	tr := NewSMTPTransport(SMTPOptions{
		Addr:   addr,
		Signer: NewSigner(key, "example.com", "drip"),
	}, testLogger())

	msg := &Message{From: "news@example.com", To: []string{"b@example.org"}, Subject: "s", Text: "t"}
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := be.Messages()
	if len(got) != 1 {
		t.Fatalf("server received %d messages, want 1", len(got))
	}
	if !bytes.HasPrefix(got[0].data, []byte("DKIM-Signature:")) {
		t.Errorf("message is not DKIM signed:\n%s", got[0].data)
	}
	if !bytes.Contains(got[0].data, []byte("s=drip")) {
		t.Error("signature is missing selector")
	}
}

// selfSignedCert returns a server certificate for 127.0.0.1 and a pool
// trusting it
func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func TestSMTPTransport_StartTLS(t *testing.T) {
	cert, pool := selfSignedCert(t)
	be := &testBackend{}
	addr := startTLSTestServer(t, be, &tls.Config{Certificates: []tls.Certificate{cert}})

	tr := NewSMTPTransport(SMTPOptions{
		Addr:      addr,
		Hostname:  "drip.test",
		TLSConfig: &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12},
	}, testLogger())

	msg := &Message{From: "a@example.com", To: []string{"b@example.org"}, Subject: "s", Text: "t"}
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := be.Messages()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if !got[0].tls {
		t.Error("message was not sent over STARTTLS")
	}
}

func TestSMTPTransport_StartTLSFallback(t *testing.T) {
	cert, _ := selfSignedCert(t)
	be := &testBackend{}
	addr := startTLSTestServer(t, be, &tls.Config{Certificates: []tls.Certificate{cert}})

	// The relay certificate is not trusted, so the upgrade fails
	tr := NewSMTPTransport(SMTPOptions{Addr: addr, Hostname: "drip.test"}, testLogger())

	msg := &Message{From: "a@example.com", To: []string{"b@example.org"}, Subject: "s", Text: "t"}
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := be.Messages()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if got[0].tls {
		t.Error("message should have fallen back to plaintext")
	}
}

func TestIsTemporaryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"temporary delivery error", &DeliveryError{Temporary: true, Message: "x"}, true},
		{"permanent delivery error", &DeliveryError{Temporary: false, Message: "x"}, false},
		{"unknown error", errors.New("boom"), true},
		{"5xx in text", categorizeError(errors.New("550 mailbox unavailable"), "RCPT"), false},
		{"4xx in text", categorizeError(errors.New("421 try later"), "RCPT"), true},
		{"smtp error", categorizeError(&smtp.SMTPError{Code: 554, Message: "no"}, "DATA"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporaryError(tt.err); got != tt.want {
				t.Errorf("IsTemporaryError() = %v, want %v", got, tt.want)
			}
		})
	}
}
