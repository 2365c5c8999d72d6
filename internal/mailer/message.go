package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/drip/internal/model"
)

// HeaderMailingID carries the back-reference to the mailing in sent mail
const HeaderMailingID = "X-Drip-Mailing"

// ErrNoDispatcher is returned by Deliver on a message not built through a Registry
var ErrNoDispatcher = errors.New("message has no dispatcher")

// Message is an outbound email
type Message struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string

	mailing    *model.Mailing
	dispatcher *Dispatcher
}

// SetMailing attaches the back-reference to the mailing this message delivers
func (m *Message) SetMailing(mailing *model.Mailing) {
	m.mailing = mailing
}

// Mailing returns the attached mailing, or nil
func (m *Message) Mailing() *model.Mailing {
	return m.mailing
}

// Deliver dispatches the message now
func (m *Message) Deliver(ctx context.Context) error {
	if m.dispatcher == nil {
		return ErrNoDispatcher
	}
	return m.dispatcher.Deliver(ctx, m)
}

// DeliverLater hands the message's mailing to the asynchronous runner
func (m *Message) DeliverLater(ctx context.Context) error {
	if m.dispatcher == nil {
		return ErrNoDispatcher
	}
	return m.dispatcher.DeliverLater(ctx, m)
}

// Bytes renders the message as RFC 5322 data
func (m *Message) Bytes() ([]byte, error) {
	if m.From == "" {
		return nil, fmt.Errorf("message has no sender")
	}
	if len(m.To) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", m.From)
	writeHeader(&buf, "To", strings.Join(m.To, ", "))
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(m.From)))
	writeHeader(&buf, "MIME-Version", "1.0")
	if m.mailing != nil {
		writeHeader(&buf, HeaderMailingID, m.mailing.ID)
	}

	// Deterministic order for custom headers
	names := make([]string, 0, len(m.Headers))
	for name := range m.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(&buf, name, m.Headers[name])
	}

	switch {
	case m.HTML != "" && m.Text != "":
		mw := multipart.NewWriter(&buf)
		writeHeader(&buf, "Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		buf.WriteString("\r\n")
		if err := writePart(mw, "text/plain; charset=utf-8", m.Text); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/html; charset=utf-8", m.HTML); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case m.HTML != "":
		writeHeader(&buf, "Content-Type", "text/html; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(m.HTML))
	default:
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(m.Text))
	}

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	_, err = w.Write([]byte(crlf(body)))
	return err
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}
