package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxzi/drip/internal/model"
)

// ErrNoEnqueuer is returned by DeliverLater when no job runner is configured
var ErrNoEnqueuer = errors.New("no delivery enqueuer configured")

// Transport sends a rendered message
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Enqueuer hands a mailing to the asynchronous job runner
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, mailingID string) error
}

// Interceptor runs before a message is handed to the transport.
// A returned error aborts delivery.
type Interceptor func(ctx context.Context, msg *Message) error

// Observer runs after the transport accepted a message
type Observer func(ctx context.Context, msg *Message) error

// Dispatcher delivers messages through a transport, notifying the registered
// interceptors and observers around every send
type Dispatcher struct {
	transport Transport
	enqueuer  Enqueuer
	logger    *slog.Logger

	mu           sync.RWMutex
	interceptors []Interceptor
	observers    []Observer
}

// NewDispatcher creates a dispatcher sending through t
func NewDispatcher(t Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		logger:    logger.With("component", "dispatcher"),
	}
}

// SetEnqueuer sets the job runner used by DeliverLater
func (d *Dispatcher) SetEnqueuer(e Enqueuer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueuer = e
}

// Intercept registers fn to run before every send
func (d *Dispatcher) Intercept(fn Interceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interceptors = append(d.interceptors, fn)
}

// Observe registers fn to run after every successful send
func (d *Dispatcher) Observe(fn Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Deliver sends msg now
func (d *Dispatcher) Deliver(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	interceptors := append([]Interceptor(nil), d.interceptors...)
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()

	for _, fn := range interceptors {
		if err := fn(ctx, msg); err != nil {
			return err
		}
	}

	if err := d.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	d.logger.Debug("message sent",
		"to", msg.To,
		"subject", msg.Subject,
	)

	for _, fn := range observers {
		if err := fn(ctx, msg); err != nil {
			return err
		}
	}

	return nil
}

// DeliverLater enqueues the message's mailing for asynchronous delivery
func (d *Dispatcher) DeliverLater(ctx context.Context, msg *Message) error {
	if msg.mailing == nil {
		return fmt.Errorf("deliver later: message has no mailing")
	}
	return d.Enqueue(ctx, msg.mailing)
}

// Enqueue hands m to the job runner. The job re-enters delivery by mailing
// ID, so no built message crosses the job boundary.
func (d *Dispatcher) Enqueue(ctx context.Context, m *model.Mailing) error {
	d.mu.RLock()
	e := d.enqueuer
	d.mu.RUnlock()
	if e == nil {
		return ErrNoEnqueuer
	}

	if err := e.EnqueueDelivery(ctx, m.ID); err != nil {
		return fmt.Errorf("failed to enqueue mailing %s: %w", m.ID, err)
	}
	return nil
}

// LogTransport logs messages instead of sending them
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a dry-run transport
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With("component", "log_transport")}
}

// Send logs msg
func (t *LogTransport) Send(ctx context.Context, msg *Message) error {
	attrs := []any{
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
	}
	if m := msg.Mailing(); m != nil {
		attrs = append(attrs, "mailing_id", m.ID, "campaign", m.Campaign)
	}
	t.logger.Info("message delivered (dry run)", attrs...)
	return nil
}
