package campaign

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/model"
	"github.com/foxzi/drip/internal/store"
)

const testMailer = "OnboardingMailer"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingTransport keeps every message it is asked to send
type recordingTransport struct {
	mu    sync.Mutex
	sent  []*mailer.Message
	err   error
	delay time.Duration
}

func (t *recordingTransport) Send(ctx context.Context, msg *mailer.Message) error {
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *recordingTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEnqueuer) EnqueueDelivery(ctx context.Context, mailingID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, mailingID)
	return nil
}

type harness struct {
	t         *testing.T
	store     *store.BoltStore
	clock     *testClock
	transport *recordingTransport
	mailers   *mailer.Registry
	registry  *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "drip.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	transport := &recordingTransport{}
	mailers := mailer.NewRegistry(mailer.NewDispatcher(transport, testLogger()))

	return &harness{
		t:         t,
		store:     st,
		clock:     newTestClock(),
		transport: transport,
		mailers:   mailers,
		registry:  NewRegistry(mailers, st, testLogger()),
	}
}

// dripper registers a campaign and a mailer action for each given action
func (h *harness) dripper(slug string, cfg Config, actions ...string) *Dripper {
	h.t.Helper()

	if cfg.MailerClass == "" {
		cfg.MailerClass = testMailer
	}
	cfg.Now = h.clock.Now

	d, err := h.registry.NewDripper(slug, cfg)
	if err != nil {
		h.t.Fatalf("NewDripper() error = %v", err)
	}
	for _, action := range actions {
		h.handle(action)
	}
	return d
}

func (h *harness) handle(action string) {
	h.mailers.Handle(testMailer, action, func(ctx context.Context, in mailer.Input) (*mailer.Message, error) {
		m := in.Mailing(ctx)
		if m == nil {
			return nil, errNoMailing
		}
		return &mailer.Message{
			From:    "team@example.org",
			To:      []string{"user@example.org"},
			Subject: action,
			Text:    "mailing " + m.ID,
		}, nil
	})
}

func (h *harness) subscribe(d *Dripper, subscriber string) *model.Subscription {
	h.t.Helper()
	sub, err := d.Subscribe(context.Background(), subscriber)
	if err != nil {
		h.t.Fatalf("Subscribe() error = %v", err)
	}
	return sub
}

func (h *harness) process(d *Dripper) int {
	h.t.Helper()
	n, err := d.Process(context.Background())
	if err != nil {
		h.t.Fatalf("Process() error = %v", err)
	}
	return n
}

func (h *harness) mailings(sub *model.Subscription) []*model.Mailing {
	h.t.Helper()
	list, err := h.store.ListMailings(context.Background(), sub.ID, store.MailingFilter{})
	if err != nil {
		h.t.Fatalf("ListMailings() error = %v", err)
	}
	return list
}

func (h *harness) reload(sub *model.Subscription) *model.Subscription {
	h.t.Helper()
	fresh, err := h.store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		h.t.Fatalf("GetSubscription() error = %v", err)
	}
	return fresh
}

func countSent(list []*model.Mailing) (sent, skipped, pending int) {
	for _, m := range list {
		switch {
		case m.Sent():
			sent++
		case m.Skipped():
			skipped++
		default:
			pending++
		}
	}
	return sent, skipped, pending
}

func (h *harness) drip(d *Dripper, action string, opts ...drip.Option) {
	h.t.Helper()
	if err := d.Drip(action, opts...); err != nil {
		h.t.Fatalf("Drip(%s) error = %v", action, err)
	}
}
