package campaign

import (
	"context"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/model"
)

// SubscriptionHook runs on subscription lifecycle events
type SubscriptionHook func(ctx context.Context, sub *model.Subscription) error

// MailingHook runs when a mailing is skipped
type MailingHook func(ctx context.Context, m *model.Mailing) error

// DripHook runs before a drip's applicability is evaluated
type DripHook func(ctx context.Context, def *drip.Definition, m *model.Mailing) error

// SendHook runs around the dispatch of a message
type SendHook func(ctx context.Context, m *model.Mailing, msg *mailer.Message) error

// PerformHook runs around Process
type PerformHook func(ctx context.Context, d *Dripper, mailings []*model.Mailing) error

type hooks struct {
	onSubscribe   []SubscriptionHook
	onResubscribe []SubscriptionHook
	onUnsubscribe []SubscriptionHook
	onEnd         []SubscriptionHook
	onSkip        []MailingHook
	beforeDrip    []DripHook
	beforeSend    []SendHook
	afterSend     []SendHook
	beforePerform []PerformHook
	onPerform     []PerformHook
	afterPerform  []PerformHook
}

// OnSubscribe registers fn to run after a subscription is created
func (d *Dripper) OnSubscribe(fn SubscriptionHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.onSubscribe = append(d.hooks.onSubscribe, fn)
}

// OnResubscribe registers fn to run on every resubscribe
func (d *Dripper) OnResubscribe(fn SubscriptionHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.onResubscribe = append(d.hooks.onResubscribe, fn)
}

// OnUnsubscribe registers fn to run when a subscription becomes unsubscribed
func (d *Dripper) OnUnsubscribe(fn SubscriptionHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.onUnsubscribe = append(d.hooks.onUnsubscribe, fn)
}

// OnEnd registers fn to run when a subscription ends
func (d *Dripper) OnEnd(fn SubscriptionHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.onEnd = append(d.hooks.onEnd, fn)
}

// OnSkip registers fn to run when a mailing is skipped
func (d *Dripper) OnSkip(fn MailingHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.onSkip = append(d.hooks.onSkip, fn)
}

// BeforeDrip registers fn to run for every candidate mailing, before its
// drip is evaluated
func (d *Dripper) BeforeDrip(fn DripHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.beforeDrip = append(d.hooks.beforeDrip, fn)
}

// BeforeSend registers fn to run right before a message leaves the system
func (d *Dripper) BeforeSend(fn SendHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.beforeSend = append(d.hooks.beforeSend, fn)
}

// AfterSend registers fn to run after a mailing is marked sent
func (d *Dripper) AfterSend(fn SendHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.afterSend = append(d.hooks.afterSend, fn)
}

// BeforePerform registers fn to run once per Process with every due mailing
func (d *Dripper) BeforePerform(fn PerformHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.beforePerform = append(d.hooks.beforePerform, fn)
}

// OnPerform registers fn to run once per processed batch
func (d *Dripper) OnPerform(fn PerformHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.onPerform = append(d.hooks.onPerform, fn)
}

// AfterPerform registers fn to run once at the end of Process
func (d *Dripper) AfterPerform(fn PerformHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks.afterPerform = append(d.hooks.afterPerform, fn)
}

// snapshot copies the hook lists so they can run without holding the lock
func (d *Dripper) snapshot() hooks {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h := d.hooks
	h.onSubscribe = append([]SubscriptionHook(nil), h.onSubscribe...)
	h.onResubscribe = append([]SubscriptionHook(nil), h.onResubscribe...)
	h.onUnsubscribe = append([]SubscriptionHook(nil), h.onUnsubscribe...)
	h.onEnd = append([]SubscriptionHook(nil), h.onEnd...)
	h.onSkip = append([]MailingHook(nil), h.onSkip...)
	h.beforeDrip = append([]DripHook(nil), h.beforeDrip...)
	h.beforeSend = append([]SendHook(nil), h.beforeSend...)
	h.afterSend = append([]SendHook(nil), h.afterSend...)
	h.beforePerform = append([]PerformHook(nil), h.beforePerform...)
	h.onPerform = append([]PerformHook(nil), h.onPerform...)
	h.afterPerform = append([]PerformHook(nil), h.afterPerform...)
	return h
}

func runSubscription(ctx context.Context, fns []SubscriptionHook, sub *model.Subscription) error {
	for _, fn := range fns {
		if err := fn(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func runMailing(ctx context.Context, fns []MailingHook, m *model.Mailing) error {
	for _, fn := range fns {
		if err := fn(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func runDrip(ctx context.Context, fns []DripHook, def *drip.Definition, m *model.Mailing) error {
	for _, fn := range fns {
		if err := fn(ctx, def, m); err != nil {
			return err
		}
	}
	return nil
}

func runSend(ctx context.Context, fns []SendHook, m *model.Mailing, msg *mailer.Message) error {
	for _, fn := range fns {
		if err := fn(ctx, m, msg); err != nil {
			return err
		}
	}
	return nil
}

func runPerform(ctx context.Context, fns []PerformHook, d *Dripper, mailings []*model.Mailing) error {
	for _, fn := range fns {
		if err := fn(ctx, d, mailings); err != nil {
			return err
		}
	}
	return nil
}
