package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/model"
	"github.com/foxzi/drip/internal/store"
)

// SubscribeOption configures a new subscription
type SubscribeOption func(*model.Subscription)

// WithUserID records the user a subscription belongs to
func WithUserID(id string) SubscribeOption {
	return func(sub *model.Subscription) { sub.UserID = id }
}

// Subscribe enrolls subscriberID in the campaign. An existing subscription
// that has not ended is returned without running hooks again; its first
// mailing is scheduled if an earlier call failed before scheduling it.
func (d *Dripper) Subscribe(ctx context.Context, subscriberID string, opts ...SubscribeOption) (*model.Subscription, error) {
	existing, err := d.store.FindSubscription(ctx, d.slug, subscriberID)
	switch {
	case err == nil && !existing.Ended():
		if err := d.resumeScheduling(ctx, existing); err != nil {
			return existing, err
		}
		return existing, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find subscription: %w", err)
	}

	sub := &model.Subscription{
		Campaign:     d.slug,
		SubscriberID: subscriberID,
		SubscribedAt: d.now(),
	}
	for _, opt := range opts {
		opt(sub)
	}

	if err := d.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	metrics.IncSubscriptionEvent(d.slug, "subscribed")

	if err := runSubscription(ctx, d.snapshot().onSubscribe, sub); err != nil {
		return sub, err
	}

	m, err := d.scheduleNext(ctx, sub)
	if err != nil {
		return sub, err
	}

	attrs := []any{"subscription_id", sub.ID, "subscriber", subscriberID}
	if m != nil {
		attrs = append(attrs, "action", m.MailerAction, "send_at", m.SendAt)
	}
	d.logger.Info("subscribed", attrs...)
	return sub, nil
}

// resumeScheduling schedules the first mailing of an active subscription
// that has none
func (d *Dripper) resumeScheduling(ctx context.Context, sub *model.Subscription) error {
	if !sub.Active() {
		return nil
	}
	existing, err := d.store.ListMailings(ctx, sub.ID, store.MailingFilter{})
	if err != nil {
		return fmt.Errorf("list mailings: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	m, err := d.scheduleNext(ctx, sub)
	if err != nil {
		return err
	}
	if m != nil {
		d.logger.Info("resumed subscription scheduling",
			"subscription_id", sub.ID,
			"action", m.MailerAction,
			"send_at", m.SendAt,
		)
	}
	return nil
}

// Subscribed reports whether subscriberID has an active subscription
func (d *Dripper) Subscribed(ctx context.Context, subscriberID string) (bool, error) {
	sub, err := d.store.FindSubscription(ctx, d.slug, subscriberID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.Active(), nil
}

// UnsubscribeSubscriber unsubscribes the current subscription of subscriberID
func (d *Dripper) UnsubscribeSubscriber(ctx context.Context, subscriberID, reason string) error {
	sub, err := d.store.FindSubscription(ctx, d.slug, subscriberID)
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}
	return d.Unsubscribe(ctx, sub, reason)
}

// Unsubscribe marks sub unsubscribed. Hooks run only when the state changes.
func (d *Dripper) Unsubscribe(ctx context.Context, sub *model.Subscription, reason string) error {
	changed, err := d.store.MarkUnsubscribed(ctx, sub.ID, d.now(), reason)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.ID, err)
	}
	if err := d.refresh(ctx, sub); err != nil {
		return err
	}
	if !changed {
		return nil
	}

	metrics.IncSubscriptionEvent(d.slug, "unsubscribed")
	d.logger.Info("unsubscribed", "subscription_id", sub.ID, "reason", reason)
	return runSubscription(ctx, d.snapshot().onUnsubscribe, sub)
}

// Resubscribe clears the unsubscribed state of sub. Mailings are not
// rescheduled.
func (d *Dripper) Resubscribe(ctx context.Context, sub *model.Subscription) error {
	if err := d.store.ClearUnsubscribed(ctx, sub.ID, d.now()); err != nil {
		return fmt.Errorf("resubscribe %s: %w", sub.ID, err)
	}
	if err := d.refresh(ctx, sub); err != nil {
		return err
	}

	metrics.IncSubscriptionEvent(d.slug, "resubscribed")
	d.logger.Info("resubscribed", "subscription_id", sub.ID)
	return runSubscription(ctx, d.snapshot().onResubscribe, sub)
}

// End terminates sub. Hooks run only when the state changes.
func (d *Dripper) End(ctx context.Context, sub *model.Subscription, reason string) error {
	changed, err := d.store.MarkEnded(ctx, sub.ID, d.now(), reason)
	if err != nil {
		return fmt.Errorf("end %s: %w", sub.ID, err)
	}
	if err := d.refresh(ctx, sub); err != nil {
		return err
	}
	if !changed {
		return nil
	}

	metrics.IncSubscriptionEvent(d.slug, "ended")
	d.logger.Info("subscription ended", "subscription_id", sub.ID, "reason", reason)
	return runSubscription(ctx, d.snapshot().onEnd, sub)
}

// Redrip schedules a new mailing of action for sub, due after the drip's
// delay from now
func (d *Dripper) Redrip(ctx context.Context, sub *model.Subscription, action string) (*model.Mailing, error) {
	def, ok := d.drips.Resolve(action)
	if !ok {
		return nil, &drip.UnresolvedDripError{Campaign: d.slug, Action: action}
	}
	if sub.Ended() {
		return nil, fmt.Errorf("redrip %s: subscription %s has ended", action, sub.ID)
	}

	m := def.Mailing(sub, d.now().Add(def.Delay))
	if err := d.store.CreateMailing(ctx, m); err != nil {
		return nil, fmt.Errorf("redrip %s: %w", action, err)
	}
	return m, nil
}

// advance moves sub forward after one of its mailings was sent or skipped.
// Pending occurrences of periodical drips run on their own schedule and do
// not hold back the sequence: while another unsent mailing remains nothing
// happens, otherwise the next drip is scheduled. The subscription ends when
// nothing is left to schedule and no periodical occurrence is pending.
func (d *Dripper) advance(ctx context.Context, subscriptionID string) error {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	if !sub.Active() {
		return nil
	}

	unsent, err := d.store.ListMailings(ctx, sub.ID, store.MailingFilter{UnsentOnly: true})
	if err != nil {
		return fmt.Errorf("list mailings: %w", err)
	}
	recurring := 0
	for _, m := range unsent {
		if def, ok := d.drips.Resolve(m.MailerAction); ok && def.Periodical() {
			recurring++
		}
	}
	if len(unsent) > recurring {
		return nil
	}

	next, err := d.scheduleNext(ctx, sub)
	if err != nil {
		return err
	}
	if next == nil && recurring == 0 {
		return d.End(ctx, sub, EndReasonNoMoreMailings)
	}
	return nil
}

// scheduleNext creates the mailing for the applicable drip sub has not
// received yet with the earliest send time. Registration order breaks ties.
func (d *Dripper) scheduleNext(ctx context.Context, sub *model.Subscription) (*model.Mailing, error) {
	existing, err := d.store.ListMailings(ctx, sub.ID, store.MailingFilter{})
	if err != nil {
		return nil, fmt.Errorf("list mailings: %w", err)
	}
	mailed := make(map[string]bool, len(existing))
	for _, m := range existing {
		mailed[m.MailerAction] = true
	}

	var next *model.Mailing
	for _, def := range d.drips.Definitions() {
		if mailed[def.Action] {
			continue
		}
		candidate := def.Mailing(sub, def.SendAt(sub.SubscribedAt, nil))
		if !def.IsApplicable(candidate) {
			continue
		}
		if next == nil || candidate.SendAt.Before(next.SendAt) {
			next = candidate
		}
	}
	if next == nil {
		return nil, nil
	}

	if err := d.store.CreateMailing(ctx, next); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", next.MailerAction, err)
	}
	d.logger.Debug("scheduled mailing",
		"subscription_id", sub.ID,
		"mailing_id", next.ID,
		"action", next.MailerAction,
		"send_at", next.SendAt,
	)
	return next, nil
}

// refresh reloads sub in place
func (d *Dripper) refresh(ctx context.Context, sub *model.Subscription) error {
	fresh, err := d.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", sub.ID, err)
	}
	*sub = *fresh
	return nil
}
