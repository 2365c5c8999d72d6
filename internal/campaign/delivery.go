package campaign

import (
	"context"
	"fmt"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/model"
)

// Delivery builds the outbound message of a mailing
type Delivery interface {
	Build(ctx context.Context, mailers *mailer.Registry, def *drip.Definition, m *model.Mailing) (*mailer.Message, error)
}

// ArgumentDelivery passes the mailing to the mailer action explicitly: as
// the "mailing" parameter in parameterized mode, as the first argument
// otherwise
type ArgumentDelivery struct{}

// Build implements Delivery
func (ArgumentDelivery) Build(ctx context.Context, mailers *mailer.Registry, def *drip.Definition, m *model.Mailing) (*mailer.Message, error) {
	in := mailer.Input{Mode: def.Mode, Options: def.Options}
	if def.Mode == mailer.ModeParameterized {
		in.Params = map[string]any{"mailing": m}
	} else {
		in.Args = []any{m}
	}
	return mailers.Build(ctx, mailerClass(def, m), def.Action, in)
}

// ContextDelivery carries the mailing on the call context
type ContextDelivery struct{}

// Build implements Delivery
func (ContextDelivery) Build(ctx context.Context, mailers *mailer.Registry, def *drip.Definition, m *model.Mailing) (*mailer.Message, error) {
	in := mailer.Input{Mode: def.Mode, Options: def.Options}
	return mailers.Build(mailer.WithMailing(ctx, m), mailerClass(def, m), def.Action, in)
}

func mailerClass(def *drip.Definition, m *model.Mailing) string {
	if m.MailerClass != "" {
		return m.MailerClass
	}
	return def.MailerClass
}

// scope binds a guard or rescue handler to the mailing being delivered
type scope struct {
	d      *Dripper
	m      *model.Mailing
	sub    *model.Subscription
	halted bool
}

func (s *scope) Mailing() *model.Mailing           { return s.m }
func (s *scope) Subscription() *model.Subscription { return s.sub }

func (s *scope) End(ctx context.Context, reason string) error {
	s.halted = true
	return s.d.End(ctx, s.sub, reason)
}

func (s *scope) Unsubscribe(ctx context.Context, reason string) error {
	s.halted = true
	return s.d.Unsubscribe(ctx, s.sub, reason)
}

func (s *scope) Skip(ctx context.Context) error {
	s.halted = true
	return s.d.skip(ctx, s.m)
}

// Deliver runs the delivery state machine for one mailing. A mailing that is
// claimed elsewhere, finished, or belongs to an inactive subscription is left
// alone.
func (d *Dripper) Deliver(ctx context.Context, m *model.Mailing) error {
	_, err := d.deliver(ctx, m, d.deliverLater)
	return err
}

// deliver reports whether the mailing was processed, meaning the claim was
// won and the delivery path ran
func (d *Dripper) deliver(ctx context.Context, m *model.Mailing, later bool) (bool, error) {
	now := d.now()
	won, err := d.store.ClaimMailing(ctx, m.ID, now, d.claimLease)
	if err != nil {
		return false, fmt.Errorf("claim mailing %s: %w", m.ID, err)
	}
	if !won {
		d.logger.Debug("mailing already claimed", "mailing_id", m.ID)
		return false, nil
	}
	defer func() {
		if err := d.store.ReleaseMailing(context.WithoutCancel(ctx), m.ID); err != nil {
			d.logger.Warn("failed to release mailing", "mailing_id", m.ID, "error", err)
		}
	}()

	sub, err := d.store.GetSubscription(ctx, m.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("load subscription %s: %w", m.SubscriptionID, err)
	}
	if !sub.Active() {
		return false, nil
	}

	s := &scope{d: d, m: m, sub: sub}
	if err := d.deliverPath(ctx, s, later); err != nil {
		metrics.IncDeliveryErrors(d.slug, errorKind(err))
		if err := d.rescue(ctx, s, err); err != nil {
			return true, err
		}
		d.logger.Info("delivery error rescued",
			"mailing_id", m.ID,
			"action", m.MailerAction,
		)
	}
	return true, nil
}

func (d *Dripper) deliverPath(ctx context.Context, s *scope, later bool) error {
	m := s.m
	logger := d.logger.With("mailing_id", m.ID, "action", m.MailerAction)

	def, err := d.drips.MustResolve(d.slug, m.MailerAction)
	if err != nil {
		return err
	}

	h := d.snapshot()
	if err := runDrip(ctx, h.beforeDrip, def, m); err != nil {
		return err
	}

	verdict := drip.Hold
	if def.IsApplicable(m) {
		verdict = drip.Send
		if def.Guard != nil {
			if verdict, err = def.Guard(ctx, s); err != nil {
				return err
			}
		}
	}
	if s.halted {
		logger.Debug("delivery halted by guard")
		return nil
	}

	switch verdict {
	case drip.Hold:
		metrics.IncMailingsHeld(d.slug)
		logger.Debug("mailing held")
		return nil
	case drip.Skip:
		return d.skip(ctx, m)
	}

	if later {
		if err := d.mailers.Dispatcher().Enqueue(ctx, m); err != nil {
			return &drip.DeliveryError{MailingID: m.ID, Err: err}
		}
		metrics.IncMailingsEnqueued(d.slug)
		logger.Debug("mailing enqueued")
		return nil
	}

	msg, err := d.delivery.Build(ctx, d.mailers, def, m)
	if err != nil {
		return &drip.DeliveryError{MailingID: m.ID, Err: err}
	}
	msg.SetMailing(m)

	if err := msg.Deliver(ctx); err != nil {
		return &drip.DeliveryError{MailingID: m.ID, Err: err}
	}
	return nil
}

// skip marks m skipped and advances its subscription. Hooks run only when
// the mailing changes state.
func (d *Dripper) skip(ctx context.Context, m *model.Mailing) error {
	now := d.now()
	changed, err := d.store.MarkSkipped(ctx, m.ID, now)
	if err != nil {
		return fmt.Errorf("skip mailing %s: %w", m.ID, err)
	}
	if !changed {
		return nil
	}
	m.SkippedAt = &now

	metrics.IncMailingsSkipped(d.slug)
	d.logger.Info("mailing skipped", "mailing_id", m.ID, "action", m.MailerAction)

	if err := runMailing(ctx, d.snapshot().onSkip, m); err != nil {
		return err
	}
	return d.advance(ctx, m.SubscriptionID)
}

// markSent records a dispatched message. Hooks run only when the mailing
// changes state.
func (d *Dripper) markSent(ctx context.Context, m *model.Mailing, msg *mailer.Message) error {
	now := d.now()
	changed, err := d.store.MarkSent(ctx, m.ID, now)
	if err != nil {
		return fmt.Errorf("mark mailing %s sent: %w", m.ID, err)
	}
	if !changed {
		return nil
	}
	m.SentAt = &now

	metrics.IncMailingsSent(d.slug)
	d.logger.Info("mailing sent",
		"mailing_id", m.ID,
		"action", m.MailerAction,
		"to", msg.To,
	)

	if err := runSend(ctx, d.snapshot().afterSend, m, msg); err != nil {
		return err
	}
	return d.advance(ctx, m.SubscriptionID)
}

func errorKind(err error) string {
	switch err.(type) {
	case *drip.UnresolvedDripError:
		return "unresolved"
	case *drip.DeliveryError:
		return "delivery"
	}
	return "hook"
}
