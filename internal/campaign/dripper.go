// Package campaign schedules and delivers the drips of a campaign to its
// subscribers.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/model"
	"github.com/foxzi/drip/internal/store"
)

// EndReasonNoMoreMailings is recorded when a subscription runs out of drips
const EndReasonNoMoreMailings = "no more mailings"

// Config configures a Dripper
type Config struct {
	// MailerClass is used by drips that do not name a mailer
	MailerClass string
	// Delivery builds outbound messages. Defaults to ArgumentDelivery.
	Delivery Delivery
	// DeliverLater hands mailings to the job runner instead of sending inline
	DeliverLater bool
	// BatchSize is the number of due mailings loaded and processed at once
	BatchSize int
	// ClaimLease bounds how long a delivery attempt holds a mailing
	ClaimLease time.Duration
	// Now is the campaign clock. Defaults to time.Now.
	Now func() time.Time
}

// Dripper is the behavior of one campaign: its drips, hooks and rescue
// handlers
type Dripper struct {
	slug         string
	mailerClass  string
	store        store.Store
	mailers      *mailer.Registry
	delivery     Delivery
	deliverLater bool
	batchSize    int
	claimLease   time.Duration
	now          func() time.Time
	drips        *drip.Collection
	logger       *slog.Logger

	mu        sync.RWMutex
	hooks     hooks
	rescuers  []rescuer
	rescueAll []RescueHandler
}

func newDripper(slug string, st store.Store, mailers *mailer.Registry, cfg Config, logger *slog.Logger) *Dripper {
	if cfg.Delivery == nil {
		cfg.Delivery = ArgumentDelivery{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Dripper{
		slug:         slug,
		mailerClass:  cfg.MailerClass,
		store:        st,
		mailers:      mailers,
		delivery:     cfg.Delivery,
		deliverLater: cfg.DeliverLater,
		batchSize:    cfg.BatchSize,
		claimLease:   cfg.ClaimLease,
		now:          cfg.Now,
		drips:        drip.NewCollection(),
		logger:       logger.With("component", "dripper", "campaign", slug),
	}
}

// Slug returns the campaign identity
func (d *Dripper) Slug() string {
	return d.slug
}

// Drips returns the campaign's drip collection
func (d *Dripper) Drips() *drip.Collection {
	return d.drips
}

// Now returns the current campaign time
func (d *Dripper) Now() time.Time {
	return d.now()
}

// Drip registers a step of the sequence
func (d *Dripper) Drip(action string, opts ...drip.Option) error {
	return d.register(drip.New(action, opts...))
}

func (d *Dripper) register(def *drip.Definition) error {
	if def.MailerClass == "" {
		def.MailerClass = d.mailerClass
	}
	return d.drips.Register(def)
}

// Periodical registers a drip that recurs every interval after each
// successful send. The next occurrence is based on drip.Start when given,
// otherwise on the send time of the occurrence just sent.
func (d *Dripper) Periodical(action string, every time.Duration, opts ...drip.Option) error {
	if every <= 0 {
		return fmt.Errorf("periodical %q: interval must be positive", action)
	}

	def := drip.New(action, opts...)
	if def.Recurrence == nil {
		def.Recurrence = &drip.Recurrence{}
	}
	def.Recurrence.Every = every

	if err := d.register(def); err != nil {
		return err
	}

	d.AfterSend(func(ctx context.Context, m *model.Mailing, _ *mailer.Message) error {
		if m.MailerAction != action {
			return nil
		}
		return d.scheduleOccurrence(ctx, m)
	})
	return nil
}

// scheduleOccurrence creates the occurrence following the periodical mailing prior
func (d *Dripper) scheduleOccurrence(ctx context.Context, prior *model.Mailing) error {
	def, ok := d.drips.Resolve(prior.MailerAction)
	if !ok || !def.Periodical() {
		return nil
	}

	sub, err := d.store.GetSubscription(ctx, prior.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", prior.SubscriptionID, err)
	}
	if !sub.Active() {
		return nil
	}

	next := prior.Next(def.SendAt(sub.SubscribedAt, prior))
	if err := d.store.CreateMailing(ctx, next); err != nil {
		return fmt.Errorf("schedule next %s: %w", prior.MailerAction, err)
	}

	d.logger.Debug("scheduled next occurrence",
		"action", prior.MailerAction,
		"mailing_id", next.ID,
		"send_at", next.SendAt,
	)
	return nil
}
