package drip

import (
	"context"
	"time"

	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/model"
)

// Verdict is the send-time decision for a due mailing
type Verdict int

const (
	// Send delivers the mailing
	Send Verdict = iota
	// Hold leaves the mailing pending and untouched; the next sweep sees it again
	Hold
	// Skip marks the mailing skipped
	Skip
)

func (v Verdict) String() string {
	switch v {
	case Send:
		return "send"
	case Hold:
		return "hold"
	case Skip:
		return "skip"
	}
	return "unknown"
}

// Scope is what a guard or rescue handler gets to act on the mailing it was
// invoked for
type Scope interface {
	Mailing() *model.Mailing
	Subscription() *model.Subscription
	End(ctx context.Context, reason string) error
	Unsubscribe(ctx context.Context, reason string) error
	Skip(ctx context.Context) error
}

// Predicate decides whether a definition applies to a mailing
type Predicate func(m *model.Mailing) bool

// Guard runs at send time. It may act through the scope (end, unsubscribe,
// skip) before returning its verdict.
type Guard func(ctx context.Context, s Scope) (Verdict, error)

// Recurrence makes a definition periodical
type Recurrence struct {
	Every time.Duration
	// Start returns the base time for the occurrence following prior.
	// prior is nil for the first occurrence.
	Start func(prior *model.Mailing) time.Time
}

// Definition is one step of a campaign's drip sequence
type Definition struct {
	Action      string
	Delay       time.Duration
	Recurrence  *Recurrence
	Applicable  Predicate
	Guard       Guard
	MailerClass string
	Mode        mailer.Mode
	Options     map[string]string
}

// Option configures a Definition
type Option func(*Definition)

// New builds a definition for action
func New(action string, opts ...Option) *Definition {
	d := &Definition{
		Action:  action,
		Options: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Delay sets the offset from the subscription's reference time
func Delay(d time.Duration) Option {
	return func(def *Definition) { def.Delay = d }
}

// Mailer sets the mailer class key
func Mailer(class string) Option {
	return func(def *Definition) { def.MailerClass = class }
}

// Using selects how the mailer receives the mailing
func Using(mode mailer.Mode) Option {
	return func(def *Definition) { def.Mode = mode }
}

// Enabled sets the applicability predicate
func Enabled(p Predicate) Option {
	return func(def *Definition) { def.Applicable = p }
}

// WithGuard sets the send-time guard
func WithGuard(g Guard) Option {
	return func(def *Definition) { def.Guard = g }
}

// WithOption stores an opaque key/value, such as a template variant
func WithOption(key, value string) Option {
	return func(def *Definition) { def.Options[key] = value }
}

// Every makes the definition periodical. A nil start uses the prior mailing's
// send time, or the reference time for the first occurrence.
func Every(every time.Duration, start func(prior *model.Mailing) time.Time) Option {
	return func(def *Definition) {
		def.Recurrence = &Recurrence{Every: every, Start: start}
	}
}

// Periodical reports whether the definition recurs
func (d *Definition) Periodical() bool {
	return d.Recurrence != nil
}

// IsApplicable evaluates the applicability predicate against m
func (d *Definition) IsApplicable(m *model.Mailing) bool {
	if d.Applicable == nil {
		return true
	}
	return d.Applicable(m)
}

// SendAt computes when the next mailing of this definition is due.
// ref is the subscription's reference time; prior is the previous occurrence
// of a periodical definition, or nil.
func (d *Definition) SendAt(ref time.Time, prior *model.Mailing) time.Time {
	if d.Recurrence == nil {
		return ref.Add(d.Delay)
	}

	r := d.Recurrence
	if prior == nil {
		start := ref
		if r.Start != nil {
			start = r.Start(nil)
		}
		return start.Add(d.Delay)
	}

	start := prior.SendAt
	if r.Start != nil {
		start = r.Start(prior)
	}
	return start.Add(r.Every)
}

// Mailing builds an unsaved mailing of this definition for sub
func (d *Definition) Mailing(sub *model.Subscription, sendAt time.Time) *model.Mailing {
	return &model.Mailing{
		SubscriptionID: sub.ID,
		Campaign:       sub.Campaign,
		SendAt:         sendAt,
		MailerClass:    d.MailerClass,
		MailerAction:   d.Action,
	}
}

// Start sets the base-time function of a periodical definition
func Start(fn func(prior *model.Mailing) time.Time) Option {
	return func(def *Definition) {
		if def.Recurrence == nil {
			def.Recurrence = &Recurrence{}
		}
		def.Recurrence.Start = fn
	}
}
