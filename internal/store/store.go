// Package store persists subscriptions and mailings.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/drip/internal/model"
)

// ErrNotFound is returned when a subscription or mailing does not exist
var ErrNotFound = errors.New("not found")

// MailingFilter narrows ListMailings
type MailingFilter struct {
	// Action limits results to one mailer action
	Action string
	// UnsentOnly drops sent and skipped mailings
	UnsentOnly bool
}

// Store is the persistence layer of the engine. State transitions are
// conditional and report whether they changed anything.
type Store interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	// FindSubscription returns the most recent subscription of subscriberID
	// to campaign
	FindSubscription(ctx context.Context, campaign, subscriberID string) (*model.Subscription, error)
	SubscriptionByToken(ctx context.Context, token string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, campaign string) ([]*model.Subscription, error)
	MarkUnsubscribed(ctx context.Context, id string, at time.Time, reason string) (bool, error)
	ClearUnsubscribed(ctx context.Context, id string, at time.Time) error
	MarkEnded(ctx context.Context, id string, at time.Time, reason string) (bool, error)
	// DeleteSubscription removes a subscription together with its mailings
	DeleteSubscription(ctx context.Context, id string) error

	CreateMailing(ctx context.Context, m *model.Mailing) error
	GetMailing(ctx context.Context, id string) (*model.Mailing, error)
	// ListMailings returns the mailings of a subscription ordered by send time
	ListMailings(ctx context.Context, subscriptionID string, filter MailingFilter) ([]*model.Mailing, error)
	// DueMailings returns up to limit pending mailings of active
	// subscriptions of campaign with send_at <= now, ordered by (send_at, id)
	// and strictly after the given mailing when it is not nil
	DueMailings(ctx context.Context, campaign string, now time.Time, limit int, after *model.Mailing) ([]*model.Mailing, error)
	// ClaimMailing takes an exclusive lease on an unsent mailing until now+lease
	ClaimMailing(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	ReleaseMailing(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSkipped(ctx context.Context, id string, at time.Time) (bool, error)

	Close() error
}
