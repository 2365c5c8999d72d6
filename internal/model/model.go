package model

import (
	"time"
)

// Subscription is a subscriber's enrollment in a campaign
type Subscription struct {
	ID                string     `json:"id"`
	Campaign          string     `json:"campaign"`
	SubscriberID      string     `json:"subscriber_id"`
	UserID            string     `json:"user_id,omitempty"`
	Token             string     `json:"token"`
	SubscribedAt      time.Time  `json:"subscribed_at"`
	UnsubscribedAt    *time.Time `json:"unsubscribed_at,omitempty"`
	ResubscribedAt    *time.Time `json:"resubscribed_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	UnsubscribeReason string     `json:"unsubscribe_reason,omitempty"`
	EndReason         string     `json:"end_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Subscribed reports whether the subscription is not unsubscribed
func (s *Subscription) Subscribed() bool {
	return s.UnsubscribedAt == nil
}

// Unsubscribed reports whether the subscriber opted out
func (s *Subscription) Unsubscribed() bool {
	return s.UnsubscribedAt != nil
}

// Ended reports whether the subscription reached its terminal state
func (s *Subscription) Ended() bool {
	return s.EndedAt != nil
}

// Active reports whether new mailings may be scheduled and delivered
func (s *Subscription) Active() bool {
	return !s.Unsubscribed() && !s.Ended()
}

// Mailing is one scheduled delivery of a drip for one subscription.
//
// The drip definition is not stored: it is resolved by MailerAction against
// the campaign's live drip collection when the mailing is processed.
type Mailing struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	Campaign       string     `json:"campaign"`
	SendAt         time.Time  `json:"send_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	SkippedAt      *time.Time `json:"skipped_at,omitempty"`
	MailerClass    string     `json:"mailer_class"`
	MailerAction   string     `json:"mailer_action"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Sent reports whether the mailing was delivered
func (m *Mailing) Sent() bool {
	return m.SentAt != nil
}

// Skipped reports whether the mailing was skipped
func (m *Mailing) Skipped() bool {
	return m.SkippedAt != nil
}

// Finished reports whether the mailing was sent or skipped
func (m *Mailing) Finished() bool {
	return m.SentAt != nil || m.SkippedAt != nil
}

// Pending reports whether the mailing is due and still actionable at now.
// A mailing with both SentAt and SkippedAt set is never pending.
func (m *Mailing) Pending(now time.Time) bool {
	return m.SentAt == nil && m.SkippedAt == nil && !m.SendAt.After(now)
}

// Claimed reports whether another delivery attempt holds the mailing at now
func (m *Mailing) Claimed(now time.Time) bool {
	return m.ClaimedUntil != nil && m.ClaimedUntil.After(now)
}

// Next returns a copy of m for a follow-up occurrence at sendAt.
// Identity and delivery state are cleared.
func (m *Mailing) Next(sendAt time.Time) *Mailing {
	return &Mailing{
		SubscriptionID: m.SubscriptionID,
		Campaign:       m.Campaign,
		SendAt:         sendAt,
		MailerClass:    m.MailerClass,
		MailerAction:   m.MailerAction,
	}
}
