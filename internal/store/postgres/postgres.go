// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/foxzi/drip/internal/model"
	"github.com/foxzi/drip/internal/store"
)

// Schema creates the tables used by Store
const Schema = `
CREATE TABLE IF NOT EXISTS drip_subscriptions (
	id                 TEXT PRIMARY KEY,
	campaign           TEXT NOT NULL,
	subscriber_id      TEXT NOT NULL,
	user_id            TEXT NOT NULL DEFAULT '',
	token              TEXT NOT NULL UNIQUE,
	subscribed_at      TIMESTAMPTZ NOT NULL,
	unsubscribed_at    TIMESTAMPTZ,
	resubscribed_at    TIMESTAMPTZ,
	ended_at           TIMESTAMPTZ,
	unsubscribe_reason TEXT NOT NULL DEFAULT '',
	end_reason         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS drip_subscriptions_subscriber_idx
	ON drip_subscriptions (campaign, subscriber_id, created_at DESC);

CREATE TABLE IF NOT EXISTS drip_mailings (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL REFERENCES drip_subscriptions (id) ON DELETE CASCADE,
	campaign        TEXT NOT NULL,
	send_at         TIMESTAMPTZ NOT NULL,
	sent_at         TIMESTAMPTZ,
	skipped_at      TIMESTAMPTZ,
	mailer_class    TEXT NOT NULL DEFAULT '',
	mailer_action   TEXT NOT NULL,
	claimed_until   TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS drip_mailings_due_idx
	ON drip_mailings (campaign, send_at, id) WHERE sent_at IS NULL AND skipped_at IS NULL;
CREATE INDEX IF NOT EXISTS drip_mailings_subscription_idx
	ON drip_mailings (subscription_id, send_at);
`

const subscriptionColumns = `id, campaign, subscriber_id, user_id, token, subscribed_at,
	unsubscribed_at, resubscribed_at, ended_at, unsubscribe_reason, end_reason,
	created_at, updated_at`

const mailingColumns = `id, subscription_id, campaign, send_at, sent_at, skipped_at,
	mailer_class, mailer_action, claimed_until, created_at, updated_at`

// PostgreSQL error codes
const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

// Store implements store.Store with database/sql and lib/pq
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// New wraps an open database
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := time.Now()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Token == "" {
		sub.Token = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drip_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sub.ID, sub.Campaign, sub.SubscriberID, sub.UserID, sub.Token, sub.SubscribedAt,
		sub.UnsubscribedAt, sub.ResubscribedAt, sub.EndedAt, sub.UnsubscribeReason, sub.EndReason,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("create subscription: %s already exists", pqErr.Constraint)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID
func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM drip_subscriptions WHERE id = $1
	`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// FindSubscription returns the latest subscription of subscriberID to campaign
func (s *Store) FindSubscription(ctx context.Context, campaign, subscriberID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM drip_subscriptions
		WHERE campaign = $1 AND subscriber_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, campaign, subscriberID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

// SubscriptionByToken resolves a subscription token
func (s *Store) SubscriptionByToken(ctx context.Context, token string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM drip_subscriptions WHERE token = $1
	`, token)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("subscription by token: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns the subscriptions of campaign, oldest first
func (s *Store) ListSubscriptions(ctx context.Context, campaign string) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM drip_subscriptions
		WHERE $1 = '' OR campaign = $1
		ORDER BY created_at
	`, campaign)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// MarkUnsubscribed sets unsubscribed_at unless already set
func (s *Store) MarkUnsubscribed(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drip_subscriptions
		SET unsubscribed_at = $2, unsubscribe_reason = $3, updated_at = NOW()
		WHERE id = $1 AND unsubscribed_at IS NULL
	`, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("mark unsubscribed: %w", err)
	}
	return s.changed(ctx, res, "drip_subscriptions", id)
}

// ClearUnsubscribed clears unsubscribed_at and records the resubscription
func (s *Store) ClearUnsubscribed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drip_subscriptions
		SET unsubscribed_at = NULL, unsubscribe_reason = '', resubscribed_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("clear unsubscribed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clear unsubscribed: %w", store.ErrNotFound)
	}
	return nil
}

// MarkEnded sets ended_at unless already set
func (s *Store) MarkEnded(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drip_subscriptions
		SET ended_at = $2, end_reason = $3, updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL
	`, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("mark ended: %w", err)
	}
	return s.changed(ctx, res, "drip_subscriptions", id)
}

// DeleteSubscription deletes a subscription; its mailings cascade
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drip_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete subscription: %w", store.ErrNotFound)
	}
	return nil
}

// CreateMailing inserts a mailing
func (s *Store) CreateMailing(ctx context.Context, m *model.Mailing) error {
	now := time.Now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drip_mailings (`+mailingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.SubscriptionID, m.Campaign, m.SendAt, m.SentAt, m.SkippedAt,
		m.MailerClass, m.MailerAction, m.ClaimedUntil, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return fmt.Errorf("create mailing: subscription %s: %w", m.SubscriptionID, store.ErrNotFound)
		}
		return fmt.Errorf("create mailing: %w", err)
	}
	return nil
}

// GetMailing retrieves a mailing by ID
func (s *Store) GetMailing(ctx context.Context, id string) (*model.Mailing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mailingColumns+` FROM drip_mailings WHERE id = $1
	`, id)
	m, err := scanMailing(row)
	if err != nil {
		return nil, fmt.Errorf("get mailing: %w", err)
	}
	return m, nil
}

// ListMailings returns the mailings of a subscription ordered by send time
func (s *Store) ListMailings(ctx context.Context, subscriptionID string, filter store.MailingFilter) ([]*model.Mailing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailingColumns+` FROM drip_mailings
		WHERE subscription_id = $1
		  AND ($2 = '' OR mailer_action = $2)
		  AND (NOT $3 OR (sent_at IS NULL AND skipped_at IS NULL))
		ORDER BY send_at, created_at
	`, subscriptionID, filter.Action, filter.UnsentOnly)
	if err != nil {
		return nil, fmt.Errorf("list mailings: %w", err)
	}
	return collectMailings(rows)
}

// DueMailings returns pending mailings of active subscriptions of campaign
func (s *Store) DueMailings(ctx context.Context, campaign string, now time.Time, limit int, after *model.Mailing) ([]*model.Mailing, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+qualified("m", mailingColumns)+`
			FROM drip_mailings m
			JOIN drip_subscriptions s ON s.id = m.subscription_id
			WHERE m.campaign = $1
			  AND m.sent_at IS NULL AND m.skipped_at IS NULL
			  AND m.send_at <= $2
			  AND s.unsubscribed_at IS NULL AND s.ended_at IS NULL
			ORDER BY m.send_at, m.id
			LIMIT $3
		`, campaign, now, lim)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+qualified("m", mailingColumns)+`
			FROM drip_mailings m
			JOIN drip_subscriptions s ON s.id = m.subscription_id
			WHERE m.campaign = $1
			  AND m.sent_at IS NULL AND m.skipped_at IS NULL
			  AND m.send_at <= $2
			  AND s.unsubscribed_at IS NULL AND s.ended_at IS NULL
			  AND (m.send_at, m.id) > ($4, $5)
			ORDER BY m.send_at, m.id
			LIMIT $3
		`, campaign, now, lim, after.SendAt, after.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("due mailings: %w", err)
	}
	return collectMailings(rows)
}

// ClaimMailing leases an unsent mailing with a conditional update
func (s *Store) ClaimMailing(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	var claimed string
	err := s.db.QueryRowContext(ctx, `
		UPDATE drip_mailings
		SET claimed_until = $3, updated_at = $2
		WHERE id = $1
		  AND sent_at IS NULL AND skipped_at IS NULL
		  AND (claimed_until IS NULL OR claimed_until <= $2)
		RETURNING id
	`, id, now, now.Add(lease)).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim mailing: %w", err)
	}
	return true, nil
}

// ReleaseMailing drops the lease on a mailing
func (s *Store) ReleaseMailing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE drip_mailings SET claimed_until = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release mailing: %w", err)
	}
	return nil
}

// MarkSent records the send unless the mailing is already sent or skipped
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drip_mailings
		SET sent_at = $2, claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND sent_at IS NULL AND skipped_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return s.changed(ctx, res, "drip_mailings", id)
}

// MarkSkipped records the skip unless the mailing is already sent or skipped
func (s *Store) MarkSkipped(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drip_mailings
		SET skipped_at = $2, claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND sent_at IS NULL AND skipped_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark skipped: %w", err)
	}
	return s.changed(ctx, res, "drip_mailings", id)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// changed reports whether res touched a row, telling a missing row apart
// from a row that was already in the target state
func (s *Store) changed(ctx context.Context, res sql.Result, table, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*model.Subscription, error) {
	var sub model.Subscription
	var unsubscribedAt, resubscribedAt, ended sql.NullTime
	err := row.Scan(&sub.ID, &sub.Campaign, &sub.SubscriberID, &sub.UserID, &sub.Token, &sub.SubscribedAt,
		&unsubscribedAt, &resubscribedAt, &ended, &sub.UnsubscribeReason, &sub.EndReason,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.UnsubscribedAt = timePtr(unsubscribedAt)
	sub.ResubscribedAt = timePtr(resubscribedAt)
	sub.EndedAt = timePtr(ended)
	return &sub, nil
}

func scanMailing(row scanner) (*model.Mailing, error) {
	var m model.Mailing
	var sentAt, skippedAt, claimed sql.NullTime
	err := row.Scan(&m.ID, &m.SubscriptionID, &m.Campaign, &m.SendAt, &sentAt, &skippedAt,
		&m.MailerClass, &m.MailerAction, &claimed, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.SentAt = timePtr(sentAt)
	m.SkippedAt = timePtr(skippedAt)
	m.ClaimedUntil = timePtr(claimed)
	return &m, nil
}

func collectMailings(rows *sql.Rows) ([]*model.Mailing, error) {
	defer rows.Close()

	var result []*model.Mailing
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// qualified prefixes every column of a column list with alias
func qualified(alias, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\t' && c != '\n' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}
