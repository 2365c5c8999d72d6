package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/drip/internal/model"
	"github.com/foxzi/drip/internal/store"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var subscriptionCols = []string{
	"id", "campaign", "subscriber_id", "user_id", "token", "subscribed_at",
	"unsubscribed_at", "resubscribed_at", "ended_at", "unsubscribe_reason", "end_reason",
	"created_at", "updated_at",
}

var mailingCols = []string{
	"id", "subscription_id", "campaign", "send_at", "sent_at", "skipped_at",
	"mailer_class", "mailer_action", "claimed_until", "created_at", "updated_at",
}

func TestStore_CreateSubscription(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectExec("INSERT INTO drip_subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := &model.Subscription{Campaign: "trial", SubscriberID: "alice@example.org", SubscribedAt: time.Now()}
	require.NoError(t, s.CreateSubscription(context.Background(), sub))
	assert.NotEmpty(t, sub.ID)
	assert.NotEmpty(t, sub.Token)
	assert.False(t, sub.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateSubscriptionDuplicate(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectExec("INSERT INTO drip_subscriptions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "drip_subscriptions_token_key"})

	err := s.CreateSubscription(context.Background(), &model.Subscription{Campaign: "trial"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drip_subscriptions_token_key")
}

func TestStore_GetSubscription(t *testing.T) {
	s, mock := setupTestDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM drip_subscriptions WHERE id = \\$1").
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows(subscriptionCols).
			AddRow("sub-1", "trial", "alice@example.org", "", "tok", now, now, nil, nil, "bye", "", now, now))

	sub, err := s.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "trial", sub.Campaign)
	assert.True(t, sub.Unsubscribed())
	assert.Equal(t, "bye", sub.UnsubscribeReason)
	assert.Nil(t, sub.EndedAt)
}

func TestStore_SubscriptionByTokenNotFound(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery("SELECT .+ FROM drip_subscriptions WHERE token = \\$1").
		WithArgs("bogus").
		WillReturnError(sql.ErrNoRows)

	_, err := s.SubscriptionByToken(context.Background(), "bogus")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_MarkUnsubscribed(t *testing.T) {
	s, mock := setupTestDB(t)
	now := time.Now()

	t.Run("changed", func(t *testing.T) {
		mock.ExpectExec("UPDATE drip_subscriptions\\s+SET unsubscribed_at").
			WithArgs("sub-1", now, "reason").
			WillReturnResult(sqlmock.NewResult(0, 1))

		changed, err := s.MarkUnsubscribed(context.Background(), "sub-1", now, "reason")
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("already unsubscribed", func(t *testing.T) {
		mock.ExpectExec("UPDATE drip_subscriptions\\s+SET unsubscribed_at").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sub-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		changed, err := s.MarkUnsubscribed(context.Background(), "sub-1", now, "reason")
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectExec("UPDATE drip_subscriptions\\s+SET unsubscribed_at").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := s.MarkUnsubscribed(context.Background(), "missing", now, "reason")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimMailing(t *testing.T) {
	s, mock := setupTestDB(t)
	now := time.Now()
	lease := 5 * time.Minute

	mock.ExpectQuery("UPDATE drip_mailings\\s+SET claimed_until = \\$3.+claimed_until IS NULL OR claimed_until <= \\$2.+RETURNING id").
		WithArgs("m-1", now, now.Add(lease)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m-1"))

	ok, err := s.ClaimMailing(context.Background(), "m-1", now, lease)
	require.NoError(t, err)
	assert.True(t, ok)

	// Lost race: the conditional update matches nothing
	mock.ExpectQuery("UPDATE drip_mailings").
		WithArgs("m-1", now, now.Add(lease)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ok, err = s.ClaimMailing(context.Background(), "m-1", now, lease)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DueMailings(t *testing.T) {
	s, mock := setupTestDB(t)
	now := time.Now().UTC()
	at := now.Add(-time.Hour)

	rows := sqlmock.NewRows(mailingCols).
		AddRow("m-1", "sub-1", "trial", at, nil, nil, "onboarding", "welcome", nil, at, at).
		AddRow("m-2", "sub-2", "trial", at, nil, nil, "onboarding", "welcome", nil, at, at)

	mock.ExpectQuery("FROM drip_mailings m\\s+JOIN drip_subscriptions s.+ORDER BY m.send_at, m.id").
		WithArgs("trial", now, 10).
		WillReturnRows(rows)

	due, err := s.DueMailings(context.Background(), "trial", now, 10, nil)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "m-1", due[0].ID)
	assert.Equal(t, "welcome", due[1].MailerAction)
	assert.Nil(t, due[0].SentAt)

	mock.ExpectQuery("\\(m.send_at, m.id\\) > \\(\\$4, \\$5\\)").
		WithArgs("trial", now, 10, at, "m-2").
		WillReturnRows(sqlmock.NewRows(mailingCols))

	due, err = s.DueMailings(context.Background(), "trial", now, 10, due[1])
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkSent(t *testing.T) {
	s, mock := setupTestDB(t)
	now := time.Now()

	mock.ExpectExec("UPDATE drip_mailings\\s+SET sent_at = \\$2.+WHERE id = \\$1 AND sent_at IS NULL AND skipped_at IS NULL").
		WithArgs("m-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := s.MarkSent(context.Background(), "m-1", now)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateMailingMissingSubscription(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectExec("INSERT INTO drip_mailings").
		WillReturnError(&pq.Error{Code: "23503"})

	err := s.CreateMailing(context.Background(), &model.Mailing{SubscriptionID: "missing", MailerAction: "welcome"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_DeleteSubscription(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectExec("DELETE FROM drip_subscriptions WHERE id = \\$1").
		WithArgs("sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteSubscription(context.Background(), "sub-1"))

	mock.ExpectExec("DELETE FROM drip_subscriptions").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.DeleteSubscription(context.Background(), "missing"), store.ErrNotFound)
}

func TestQualified(t *testing.T) {
	got := qualified("m", "id, campaign,\n\tsend_at")
	assert.Equal(t, "m.id, m.campaign,\n\tm.send_at", got)
}
