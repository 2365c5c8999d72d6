package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/drip/internal/model"
)

var (
	bucketSubscriptions        = []byte("subscriptions")
	bucketSubscriptionTokens   = []byte("subscription_tokens")
	bucketSubscriberIndex      = []byte("subscriber_index")
	bucketMailings             = []byte("mailings")
	bucketMailingsDue          = []byte("mailings_due")
	bucketSubscriptionMailings = []byte("subscription_mailings")
)

// keyTimeFormat is fixed width so index keys sort chronologically
const keyTimeFormat = "20060102T150405.000000000"

const keySep = 0x00

// BoltStore implements Store using BoltDB. Write transactions are
// serialized, which makes every conditional transition atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newBoltStore(db)
}

// NewBoltStoreFromDB uses an already open database, sharing it with other
// components
func NewBoltStoreFromDB(db *bolt.DB) (*BoltStore, error) {
	return newBoltStore(db)
}

func newBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketSubscriptions,
			bucketSubscriptionTokens,
			bucketSubscriberIndex,
			bucketMailings,
			bucketMailingsDue,
			bucketSubscriptionMailings,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// CreateSubscription stores a new subscription and indexes it by token and
// subscriber
func (s *BoltStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
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

	return s.db.Update(func(tx *bolt.Tx) error {
		subs := tx.Bucket(bucketSubscriptions)
		if subs.Get([]byte(sub.ID)) != nil {
			return fmt.Errorf("subscription %s already exists", sub.ID)
		}

		tokens := tx.Bucket(bucketSubscriptionTokens)
		if tokens.Get([]byte(sub.Token)) != nil {
			return fmt.Errorf("subscription token already in use")
		}

		if err := putJSON(subs, sub.ID, sub); err != nil {
			return fmt.Errorf("failed to store subscription: %w", err)
		}
		if err := tokens.Put([]byte(sub.Token), []byte(sub.ID)); err != nil {
			return fmt.Errorf("failed to index token: %w", err)
		}

		index := tx.Bucket(bucketSubscriberIndex)
		if err := index.Put(subscriberKey(sub.Campaign, sub.SubscriberID), []byte(sub.ID)); err != nil {
			return fmt.Errorf("failed to index subscriber: %w", err)
		}
		return nil
	})
}

// GetSubscription retrieves a subscription by ID
func (s *BoltStore) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	var sub *model.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sub, err = getSubscription(tx, id)
		return err
	})
	return sub, err
}

// FindSubscription returns the latest subscription of subscriberID to campaign
func (s *BoltStore) FindSubscription(ctx context.Context, campaign, subscriberID string) (*model.Subscription, error) {
	var sub *model.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSubscriberIndex).Get(subscriberKey(campaign, subscriberID))
		if id == nil {
			return ErrNotFound
		}
		var err error
		sub, err = getSubscription(tx, string(id))
		return err
	})
	return sub, err
}

// SubscriptionByToken resolves an unsubscribe/resubscribe token
func (s *BoltStore) SubscriptionByToken(ctx context.Context, token string) (*model.Subscription, error) {
	var sub *model.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSubscriptionTokens).Get([]byte(token))
		if id == nil {
			return ErrNotFound
		}
		var err error
		sub, err = getSubscription(tx, string(id))
		return err
	})
	return sub, err
}

// ListSubscriptions returns all subscriptions of campaign, oldest first
func (s *BoltStore) ListSubscriptions(ctx context.Context, campaign string) ([]*model.Subscription, error) {
	var subs []*model.Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub model.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return nil
			}
			if campaign == "" || sub.Campaign == campaign {
				subs = append(subs, &sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

// MarkUnsubscribed sets UnsubscribedAt unless already set
func (s *BoltStore) MarkUnsubscribed(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	return s.updateSubscription(id, func(sub *model.Subscription) bool {
		if sub.UnsubscribedAt != nil {
			return false
		}
		sub.UnsubscribedAt = &at
		sub.UnsubscribeReason = reason
		return true
	})
}

// ClearUnsubscribed clears UnsubscribedAt and records the resubscription
func (s *BoltStore) ClearUnsubscribed(ctx context.Context, id string, at time.Time) error {
	_, err := s.updateSubscription(id, func(sub *model.Subscription) bool {
		sub.UnsubscribedAt = nil
		sub.UnsubscribeReason = ""
		sub.ResubscribedAt = &at
		return true
	})
	return err
}

// MarkEnded sets EndedAt unless already set
func (s *BoltStore) MarkEnded(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	return s.updateSubscription(id, func(sub *model.Subscription) bool {
		if sub.EndedAt != nil {
			return false
		}
		sub.EndedAt = &at
		sub.EndReason = reason
		return true
	})
}

// DeleteSubscription removes a subscription, its indexes and its mailings
func (s *BoltStore) DeleteSubscription(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sub, err := getSubscription(tx, id)
		if err != nil {
			return err
		}

		links := tx.Bucket(bucketSubscriptionMailings)
		prefix := append([]byte(id), keySep)
		var mailingIDs []string
		c := links.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			mailingIDs = append(mailingIDs, string(k[len(prefix):]))
		}

		mailings := tx.Bucket(bucketMailings)
		due := tx.Bucket(bucketMailingsDue)
		for _, mid := range mailingIDs {
			if m, err := getMailing(tx, mid); err == nil {
				due.Delete(dueKey(m))
			}
			if err := mailings.Delete([]byte(mid)); err != nil {
				return err
			}
			if err := links.Delete(linkKey(id, mid)); err != nil {
				return err
			}
		}

		tokens := tx.Bucket(bucketSubscriptionTokens)
		if err := tokens.Delete([]byte(sub.Token)); err != nil {
			return err
		}

		index := tx.Bucket(bucketSubscriberIndex)
		key := subscriberKey(sub.Campaign, sub.SubscriberID)
		if string(index.Get(key)) == sub.ID {
			if err := index.Delete(key); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketSubscriptions).Delete([]byte(id))
	})
}

// CreateMailing stores a mailing and indexes it as due when unsent
func (s *BoltStore) CreateMailing(ctx context.Context, m *model.Mailing) error {
	now := time.Now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getSubscription(tx, m.SubscriptionID); err != nil {
			return fmt.Errorf("mailing subscription %s: %w", m.SubscriptionID, err)
		}

		mailings := tx.Bucket(bucketMailings)
		if mailings.Get([]byte(m.ID)) != nil {
			return fmt.Errorf("mailing %s already exists", m.ID)
		}
		if err := putJSON(mailings, m.ID, m); err != nil {
			return fmt.Errorf("failed to store mailing: %w", err)
		}

		if !m.Finished() {
			if err := tx.Bucket(bucketMailingsDue).Put(dueKey(m), []byte(m.ID)); err != nil {
				return fmt.Errorf("failed to add to due index: %w", err)
			}
		}

		links := tx.Bucket(bucketSubscriptionMailings)
		if err := links.Put(linkKey(m.SubscriptionID, m.ID), nil); err != nil {
			return fmt.Errorf("failed to link mailing: %w", err)
		}
		return nil
	})
}

// GetMailing retrieves a mailing by ID
func (s *BoltStore) GetMailing(ctx context.Context, id string) (*model.Mailing, error) {
	var m *model.Mailing
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getMailing(tx, id)
		return err
	})
	return m, err
}

// ListMailings returns the mailings of a subscription ordered by send time
func (s *BoltStore) ListMailings(ctx context.Context, subscriptionID string, filter MailingFilter) ([]*model.Mailing, error) {
	var result []*model.Mailing

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append([]byte(subscriptionID), keySep)
		c := tx.Bucket(bucketSubscriptionMailings).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			m, err := getMailing(tx, string(k[len(prefix):]))
			if err != nil {
				continue
			}
			if filter.Action != "" && m.MailerAction != filter.Action {
				continue
			}
			if filter.UnsentOnly && m.Finished() {
				continue
			}
			result = append(result, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].SendAt.Equal(result[j].SendAt) {
			return result[i].SendAt.Before(result[j].SendAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DueMailings walks the due index of campaign in (send_at, id) order
func (s *BoltStore) DueMailings(ctx context.Context, campaign string, now time.Time, limit int, after *model.Mailing) ([]*model.Mailing, error) {
	var result []*model.Mailing

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append([]byte(campaign), keySep)
		limitKey := append(append([]byte{}, prefix...), []byte(now.UTC().Format(keyTimeFormat))...)

		start := prefix
		var afterKey []byte
		if after != nil {
			afterKey = dueKey(after)
			start = afterKey
		}

		c := tx.Bucket(bucketMailingsDue).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if afterKey != nil && bytes.Equal(k, afterKey) {
				continue
			}
			// Keys past the timestamp of now are in the future
			if bytes.Compare(k[:min(len(k), len(limitKey))], limitKey) > 0 {
				break
			}

			m, err := getMailing(tx, string(v))
			if err != nil || !m.Pending(now) {
				continue
			}
			sub, err := getSubscription(tx, m.SubscriptionID)
			if err != nil || !sub.Active() {
				continue
			}

			result = append(result, m)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// ClaimMailing leases an unsent mailing whose previous lease, if any, expired
func (s *BoltStore) ClaimMailing(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	return s.updateMailing(id, func(m *model.Mailing) bool {
		if m.Finished() || m.Claimed(now) {
			return false
		}
		until := now.Add(lease)
		m.ClaimedUntil = &until
		return true
	})
}

// ReleaseMailing drops the lease on a mailing
func (s *BoltStore) ReleaseMailing(ctx context.Context, id string) error {
	_, err := s.updateMailing(id, func(m *model.Mailing) bool {
		if m.ClaimedUntil == nil {
			return false
		}
		m.ClaimedUntil = nil
		return true
	})
	return err
}

// MarkSent records the send unless the mailing is already sent or skipped
func (s *BoltStore) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updateMailing(id, func(m *model.Mailing) bool {
		if m.Finished() {
			return false
		}
		m.SentAt = &at
		m.ClaimedUntil = nil
		return true
	})
}

// MarkSkipped records the skip unless the mailing is already sent or skipped
func (s *BoltStore) MarkSkipped(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updateMailing(id, func(m *model.Mailing) bool {
		if m.Finished() {
			return false
		}
		m.SkippedAt = &at
		m.ClaimedUntil = nil
		return true
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func (s *BoltStore) updateSubscription(id string, fn func(*model.Subscription) bool) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		sub, err := getSubscription(tx, id)
		if err != nil {
			return err
		}
		if !fn(sub) {
			return nil
		}
		changed = true
		sub.UpdatedAt = time.Now()
		return putJSON(tx.Bucket(bucketSubscriptions), sub.ID, sub)
	})
	return changed, err
}

func (s *BoltStore) updateMailing(id string, fn func(*model.Mailing) bool) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMailing(tx, id)
		if err != nil {
			return err
		}
		if !fn(m) {
			return nil
		}
		changed = true
		m.UpdatedAt = time.Now()

		if m.Finished() {
			if err := tx.Bucket(bucketMailingsDue).Delete(dueKey(m)); err != nil {
				return err
			}
		}
		return putJSON(tx.Bucket(bucketMailings), m.ID, m)
	})
	return changed, err
}

func getSubscription(tx *bolt.Tx, id string) (*model.Subscription, error) {
	data := tx.Bucket(bucketSubscriptions).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var sub model.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription %s: %w", id, err)
	}
	return &sub, nil
}

func getMailing(tx *bolt.Tx, id string) (*model.Mailing, error) {
	data := tx.Bucket(bucketMailings).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var m model.Mailing
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mailing %s: %w", id, err)
	}
	return &m, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// dueKey is campaign, send time and ID joined by NUL bytes
func dueKey(m *model.Mailing) []byte {
	key := make([]byte, 0, len(m.Campaign)+len(keyTimeFormat)+len(m.ID)+2)
	key = append(key, m.Campaign...)
	key = append(key, keySep)
	key = append(key, m.SendAt.UTC().Format(keyTimeFormat)...)
	key = append(key, keySep)
	key = append(key, m.ID...)
	return key
}

func subscriberKey(campaign, subscriberID string) []byte {
	return append(append([]byte(campaign), keySep), subscriberID...)
}

func linkKey(subscriptionID, mailingID string) []byte {
	return append(append([]byte(subscriptionID), keySep), mailingID...)
}
