package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a job does not exist
var ErrNotFound = errors.New("job not found")

var (
	bucketJobs  = []byte("jobs")
	bucketReady = []byte("jobs_ready")
	bucketDead  = []byte("jobs_dead")
)

const keyTimeFormat = "20060102T150405.000000000"

// BoltQueue is the delivery job queue stored in BoltDB
type BoltQueue struct {
	db    *bolt.DB
	owned bool
	now   func() time.Time
}

// NewBoltQueue opens a queue in its own database file
func NewBoltQueue(path string) (*BoltQueue, error) {
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

	q, err := NewBoltQueueFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewBoltQueueFromDB creates the queue buckets in an already open database
func NewBoltQueueFromDB(db *bolt.DB) (*BoltQueue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltQueue{db: db, now: time.Now}, nil
}

// EnqueueDelivery schedules the delivery of a mailing now
func (q *BoltQueue) EnqueueDelivery(ctx context.Context, mailingID string) error {
	return q.Enqueue(ctx, mailingID, q.now())
}

// Enqueue schedules the delivery of a mailing at runAt. A mailing that
// already has a live job is left alone; a dead job is revived.
func (q *BoltQueue) Enqueue(ctx context.Context, mailingID string, runAt time.Time) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		job, err := getJob(jobs, mailingID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		now := q.now()

		if job != nil {
			if job.Status != StatusDead {
				return nil
			}
			if err := tx.Bucket(bucketDead).Delete(makeIndexKey(job.UpdatedAt, job.MailingID)); err != nil {
				return err
			}
			job.Attempts = 0
			job.LastError = ""
		} else {
			job = &Job{MailingID: mailingID, CreatedAt: now}
		}

		job.Status = StatusPending
		job.RunAt = runAt
		job.UpdatedAt = now
		return putReady(tx, job)
	})
}

// Dequeue takes the next job that is due and marks it running.
// Returns nil, nil if no job is due.
func (q *BoltQueue) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketReady).Cursor()
		now := q.now()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // All remaining are in the future
			}

			j, err := getJob(jobs, string(v))
			if errors.Is(err, ErrNotFound) {
				// Job was deleted, clean up index
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if err := c.Delete(); err != nil {
				return err
			}

			j.Status = StatusRunning
			j.Attempts++
			j.UpdatedAt = now
			if err := putJob(jobs, j); err != nil {
				return err
			}

			job = j
			return nil
		}
		return nil
	})

	return job, err
}

// Complete removes a finished job
func (q *BoltQueue) Complete(ctx context.Context, mailingID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		job, err := getJob(jobs, mailingID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := removeIndexes(tx, job); err != nil {
			return err
		}
		return jobs.Delete([]byte(mailingID))
	})
}

// Defer schedules another attempt of a running job at runAt
func (q *BoltQueue) Defer(ctx context.Context, mailingID string, runAt time.Time, lastErr string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx.Bucket(bucketJobs), mailingID)
		if err != nil {
			return err
		}

		job.Status = StatusDeferred
		job.RunAt = runAt
		job.LastError = lastErr
		job.UpdatedAt = q.now()
		return putReady(tx, job)
	})
}

// Bury moves a job to the dead letter queue
func (q *BoltQueue) Bury(ctx context.Context, mailingID, lastErr string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		job, err := getJob(jobs, mailingID)
		if err != nil {
			return err
		}
		if err := removeIndexes(tx, job); err != nil {
			return err
		}

		job.Status = StatusDead
		job.LastError = lastErr
		job.UpdatedAt = q.now()

		if err := tx.Bucket(bucketDead).Put(makeIndexKey(job.UpdatedAt, job.MailingID), []byte(job.MailingID)); err != nil {
			return fmt.Errorf("failed to add to dead letter index: %w", err)
		}
		return putJob(jobs, job)
	})
}

// Recover makes jobs left running by a crashed process due again
func (q *BoltQueue) Recover(ctx context.Context) (int, error) {
	recovered := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		var stuck []*Job
		err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusRunning {
				stuck = append(stuck, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		now := q.now()
		for _, job := range stuck {
			job.Status = StatusPending
			job.RunAt = now
			job.UpdatedAt = now
			if err := putReady(tx, job); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// Get retrieves a job by mailing ID
func (q *BoltQueue) Get(ctx context.Context, mailingID string) (*Job, error) {
	var job *Job
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx.Bucket(bucketJobs), mailingID)
		return err
	})
	return job, err
}

// ListDead returns jobs in the dead letter queue, oldest first
func (q *BoltQueue) ListDead(ctx context.Context, limit, offset int) ([]*Job, error) {
	var list []*Job

	err := q.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDead).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			job, err := getJob(jobs, string(v))
			if err != nil {
				continue
			}
			list = append(list, job)

			if limit > 0 && len(list) >= limit {
				break
			}
		}
		return nil
	})

	return list, err
}

// RetryDead moves a dead job back to the ready queue
func (q *BoltQueue) RetryDead(ctx context.Context, mailingID string) error {
	job, err := q.Get(ctx, mailingID)
	if err != nil {
		return err
	}
	if job.Status != StatusDead {
		return fmt.Errorf("job %s is %s, not dead", mailingID, job.Status)
	}
	return q.Enqueue(ctx, mailingID, q.now())
}

// CleanupDead removes dead jobs older than maxAge, then the oldest ones
// beyond maxCount
func (q *BoltQueue) CleanupDead(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		dead := tx.Bucket(bucketDead)

		type item struct{ key, id []byte }
		var items []item
		c := dead.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			items = append(items, item{key: append([]byte{}, k...), id: append([]byte{}, v...)})
		}

		cutoff := q.now().Add(-maxAge)
		excess := 0
		if maxCount > 0 && len(items) > maxCount {
			excess = len(items) - maxCount
		}

		// Items are oldest first, so both rules delete a prefix
		for i, it := range items {
			expired := maxAge > 0 && parseTimestampFromKey(it.key).Before(cutoff)
			if !expired && i >= excess {
				break
			}
			if err := dead.Delete(it.key); err != nil {
				return err
			}
			if err := jobs.Delete(it.id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Stats returns queue statistics
func (q *BoltQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}

			stats.Total++
			switch job.Status {
			case StatusPending:
				stats.Pending++
			case StatusRunning:
				stats.Running++
			case StatusDeferred:
				stats.Deferred++
			case StatusDead:
				stats.Dead++
			}
			if job.Status != StatusDead && (stats.OldestAt.IsZero() || job.CreatedAt.Before(stats.OldestAt)) {
				stats.OldestAt = job.CreatedAt
			}
			return nil
		})
	})

	return stats, err
}

// Close closes the database when the queue opened it
func (q *BoltQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.db.Close()
}

func getJob(b *bolt.Bucket, mailingID string) (*Job, error) {
	data := b.Get([]byte(mailingID))
	if data == nil {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func putJob(b *bolt.Bucket, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := b.Put([]byte(job.MailingID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// putReady stores job and indexes it by its run time
func putReady(tx *bolt.Tx, job *Job) error {
	if err := putJob(tx.Bucket(bucketJobs), job); err != nil {
		return err
	}
	if err := tx.Bucket(bucketReady).Put(makeIndexKey(job.RunAt, job.MailingID), []byte(job.MailingID)); err != nil {
		return fmt.Errorf("failed to add to ready index: %w", err)
	}
	return nil
}

// removeIndexes drops the index entries job may own
func removeIndexes(tx *bolt.Tx, job *Job) error {
	switch job.Status {
	case StatusPending, StatusDeferred:
		return tx.Bucket(bucketReady).Delete(makeIndexKey(job.RunAt, job.MailingID))
	case StatusDead:
		return tx.Bucket(bucketDead).Delete(makeIndexKey(job.UpdatedAt, job.MailingID))
	}
	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(keyTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(key []byte) time.Time {
	if len(key) < len(keyTimeFormat) {
		return time.Time{}
	}
	ts, _ := time.Parse(keyTimeFormat, string(key[:len(keyTimeFormat)]))
	return ts
}
