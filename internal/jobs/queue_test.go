package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) (*BoltQueue, *time.Time) {
	t.Helper()

	q, err := NewBoltQueue(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewBoltQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestBoltQueue_EnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.EnqueueDelivery(ctx, "m1"); err != nil {
		t.Fatalf("EnqueueDelivery() error = %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job == nil || job.MailingID != "m1" {
		t.Fatalf("Dequeue() = %+v, want m1", job)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Errorf("job = %s/%d, want running/1", job.Status, job.Attempts)
	}

	job, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job != nil {
		t.Errorf("second Dequeue() = %+v, want nil", job)
	}
}

func TestBoltQueue_EnqueueIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.EnqueueDelivery(ctx, "m1"); err != nil {
			t.Fatalf("EnqueueDelivery() error = %v", err)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want one pending job", stats)
	}

	// A running job is not enqueued twice either
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueDelivery(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Dequeue(ctx); job != nil {
		t.Errorf("Dequeue() = %+v while the job is running", job)
	}
}

func TestBoltQueue_DeferOrdering(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	q.EnqueueDelivery(ctx, "m1")
	job, _ := q.Dequeue(ctx)

	if err := q.Defer(ctx, job.MailingID, now.Add(time.Minute), "timeout"); err != nil {
		t.Fatalf("Defer() error = %v", err)
	}

	if job, _ := q.Dequeue(ctx); job != nil {
		t.Fatalf("Dequeue() before run time = %+v, want nil", job)
	}

	*now = now.Add(2 * time.Minute)
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("Dequeue() after run time = nil")
	}
	if job.Attempts != 2 || job.LastError != "timeout" {
		t.Errorf("job = %d/%q, want 2/timeout", job.Attempts, job.LastError)
	}
}

func TestBoltQueue_Complete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.EnqueueDelivery(ctx, "m1")
	q.Dequeue(ctx)

	if err := q.Complete(ctx, "m1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := q.Get(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	// Completing a missing job is fine
	if err := q.Complete(ctx, "m1"); err != nil {
		t.Errorf("Complete() missing error = %v", err)
	}
}

func TestBoltQueue_DeadLetter(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		q.EnqueueDelivery(ctx, id)
		q.Dequeue(ctx)
		if err := q.Bury(ctx, id, "rejected"); err != nil {
			t.Fatalf("Bury() error = %v", err)
		}
		*now = now.Add(time.Second)
	}

	dead, err := q.ListDead(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 2 || dead[0].MailingID != "m1" {
		t.Fatalf("ListDead() = %v, want m1, m2", dead)
	}

	if err := q.RetryDead(ctx, "m1"); err != nil {
		t.Fatalf("RetryDead() error = %v", err)
	}
	job, _ := q.Dequeue(ctx)
	if job == nil || job.MailingID != "m1" || job.Attempts != 1 {
		t.Fatalf("Dequeue() after retry = %+v", job)
	}

	dead, _ = q.ListDead(ctx, 0, 0)
	if len(dead) != 1 || dead[0].MailingID != "m2" {
		t.Errorf("ListDead() after retry = %v, want m2", dead)
	}

	if err := q.RetryDead(ctx, "m1"); err == nil {
		t.Error("RetryDead() on a running job should fail")
	}
}

func TestBoltQueue_CleanupDead(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		q.EnqueueDelivery(ctx, id)
		q.Dequeue(ctx)
		q.Bury(ctx, id, "rejected")
		*now = now.Add(time.Hour)
	}

	// m1 is four hours old, m2 three
	deleted, err := q.CleanupDead(ctx, 150*time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("CleanupDead(age) deleted %d, want 2", deleted)
	}

	deleted, err = q.CleanupDead(ctx, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("CleanupDead(count) deleted %d, want 1", deleted)
	}

	dead, _ := q.ListDead(ctx, 0, 0)
	if len(dead) != 1 || dead[0].MailingID != "m4" {
		t.Errorf("remaining dead = %v, want m4", dead)
	}
}

func TestBoltQueue_Recover(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.EnqueueDelivery(ctx, "m1")
	q.Dequeue(ctx)

	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Recover() = %d, want 1", n)
	}

	job, _ := q.Dequeue(ctx)
	if job == nil || job.MailingID != "m1" {
		t.Errorf("Dequeue() after recover = %+v", job)
	}
}

func TestBoltQueue_Stats(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	created := *now
	q.EnqueueDelivery(ctx, "m1")
	*now = now.Add(time.Minute)
	q.EnqueueDelivery(ctx, "m2")
	q.EnqueueDelivery(ctx, "m3")
	q.Dequeue(ctx)
	job, _ := q.Dequeue(ctx)
	q.Bury(ctx, job.MailingID, "x")

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Running != 1 || stats.Dead != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if !stats.OldestAt.Equal(created) {
		t.Errorf("OldestAt = %v, want %v", stats.OldestAt, created)
	}
}

func TestIndexKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	key := makeIndexKey(ts, "abc")

	if got := parseTimestampFromKey(key); !got.Equal(ts) {
		t.Errorf("parseTimestampFromKey() = %v, want %v", got, ts)
	}
	if string(makeIndexKey(ts, "a")) >= string(makeIndexKey(ts.Add(time.Nanosecond), "a")) {
		t.Error("index keys do not sort by time")
	}
	if got := parseTimestampFromKey([]byte("short")); !got.IsZero() {
		t.Errorf("parseTimestampFromKey(short) = %v, want zero", got)
	}
}
