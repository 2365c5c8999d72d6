// Package lock serialises sweeps of the same campaign across workers and
// processes.
package lock

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a named mutual exclusion that is tried, never waited on.
// A Lock value is used by one goroutine at a time.
type Lock interface {
	// Acquire tries to take the lock and reports whether it did
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if it is still held
	Release(ctx context.Context) error
}

// Renewer is a Lock whose hold runs out after TTL unless it is extended
type Renewer interface {
	Lock
	TTL() time.Duration
	// Extend resets the TTL and reports whether the lock was still held
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// Provider creates locks by key
type Provider interface {
	New(key string) Lock
}

// NewProvider picks the best available backend: Redis when a client is
// given, PostgreSQL advisory locks when a database is, process-local locks
// otherwise
func NewProvider(client *redis.Client, db *sql.DB, ttl time.Duration) Provider {
	switch {
	case client != nil:
		return &RedisProvider{client: client, ttl: ttl}
	case db != nil:
		return &PGProvider{db: db}
	}
	return NewLocalProvider()
}

// RedisProvider creates RedisLocks sharing one client
type RedisProvider struct {
	client *redis.Client
	ttl    time.Duration
}

// New implements Provider
func (p *RedisProvider) New(key string) Lock {
	return NewRedisLock(p.client, key, p.ttl)
}

// PGProvider creates PGAdvisoryLocks sharing one pool
type PGProvider struct {
	db *sql.DB
}

// New implements Provider
func (p *PGProvider) New(key string) Lock {
	return NewPGAdvisoryLock(p.db, key)
}

// LocalProvider creates locks that only exclude holders in this process
type LocalProvider struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalProvider creates an empty local lock table
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{held: make(map[string]bool)}
}

// New implements Provider
func (p *LocalProvider) New(key string) Lock {
	return &localLock{p: p, key: key}
}

type localLock struct {
	p     *LocalProvider
	key   string
	owned bool
}

func (l *localLock) Acquire(ctx context.Context) (bool, error) {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()

	if l.owned {
		return true, nil
	}
	if l.p.held[l.key] {
		return false, nil
	}
	l.p.held[l.key] = true
	l.owned = true
	return true, nil
}

func (l *localLock) Release(ctx context.Context) error {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()

	if l.owned {
		delete(l.p.held, l.key)
		l.owned = false
	}
	return nil
}
