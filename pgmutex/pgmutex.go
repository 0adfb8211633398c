// Package pgmutex provides native mutexes backed by PostgreSQL session
// advisory locks.
//
// A Source constructed here can be handed to [critsec.New] by hosts that
// need a section serialized system-wide rather than per-process. The section
// semantics are unchanged; PostgreSQL simply takes the place of the
// in-process mutex.
package pgmutex

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quay/zlog"

	"github.com/quay/critsec"
)

// NewSource creates a Source whose mutexes all contend on the advisory lock
// keyed by "name".
//
// The Source owns a small connection pool derived from the provided config.
// Close must be called to release held resources. The provided context is
// only used for logging and initial setup.
func NewSource(ctx context.Context, cfg *pgxpool.Config, name string) (*Source, error) {
	cfg = cfg.Copy()
	cfg.MaxConns = 2
	cfg.MinConns = 1
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgmutex: failed to create pool: %w", err)
	}
	s := &Source{
		ctx: ctx,
		p:   p,
		key: keyify(name),
	}
	_, file, line, _ := runtime.Caller(1)
	runtime.SetFinalizer(s, func(s *Source) {
		panic(fmt.Sprintf("%s:%d: pgmutex.Source not closed", file, line))
	})
	return s, nil
}

// Source constructs mutexes over one advisory lock key.
type Source struct {
	// ctx is used for logging only.
	ctx context.Context
	p   *pgxpool.Pool
	key int64
}

var _ critsec.Source = (*Source)(nil)

// NewMutex implements [critsec.Source].
func (s *Source) NewMutex() (critsec.Mutex, error) {
	return &Mutex{ctx: s.ctx, p: s.p, key: s.key}, nil
}

// Close spins down the pool.
func (s *Source) Close() error {
	runtime.SetFinalizer(s, nil)
	s.p.Close()
	return nil
}

// Keyify hashes a lock name into an advisory lock key.
func keyify(name string) int64 {
	h := fnv.New64a()
	io.WriteString(h, name)
	return int64(h.Sum64())
}

// Mutex is an advisory-lock-backed [critsec.Mutex].
//
// While held, it keeps a connection out of the Source's pool, because
// session advisory locks are scoped to the connection that took them.
type Mutex struct {
	// ctx is used for logging only.
	ctx context.Context
	p   *pgxpool.Pool
	key int64

	// mu guards conn. Several goroutines may be blocked in Lock on the
	// same Mutex at once; the database serializes who wins, but the
	// handoff of the dedicated connection has to be ordered on this
	// side too.
	mu   sync.Mutex
	conn *pgxpool.Conn
}

var _ critsec.Mutex = (*Mutex)(nil)

// Lock implements [critsec.Mutex].
//
// The lock interface has no error return and no cancellation, so transient
// database errors are logged and retried with backoff, indefinitely.
func (m *Mutex) Lock() {
	for wait := time.Duration(500 * time.Millisecond); ; backoff(&wait) {
		err := m.try()
		if err == nil {
			return
		}
		zlog.Warn(m.ctx).
			Err(err).
			Int64("key", m.key).
			Msg("advisory lock attempt failed; retrying")
		time.Sleep(wait)
	}
}

// Try dedicates a connection and blocks in pg_advisory_lock until granted.
func (m *Mutex) try() error {
	const query = `SELECT pg_advisory_lock($1);`
	ctx := context.Background()
	c, err := m.p.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := c.Exec(ctx, query, m.key); err != nil {
		c.Release()
		return err
	}
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	return nil
}

// Unlock implements [critsec.Mutex].
func (m *Mutex) Unlock() {
	const query = `SELECT pg_advisory_unlock($1);`
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c == nil {
		zlog.Error(m.ctx).
			Int64("key", m.key).
			Msg("unlock of unheld advisory lock")
		return
	}
	ctx := context.Background()
	var ok bool
	switch err := c.QueryRow(ctx, query, m.key).Scan(&ok); {
	case err != nil:
		zlog.Warn(m.ctx).
			Err(err).
			Int64("key", m.key).
			Msg("error during unlock")
		// The session may still hold the lock; don't return the
		// connection to the pool.
		m.discard(ctx, c)
		return
	case !ok:
		zlog.Error(m.ctx).
			Int64("key", m.key).
			Msg("lock protocol botch")
	}
	c.Release()
}

// Close implements [critsec.Mutex].
//
// Closing a held Mutex discards the dedicated connection, which releases
// the advisory lock server-side.
func (m *Mutex) Close() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		zlog.Warn(m.ctx).
			Int64("key", m.key).
			Msg("mutex destroyed while held")
		m.discard(context.Background(), c)
	}
	return nil
}

// Discard closes the underlying connection instead of pooling it, for when
// the session may still hold the advisory lock.
func (m *Mutex) discard(ctx context.Context, c *pgxpool.Conn) {
	if err := c.Hijack().Close(ctx); err != nil {
		zlog.Debug(m.ctx).
			Err(err).
			Msg("error closing connection")
	}
}

// Backoff implements a doubling backoff, capped at 10 seconds.
func backoff(w *time.Duration) {
	const max = 10 * time.Second
	(*w) *= 2
	if *w > max {
		*w = max
	}
}
