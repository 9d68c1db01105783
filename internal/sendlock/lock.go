// Package sendlock provides the single process-wide exclusion point that
// keeps a manually triggered broadcast and a scheduled one from overlapping.
//
// The lock is advisory, not transactional: callers acquire before building a
// batch and release promptly afterwards, including on failure paths. The
// record is persisted so concurrent requests observe the same lock across
// restarts.
package sendlock

import (
	"context"
	"sync"
	"time"

	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

const recordKey = "sendlock"

// Record is the persisted lock document.
type Record struct {
	IsLocked    bool      `json:"is_locked"`
	Owner       string    `json:"owner,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// expired reports whether a held lock's lease has elapsed. A zero
// LockedUntil never expires.
func (r Record) expired(now time.Time) bool {
	return r.IsLocked && !r.LockedUntil.IsZero() && !now.Before(r.LockedUntil)
}

type Config struct {
	// TTL bounds each acquisition. Zero means no lease: the lock is held
	// until released.
	TTL time.Duration
}

// Lock serializes broadcasts across manual and scheduled callers.
//
// mu serializes the read-modify-write within this process; cross-process
// coordination rides on the shared persisted record.
type Lock struct {
	cfg   Config
	log   logx.Logger
	store storage.Store

	mu  sync.Mutex
	mem Record // fallback when storage is disabled

	now func() time.Time // test hook
}

func New(cfg Config, store storage.Store, log logx.Logger) *Lock {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lock{cfg: cfg, log: log, store: store, now: time.Now}
}

func (l *Lock) read(ctx context.Context) Record {
	if l.store == nil {
		return l.mem
	}
	var rec Record
	ok, err := l.store.ReadJSON(ctx, recordKey, &rec)
	if err != nil {
		l.log.Warn("send lock record unreadable, treating as unlocked", logx.Err(err))
		return Record{}
	}
	if !ok {
		return Record{}
	}
	return rec
}

func (l *Lock) write(ctx context.Context, rec Record) error {
	if l.store == nil {
		l.mem = rec
		return nil
	}
	return l.store.WriteJSON(ctx, recordKey, rec)
}

// TryAcquire takes the lock if it is free or its lease has elapsed.
// It never blocks waiting for the holder.
func (l *Lock) TryAcquire(ctx context.Context, ownerID, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.read(ctx)
	if rec.IsLocked && !rec.expired(now) {
		return false, nil
	}
	if rec.expired(now) {
		l.log.Warn("send lock lease elapsed, taking over",
			logx.String("prev_owner", rec.Owner),
			logx.Time("locked_until", rec.LockedUntil))
	}

	next := Record{
		IsLocked: true,
		Owner:    ownerID,
		Reason:   reason,
		LockedAt: now,
	}
	if l.cfg.TTL > 0 {
		next.LockedUntil = now.Add(l.cfg.TTL)
	}
	if err := l.write(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Release clears the lock unconditionally. Idempotent.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(ctx, Record{})
}

// ReleaseOwner clears the lock only when ownerID still holds it, and reports
// whether it released. Stricter alternative to Release for callers that must
// not stomp a takeover.
func (l *Lock) ReleaseOwner(ctx context.Context, ownerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.read(ctx)
	if !rec.IsLocked || rec.Owner != ownerID {
		return false, nil
	}
	if err := l.write(ctx, Record{}); err != nil {
		return false, err
	}
	return true, nil
}

// IsHeld reports whether the lock is currently held. A held lock whose lease
// has elapsed is auto-released as a side effect.
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.read(ctx)
	if !rec.IsLocked {
		return false, nil
	}
	if rec.expired(l.now()) {
		if err := l.write(ctx, Record{}); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Holder returns the current record for status surfaces.
func (l *Lock) Holder(ctx context.Context) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(ctx)
}
