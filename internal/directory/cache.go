// Package directory memoizes the recipient group/channel listings fetched
// through the active session. Listings are expensive and slow to populate
// right after connecting, so the cache absorbs that warm-up with retries and
// serves stale data when the transport is down.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/storage"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type Config struct {
	MaxAge       time.Duration // cached record freshness window
	FetchTimeout time.Duration // per transport call
	FetchRetries int           // live fetch attempts
}

func (c *Config) setDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.FetchRetries <= 0 {
		c.FetchRetries = 5
	}
}

// Entry is one addressable recipient: a group or a channel.
type Entry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants,omitempty"` // groups
	Verified     bool   `json:"verified,omitempty"`     // channels
}

// Record is the persisted cache document. Entries are only ever replaced
// wholesale; a reader never observes a partial listing.
type Record struct {
	Entries   []Entry   `json:"entries"`
	FetchedAt time.Time `json:"fetched_at"`
}

// sessionSource is the slice of the session manager the cache needs.
type sessionSource interface {
	Active() (transport.Session, error)
}

type Cache struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	sess  sessionSource
	sup   *supervisor.Supervisor
	bus   eventbus.Bus

	refreshing chan struct{} // size 1; holds the background-refresh slot
}

func New(cfg Config, store storage.Store, sess sessionSource, sup *supervisor.Supervisor, bus eventbus.Bus, log logx.Logger) *Cache {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		cfg:        cfg,
		log:        log,
		store:      store,
		sess:       sess,
		sup:        sup,
		bus:        bus,
		refreshing: make(chan struct{}, 1),
	}
}

func recordKey(kind transport.Kind) string { return "directory." + string(kind) }

// List returns the directory for kind.
//
// A fresh cached record is served immediately while a single background
// refresh keeps it warm. With forceRefresh, or when the record is missing or
// stale, a live fetch runs in the foreground; if every attempt fails the last
// known record is served as a stale fallback.
func (c *Cache) List(ctx context.Context, kind transport.Kind, forceRefresh bool) ([]Entry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown directory kind %q", kind)
	}

	rec, ok := c.readRecord(ctx, kind)
	if !forceRefresh && ok && time.Since(rec.FetchedAt) < c.cfg.MaxAge {
		c.backgroundRefresh(kind)
		return rec.Entries, nil
	}

	entries, err := c.refresh(ctx, kind)
	if err == nil {
		return entries, nil
	}

	// Stale fallback: availability over freshness.
	if ok {
		c.log.Warn("live directory fetch failed, serving stale cache",
			logx.String("kind", string(kind)),
			logx.Time("fetched_at", rec.FetchedAt),
			logx.Err(err))
		return rec.Entries, nil
	}
	return nil, err
}

// readRecord loads the cached record. A corrupt record is deleted so the
// caller falls through to a live fetch.
func (c *Cache) readRecord(ctx context.Context, kind transport.Kind) (Record, bool) {
	if c.store == nil {
		return Record{}, false
	}
	var rec Record
	ok, err := c.store.ReadJSON(ctx, recordKey(kind), &rec)
	if err != nil {
		c.log.Warn("directory cache record unreadable, dropping it", logx.String("kind", string(kind)), logx.Err(err))
		_ = c.store.Delete(ctx, recordKey(kind))
		return Record{}, false
	}
	return rec, ok
}

// backgroundRefresh starts one detached refresh unless another is running.
func (c *Cache) backgroundRefresh(kind transport.Kind) {
	select {
	case c.refreshing <- struct{}{}:
	default:
		return // single-flight: a refresh is already in progress
	}
	c.sup.Go0("directory.refresh", func(ctx context.Context) {
		defer func() { <-c.refreshing }()
		if _, err := c.refresh(ctx, kind); err != nil {
			c.log.Debug("background directory refresh failed", logx.String("kind", string(kind)), logx.Err(err))
		}
	})
}

// refresh performs the live fetch with escalating retry delays, then filters,
// projects, sorts, and persists the result.
func (c *Cache) refresh(ctx context.Context, kind transport.Kind) ([]Entry, error) {
	sess, err := c.sess.Active()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.log.Debug("directory fetch retry",
				logx.String("kind", string(kind)),
				logx.Int("attempt", attempt),
				logx.Duration("delay", delay))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return nil, ctx.Err()
			case <-tmr.C:
			}
		}

		raw, err := c.fetchOnce(ctx, sess, kind)
		if err != nil {
			lastErr = err
			continue
		}

		entries := project(raw, kind)
		if err := c.persist(ctx, kind, entries); err != nil {
			c.log.Warn("persisting directory cache failed", logx.String("kind", string(kind)), logx.Err(err))
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeCacheRefresh, Data: string(kind)})
		}
		return entries, nil
	}
	return nil, fmt.Errorf("directory fetch (%s) exhausted %d attempts: %w", kind, c.cfg.FetchRetries, lastErr)
}

func (c *Cache) fetchOnce(ctx context.Context, sess transport.Session, kind transport.Kind) ([]transport.RawEntry, error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()
	return sess.FetchDirectory(fctx, kind)
}

// retryDelay escalates: 15s before the first retry, then 10+10*n seconds.
func retryDelay(retry int) time.Duration {
	if retry <= 1 {
		return 15 * time.Second
	}
	return time.Duration(10+10*retry) * time.Second
}

// project filters raw listings to ids carrying the kind's suffix, maps them
// to entries, and sorts by display name (case-insensitive, ascending).
func project(raw []transport.RawEntry, kind transport.Kind) []Entry {
	suffix := kind.Suffix()
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		if !strings.HasSuffix(r.ID, suffix) {
			continue
		}
		e := Entry{ID: r.ID, Name: r.Name}
		switch kind {
		case transport.KindGroup:
			e.Participants = r.Participants
		case transport.KindChannel:
			e.Verified = r.Verified
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a != b {
			return a < b
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func (c *Cache) persist(ctx context.Context, kind transport.Kind, entries []Entry) error {
	if c.store == nil {
		return nil
	}
	return c.store.WriteJSON(ctx, recordKey(kind), Record{Entries: entries, FetchedAt: time.Now()})
}
