// Package scheduler runs scheduled broadcasts on cron specs. Each run takes
// the shared send lock before dispatching so it can never overlap a manual
// broadcast; when the lock is busy the run is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wagate/internal/directory"
	"wagate/internal/dispatch"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
}

// Definition is one registered scheduled broadcast.
//
// When AllRecipients is set, the recipient list is resolved from the
// directory cache at run time and Broadcast.Recipients is ignored.
type Definition struct {
	ID            string
	Name          string
	Spec          string // cron spec, 5 or 6 fields (seconds optional)
	Broadcast     dispatch.Job
	AllRecipients bool
}

type dispatcher interface {
	Send(ctx context.Context, job dispatch.Job) (dispatch.Outcome, error)
}

type locker interface {
	TryAcquire(ctx context.Context, ownerID, reason string) (bool, error)
	Release(ctx context.Context) error
}

type lister interface {
	List(ctx context.Context, kind transport.Kind, forceRefresh bool) ([]directory.Entry, error)
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	engine dispatcher
	lock   locker
	dir    lister

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []Definition

	running bool
}

func New(cfg Config, engine dispatcher, lock locker, dir lister, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: engine,
		lock:   lock,
		dir:    dir,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Register validates and stores a definition. When the service is running
// the definition is scheduled immediately.
func (s *Service) Register(def Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return errors.New("definition id is empty")
	}
	if _, err := s.parser.Parse(def.Spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", def.Spec, err)
	}
	if !def.AllRecipients && len(def.Broadcast.Recipients) == 0 {
		return errors.New("definition has no recipients")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.ID == def.ID {
			return fmt.Errorf("definition %q already registered", def.ID)
		}
	}
	s.defs = append(s.defs, def)
	if s.c != nil {
		s.addCronLocked(def)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		return
	}
	s.running = true
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	for _, d := range s.defs {
		s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("definitions", len(s.defs)), logx.String("tz", s.loc.String()))
	_ = ctx
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	// cron.Stop returns a context that is done once running jobs finish.
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) addCronLocked(def Definition) {
	d := def
	_, err := s.c.AddFunc(d.Spec, func() {
		// Bound each run; a wedged transport must not pile runs up.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		s.run(ctx, d)
	})
	if err != nil {
		// Register() already parsed the spec, so this is unexpected.
		s.log.Error("scheduling definition failed", logx.String("id", d.ID), logx.Err(err))
	}
}

func (s *Service) run(ctx context.Context, def Definition) {
	owner := "scheduler:" + def.ID
	ok, err := s.lock.TryAcquire(ctx, owner, "scheduled broadcast "+def.Name)
	if err != nil {
		s.log.Error("send lock acquire failed", logx.String("id", def.ID), logx.Err(err))
		return
	}
	if !ok {
		s.log.Info("send lock busy, skipping scheduled broadcast", logx.String("id", def.ID))
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.log.Error("send lock release failed", logx.String("id", def.ID), logx.Err(err))
		}
	}()

	job := def.Broadcast
	if def.AllRecipients {
		entries, err := s.dir.List(ctx, job.Kind, false)
		if err != nil {
			s.log.Warn("resolving recipients failed, skipping run", logx.String("id", def.ID), logx.Err(err))
			return
		}
		job.Recipients = make([]string, 0, len(entries))
		for _, e := range entries {
			job.Recipients = append(job.Recipients, e.ID)
		}
		if len(job.Recipients) == 0 {
			s.log.Warn("no recipients resolved, skipping run", logx.String("id", def.ID))
			return
		}
	}

	start := time.Now()
	out, err := s.engine.Send(ctx, job)
	if err != nil {
		s.log.Warn("scheduled broadcast failed", logx.String("id", def.ID), logx.Err(err))
		return
	}
	failed := 0
	for _, r := range out.Results {
		if !r.Success {
			failed++
		}
	}
	s.log.Info("scheduled broadcast finished",
		logx.String("id", def.ID),
		logx.String("name", def.Name),
		logx.Int("total", len(out.Results)),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
