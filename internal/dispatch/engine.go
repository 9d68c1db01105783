// Package dispatch delivers one message to many recipients in
// concurrency-bounded batches, isolating per-recipient failures and pacing
// between batches so the platform doesn't rate-limit the account.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/eventbus"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// sessionSource is the slice of the session manager the engine needs.
type sessionSource interface {
	Active() (transport.Session, error)
}

type Engine struct {
	cfg  Config
	log  logx.Logger
	sess sessionSource
	bus  eventbus.Bus

	limiter *rate.Limiter
}

func New(cfg Config, sess sessionSource, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		sess:    sess,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Send delivers the job and returns the ordered per-recipient results.
//
// It fails fast on precondition violations (ErrNoRecipients, ErrEmptyMessage,
// session.NotReadyError) and otherwise never returns an error for individual
// recipients; inspect the results for partial failure. Batches run
// sequentially with the configured inter-batch delay; recipients within a
// batch are dispatched concurrently.
func (e *Engine) Send(ctx context.Context, job Job) (Outcome, error) {
	sess, err := e.sess.Active()
	if err != nil {
		return Outcome{}, err
	}
	if len(job.Recipients) == 0 {
		return Outcome{}, ErrNoRecipients
	}
	if strings.TrimSpace(job.Content.Text) == "" && job.Content.Media == nil {
		return Outcome{}, ErrEmptyMessage
	}
	if !job.Kind.Valid() {
		return Outcome{}, fmt.Errorf("unknown recipient kind %q", job.Kind)
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = e.batchSizeFor(job.Kind)
	}
	payloads := buildPayloads(job.Content)

	start := time.Now()
	e.log.Info("dispatch started",
		logx.String("kind", string(job.Kind)),
		logx.Int("recipients", len(job.Recipients)),
		logx.Int("batch_size", batchSize))

	results := make([]Result, len(job.Recipients))
	for off := 0; off < len(job.Recipients); off += batchSize {
		end := min(off+batchSize, len(job.Recipients))

		var wg sync.WaitGroup
		for i := off; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.sendOne(ctx, sess, job.Kind, job.Recipients[i], payloads)
			}(i)
		}
		wg.Wait()

		// Pace between batches, never after the last one.
		if end < len(job.Recipients) {
			if err := sleep(ctx, e.batchDelayFor(job.Kind)); err != nil {
				// Cancelled mid-job: mark the rest as not attempted.
				for i := end; i < len(job.Recipients); i++ {
					results[i] = Result{ID: job.Recipients[i], Error: err.Error()}
				}
				break
			}
		}
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	out := Outcome{Results: results}
	if job.Kind == transport.KindChannel && failed == len(results) {
		// Channel broadcast is experimental; a total miss is a warning,
		// not a hard error.
		out.Warning = "channel broadcast delivered to no recipients"
		e.log.Warn("channel dispatch delivered nothing", logx.Int("recipients", len(results)))
	}

	e.log.Info("dispatch finished",
		logx.String("kind", string(job.Kind)),
		logx.Int("total", len(results)),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)))

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDispatchDone,
			Data: Summary{Kind: job.Kind, Total: len(results), Failed: failed},
		})
	}
	return out, nil
}

// sendOne validates the recipient id and drives the payload sequence through
// the session. A malformed id fails without touching the transport.
func (e *Engine) sendOne(ctx context.Context, sess transport.Session, kind transport.Kind, id string, payloads []transport.Payload) Result {
	if !strings.HasSuffix(id, kind.Suffix()) {
		return Result{ID: id, Error: fmt.Sprintf("invalid %s id: missing %s suffix", kind, kind.Suffix())}
	}

	for _, p := range payloads {
		if err := e.limiter.Wait(ctx); err != nil {
			return Result{ID: id, Error: err.Error()}
		}
		if err := e.deliver(ctx, sess, id, p); err != nil {
			e.log.Debug("send failed", logx.String("recipient", id), logx.String("payload", string(p.Kind)), logx.Err(err))
			return Result{ID: id, Error: err.Error()}
		}
	}
	return Result{ID: id, Success: true}
}

func (e *Engine) deliver(ctx context.Context, sess transport.Session, id string, p transport.Payload) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return sess.Send(sctx, id, p)
}

func (e *Engine) batchSizeFor(kind transport.Kind) int {
	if kind == transport.KindChannel {
		return e.cfg.ChannelBatchSize
	}
	return e.cfg.GroupBatchSize
}

func (e *Engine) batchDelayFor(kind transport.Kind) time.Duration {
	if kind == transport.KindChannel {
		return e.cfg.ChannelBatchDelay
	}
	return e.cfg.GroupBatchDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
