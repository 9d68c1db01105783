// Package notify pushes high-signal operator notifications (session state
// changes, dispatch summaries) to a Telegram admin chat. It is the gateway's
// secondary, operational channel; the broadcast transport itself stays
// behind the transport contracts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	logx "wagate/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
	QueueSize  int
}

// Service bridges the event bus to Telegram: queue + single worker + rate
// limit, dropping messages rather than blocking publishers.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	bot     *tele.Bot
	limiter *rate.Limiter

	queue chan string

	mu        sync.Mutex
	runCancel context.CancelFunc
	unsub     func()
	wg        sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan string, cfg.QueueSize),
	}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify enabled but telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify enabled but chat_id is not set")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	s.bot = bot
	return s, nil
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.bot != nil }

func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	events, unsub := s.bus.Subscribe(32)
	s.unsub = unsub

	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.consume(rctx, events)
	}()
	go func() {
		defer s.wg.Done()
		s.sender(rctx)
	}()
	s.log.Info("notifier started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	unsub := s.unsub
	s.runCancel = nil
	s.unsub = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := format(ev)
			if msg == "" {
				continue
			}
			select {
			case s.queue <- msg:
			default:
				// Never block the bus on a slow Telegram API.
			}
		}
	}
}

func (s *Service) sender(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), msg, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				s.log.Warn("notification send failed", logx.Err(err))
			}
		}
	}
}

func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeSessionState:
		st, _ := ev.Data.(string)
		if st == "" {
			return ""
		}
		return "session: " + st
	case eventbus.TypeSessionQR:
		return "session: new pairing QR available"
	case eventbus.TypeDispatchDone:
		sum, ok := ev.Data.(dispatch.Summary)
		if !ok {
			return ""
		}
		return fmt.Sprintf("broadcast (%s): %d sent, %d failed at %s",
			sum.Kind, sum.Total-sum.Failed, sum.Failed, ev.Time.Format(time.Kitchen))
	default:
		return ""
	}
}
