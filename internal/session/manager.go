// Package session owns the single logical transport session per process:
// it runs the connection state machine, supervises reconnects, and exposes
// the current state, the pairing QR, and a readiness gate for the directory
// cache and the dispatch engine.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type Config struct {
	MaxReconnectAttempts int           // retry budget for both close and init failures
	QRTTL                time.Duration // pairing payload expiry from generation
	ReconnectBase        time.Duration // close-driven retry: min(base*attempts, cap)
	ReconnectCap         time.Duration
	InitRetryBase        time.Duration // init-failure retry: min(base*attempts, cap)
	InitRetryCap         time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.QRTTL <= 0 {
		c.QRTTL = 600 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 30 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 300 * time.Second
	}
	if c.InitRetryBase <= 0 {
		c.InitRetryBase = 10 * time.Second
	}
	if c.InitRetryCap <= 0 {
		c.InitRetryCap = 60 * time.Second
	}
}

// Manager supervises exactly one session to the transport.
//
// All state transitions happen under mu, driven by the event stream of the
// current session object. Events are published to the bus after the state
// mutation, synchronously, so subscribers observe transitions in order.
type Manager struct {
	cfg    Config
	log    logx.Logger
	store  transport.SessionStore
	dialer transport.Dialer
	qrEnc  transport.QREncoder
	bus    eventbus.Bus
	sup    *supervisor.Supervisor

	mu           sync.Mutex
	state        State
	sess         transport.Session
	sessSeq      uint64 // identifies the current session object; stale event loops bail out
	qrImage      []byte
	qrSeq        uint64 // invalidates pending expiry timers
	attempts     int
	initializing bool
}

func NewManager(cfg Config, store transport.SessionStore, dialer transport.Dialer, qrEnc transport.QREncoder, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *Manager {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:    cfg,
		log:    log,
		store:  store,
		dialer: dialer,
		qrEnc:  qrEnc,
		bus:    bus,
		sup:    sup,
		state:  StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QR returns the rendered pairing image, or nil unless a pairing is pending.
func (m *Manager) QR() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateQRRequired {
		return nil
	}
	return m.qrImage
}

// Active returns the live session if the manager is ready, else a
// NotReadyError.
func (m *Manager) Active() (transport.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.sess == nil {
		return nil, NewNotReady(m.state)
	}
	return m.sess, nil
}

// Initialize tears down any previous session and opens a new one.
//
// A failure before event wiring is retried in the background with linear
// backoff; Initialize only returns an error once the retry budget is
// exhausted. Calling it while another initialization is in flight is a
// logged no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		m.log.Info("initialize skipped: already initializing")
		return nil
	}
	m.initializing = true
	prev := m.sess
	m.sess = nil
	m.sessSeq++
	m.mu.Unlock()

	// Discard the prior session first so two live sessions never race.
	if prev != nil {
		if err := prev.Close(); err != nil {
			m.log.Warn("closing previous session failed", logx.Err(err))
		}
	}

	creds, err := m.store.Load(ctx)
	if err != nil {
		return m.initFailed(ctx, err)
	}

	sess, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		return m.initFailed(ctx, err)
	}

	m.mu.Lock()
	m.sess = sess
	seq := m.sessSeq
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.sup.Go0("session.events", func(ctx context.Context) {
		m.eventLoop(ctx, sess, seq)
	})
	return nil
}

func (m *Manager) initFailed(ctx context.Context, err error) error {
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	m.initializing = false
	budget := m.cfg.MaxReconnectAttempts
	m.mu.Unlock()

	if attempts >= budget {
		m.log.Error("initialize failed, retry budget exhausted", logx.Err(err), logx.Int("attempts", attempts))
		return err
	}

	delay := min(time.Duration(attempts)*m.cfg.InitRetryBase, m.cfg.InitRetryCap)
	m.log.Warn("initialize failed, retrying", logx.Err(err), logx.Int("attempt", attempts), logx.Duration("delay", delay))
	m.sup.After("session.init-retry", delay, func(ctx context.Context) {
		_ = m.Initialize(ctx)
	})
	return nil
}

func (m *Manager) eventLoop(ctx context.Context, sess transport.Session, seq uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if m.stale(seq) {
				return
			}
			switch ev.Type {
			case transport.EventPairing:
				m.onPairing(ev.PairingPayload)
			case transport.EventOpened:
				m.onOpened()
			case transport.EventClosed:
				m.onClosed(ctx, ev)
				return
			}
		}
	}
}

func (m *Manager) stale(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return seq != m.sessSeq
}

func (m *Manager) onPairing(payload string) {
	img, err := m.qrEnc.Encode(payload)
	if err != nil {
		m.log.Error("qr encode failed", logx.Err(err))
	}

	m.mu.Lock()
	m.qrImage = img
	m.qrSeq++
	qrSeq := m.qrSeq
	m.setStateLocked(StateQRRequired)
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionQR, Data: img})

	// The payload is only good for a pairing window; drop it afterwards
	// unless a newer one replaced it or the state moved on.
	m.sup.After("session.qr-expiry", m.cfg.QRTTL, func(ctx context.Context) {
		m.mu.Lock()
		if m.state == StateQRRequired && m.qrSeq == qrSeq {
			m.qrImage = nil
		}
		m.mu.Unlock()
	})
}

func (m *Manager) onOpened() {
	m.mu.Lock()
	m.qrImage = nil
	m.attempts = 0
	m.initializing = false
	m.setStateLocked(StateReady)
	m.mu.Unlock()

	m.log.Info("session ready")
}

func (m *Manager) onClosed(ctx context.Context, ev transport.Event) {
	terminal := ev.CloseReason == transport.CloseLoggedOut || ev.CloseReason == transport.CloseForbidden

	m.mu.Lock()
	if !terminal && m.attempts >= m.cfg.MaxReconnectAttempts {
		terminal = true
	}
	if terminal {
		m.attempts = 0
		m.initializing = false
		m.sess = nil
		m.sessSeq++
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()

		m.log.Warn("session closed", logx.String("reason", string(ev.CloseReason)), logx.Err(ev.CloseErr))
		if ev.CloseReason == transport.CloseLoggedOut {
			if err := m.store.Clear(ctx); err != nil {
				m.log.Warn("clearing credentials failed", logx.Err(err))
			}
		}
		return
	}

	m.attempts++
	attempt := m.attempts
	m.initializing = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	delay := min(time.Duration(attempt)*m.cfg.ReconnectBase, m.cfg.ReconnectCap)
	m.log.Warn("session closed, reconnecting",
		logx.String("reason", string(ev.CloseReason)),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(ev.CloseErr))

	m.sup.After("session.reconnect", delay, func(ctx context.Context) {
		_ = m.Initialize(ctx)
	})
}

// Logout ends the session on the transport side and clears stored
// credentials.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.sessSeq++
	m.attempts = 0
	m.initializing = false
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	var errs []error
	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearSession drops stored credentials without touching a live session.
// The next Initialize starts a fresh pairing.
func (m *Manager) ClearSession(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// setStateLocked mutates the state and publishes the change. Callers hold mu;
// the bus is non-blocking so publishing under the lock is safe.
func (m *Manager) setStateLocked(st State) {
	if m.state == st {
		return
	}
	if st != StateQRRequired {
		m.qrImage = nil
	}
	m.state = st
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: string(st)})
}
