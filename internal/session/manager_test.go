package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	creds   transport.Credentials
	loadErr error
	cleared int
}

func (s *fakeStore) Load(ctx context.Context) (transport.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.creds, nil
}

func (s *fakeStore) Persist(ctx context.Context, creds transport.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	return nil
}

func (s *fakeStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	s.creds = nil
	return nil
}

func (s *fakeStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

type fakeSession struct {
	events chan transport.Event

	mu     sync.Mutex
	closed bool
	logout bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.Event, 8)}
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) FetchDirectory(ctx context.Context, kind transport.Kind) ([]transport.RawEntry, error) {
	return nil, nil
}

func (s *fakeSession) Send(ctx context.Context, id string, p transport.Payload) error { return nil }

func (s *fakeSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logout = true
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	sess    []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := newFakeSession()
	d.sess = append(d.sess, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sess) == 0 {
		return nil
	}
	return d.sess[len(d.sess)-1]
}

type fakeQR struct{}

func (fakeQR) Encode(payload string) ([]byte, error) { return []byte("img:" + payload), nil }

func newTestManager(t *testing.T, cfg Config, store *fakeStore, dialer *fakeDialer) (*Manager, *supervisor.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup := supervisor.New(ctx)
	m := NewManager(cfg, store, dialer, fakeQR{}, eventbus.New(), sup, logx.Nop())
	return m, sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeReachesReady(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, Config{}, store, dialer)

	if st := m.State(); st != StateDisconnected {
		t.Fatalf("initial state = %s, want %s", st, StateDisconnected)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := m.State(); st != StateConnecting {
		t.Fatalf("state after Initialize = %s, want %s", st, StateConnecting)
	}

	dialer.last().events <- transport.Event{Type: transport.EventOpened}
	waitFor(t, "READY", func() bool { return m.State() == StateReady })

	if _, err := m.Active(); err != nil {
		t.Fatalf("Active after open: %v", err)
	}
}

func TestActiveNotReady(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, &fakeStore{}, &fakeDialer{})

	_, err := m.Active()
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	var nr *NotReadyError
	if !errors.As(err, &nr) || nr.State != StateDisconnected {
		t.Fatalf("NotReadyError state = %v", err)
	}
}

func TestQRLifecycle(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, Config{QRTTL: 20 * time.Millisecond}, &fakeStore{}, dialer)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	dialer.last().events <- transport.Event{Type: transport.EventPairing, PairingPayload: "pair-1"}
	waitFor(t, "QR_REQUIRED", func() bool { return m.State() == StateQRRequired })

	if got := string(m.QR()); got != "img:pair-1" {
		t.Fatalf("QR = %q", got)
	}

	// Payload expires while still pairing.
	waitFor(t, "QR expiry", func() bool { return m.QR() == nil })
	if st := m.State(); st != StateQRRequired {
		t.Fatalf("state after expiry = %s, want %s", st, StateQRRequired)
	}
}

func TestQRClearedOnOpen(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, Config{}, &fakeStore{}, dialer)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sess := dialer.last()
	sess.events <- transport.Event{Type: transport.EventPairing, PairingPayload: "p"}
	waitFor(t, "QR_REQUIRED", func() bool { return m.State() == StateQRRequired })
	sess.events <- transport.Event{Type: transport.EventOpened}
	waitFor(t, "READY", func() bool { return m.State() == StateReady })

	if m.QR() != nil {
		t.Fatal("QR not cleared on open")
	}
}

func TestCloseLoggedOutClearsCredentials(t *testing.T) {
	t.Parallel()
	store := &fakeStore{creds: transport.Credentials{"creds.json": []byte("x")}}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, Config{}, store, dialer)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sess := dialer.last()
	sess.events <- transport.Event{Type: transport.EventOpened}
	waitFor(t, "READY", func() bool { return m.State() == StateReady })

	sess.events <- transport.Event{Type: transport.EventClosed, CloseReason: transport.CloseLoggedOut}
	waitFor(t, "DISCONNECTED", func() bool { return m.State() == StateDisconnected })
	waitFor(t, "credentials cleared", func() bool { return store.clearCount() == 1 })

	// No reconnect for explicit logout.
	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestCloseOtherReconnects(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	cfg := Config{ReconnectBase: time.Millisecond, ReconnectCap: 5 * time.Millisecond}
	m, _ := newTestManager(t, cfg, &fakeStore{}, dialer)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sess := dialer.last()
	sess.events <- transport.Event{Type: transport.EventOpened}
	waitFor(t, "READY", func() bool { return m.State() == StateReady })

	sess.events <- transport.Event{Type: transport.EventClosed, CloseReason: transport.CloseOther}
	waitFor(t, "reconnect dial", func() bool { return dialer.dialCount() == 2 })

	// Reaching READY again resets the attempt counter.
	dialer.last().events <- transport.Event{Type: transport.EventOpened}
	waitFor(t, "READY again", func() bool { return m.State() == StateReady })
	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("attempts = %d, want 0 after READY", attempts)
	}
}

func TestCloseForbiddenTerminates(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, Config{}, store, dialer)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sess := dialer.last()
	sess.events <- transport.Event{Type: transport.EventClosed, CloseReason: transport.CloseForbidden}
	waitFor(t, "DISCONNECTED", func() bool { return m.State() == StateDisconnected })

	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1 (no retry on forbidden)", n)
	}
	if store.clearCount() != 0 {
		t.Fatal("credentials cleared on forbidden, want kept")
	}
}

func TestReconnectDelayMonotoneCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.setDefaults()

	var prev time.Duration
	for attempt := 1; attempt <= 12; attempt++ {
		d := min(time.Duration(attempt)*cfg.ReconnectBase, cfg.ReconnectCap)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 300*time.Second {
			t.Fatalf("delay exceeds cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if prev != 300*time.Second {
		t.Fatalf("delay did not saturate at cap: %v", prev)
	}
}

func TestInitializeFailureRetriesThenSurfaces(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{dialErr: errors.New("dial refused")}
	cfg := Config{
		MaxReconnectAttempts: 2,
		InitRetryBase:        time.Millisecond,
		InitRetryCap:         2 * time.Millisecond,
	}
	m, _ := newTestManager(t, cfg, &fakeStore{}, dialer)

	// First failure schedules a background retry and returns nil.
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize (attempt 1) = %v, want nil (retry scheduled)", err)
	}
	// Background retry exhausts the budget eventually; a subsequent direct
	// call surfaces the error.
	waitFor(t, "retry dial", func() bool { return dialer.dialCount() >= 2 })
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize after budget exhausted = nil, want error")
	}
}

func TestInitializeSkipsWhenInFlight(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, Config{}, &fakeStore{}, dialer)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// initializing guard is still set until the session opens.
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("re-entrant Initialize: %v", err)
	}
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1 (second call skipped)", n)
	}
}

func TestStatePublishedOnBus(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup := supervisor.New(ctx)
	bus := eventbus.New()
	dialer := &fakeDialer{}
	m := NewManager(Config{}, &fakeStore{}, dialer, fakeQR{}, bus, sup, logx.Nop())

	events, unsub := bus.Subscribe(16)
	defer unsub()

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	dialer.last().events <- transport.Event{Type: transport.EventOpened}
	waitFor(t, "READY", func() bool { return m.State() == StateReady })

	var got []string
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeSessionState {
				got = append(got, ev.Data.(string))
			}
		case <-deadline:
			t.Fatalf("state events = %v, want 2", got)
		}
	}
	if got[0] != string(StateConnecting) || got[1] != string(StateReady) {
		t.Fatalf("state events = %v, want [CONNECTING READY]", got)
	}
}
