// Package app is the composition root: it constructs the gateway services
// explicitly and hands them to callers by reference. One App per process
// preserves the one-session / one-cache / one-lock semantics without hidden
// globals.
package app

import (
	"context"
	"fmt"

	"wagate/internal/config"
	"wagate/internal/directory"
	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/notify"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/scheduler"
	"wagate/internal/sendlock"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// Providers are the external collaborators the core only knows by contract:
// the credential store, the protocol provider, and the QR renderer.
type Providers struct {
	SessionStore transport.SessionStore
	Dialer       transport.Dialer
	QREncoder    transport.QREncoder
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	sess   *session.Manager
	dir    *directory.Cache
	engine *dispatch.Engine
	lock   *sendlock.Lock
	sched  *scheduler.Service
	notif  *notify.Service

	// held until Start, which binds them to the supervisor context
	providers Providers
	sessCfg   session.Config
	dirCfg    directory.Config
	dispCfg   dispatch.Config
}

func New(cfgPath string, prov Providers) (*App, error) {
	if prov.SessionStore == nil || prov.Dialer == nil || prov.QREncoder == nil {
		return nil, fmt.Errorf("app: all providers are required")
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logx())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
	}

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	dirCfg, err := cfg.DirectoryConfig()
	if err != nil {
		return nil, err
	}
	dispCfg, err := cfg.DispatchConfig()
	if err != nil {
		return nil, err
	}
	lockCfg, err := cfg.SendLockConfig()
	if err != nil {
		return nil, err
	}

	// The supervisor is created in Start (it binds the run context); service
	// construction that needs it is deferred there too.
	a.providers = prov
	a.sessCfg = sessCfg
	a.dirCfg = dirCfg
	a.dispCfg = dispCfg

	a.lock = sendlock.New(lockCfg, store, log.With(logx.String("comp", "sendlock")))

	notif, err := notify.New(cfg.NotifyConfig(), bus, log.With(logx.String("comp", "notify")))
	if err != nil {
		return nil, err
	}
	a.notif = notif

	return a, nil
}

// Start wires the supervisor-bound services and brings the gateway up.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.sess = session.NewManager(a.sessCfg, a.providers.SessionStore, a.providers.Dialer, a.providers.QREncoder, a.bus, a.sup, a.log.With(logx.String("comp", "session")))
	a.dir = directory.New(a.dirCfg, a.store, a.sess, a.sup, a.bus, a.log.With(logx.String("comp", "directory")))
	a.engine = dispatch.New(a.dispCfg, a.sess, a.bus, a.log.With(logx.String("comp", "dispatch")))

	cfg := a.cfgm.Get()
	a.sched = scheduler.New(cfg.SchedulerConfig(), a.engine, a.lock, a.dir, a.log.With(logx.String("comp", "scheduler")))

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyLoop)

	a.notif.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if err := a.sess.Initialize(ctx); err != nil {
		return err
	}
	a.log.Info("gateway started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.sess != nil {
		if sess, err := a.sess.Active(); err == nil {
			_ = sess.Close()
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// applyLoop pushes hot-reloaded config into the services that accept it.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(cfg.Logx())
			a.log.Info("reloaded logging config")
		}
	}
}

// ---- surface consumed by route handlers / external schedulers ----

func (a *App) State() session.State { return a.sess.State() }
func (a *App) QR() []byte           { return a.sess.QR() }

func (a *App) Initialize(ctx context.Context) error   { return a.sess.Initialize(ctx) }
func (a *App) Logout(ctx context.Context) error       { return a.sess.Logout(ctx) }
func (a *App) ClearSession(ctx context.Context) error { return a.sess.ClearSession(ctx) }

func (a *App) ListDirectory(ctx context.Context, kind transport.Kind, forceRefresh bool) ([]directory.Entry, error) {
	return a.dir.List(ctx, kind, forceRefresh)
}

func (a *App) Send(ctx context.Context, job dispatch.Job) (dispatch.Outcome, error) {
	return a.engine.Send(ctx, job)
}

func (a *App) SendLock() *sendlock.Lock      { return a.lock }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }
