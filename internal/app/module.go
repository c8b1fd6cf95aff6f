// Package app wires a mirror run: logging, the profile lock, the store,
// the supervised client process, the RPC channel, the sync engine and the
// status endpoint.
package app

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/bus"
	"github.com/matheus3301/tgmirror/internal/config"
	"github.com/matheus3301/tgmirror/internal/directory"
	"github.com/matheus3301/tgmirror/internal/lock"
	"github.com/matheus3301/tgmirror/internal/logging"
	"github.com/matheus3301/tgmirror/internal/profile"
	"github.com/matheus3301/tgmirror/internal/rpc"
	"github.com/matheus3301/tgmirror/internal/status"
	"github.com/matheus3301/tgmirror/internal/store"
	"github.com/matheus3301/tgmirror/internal/supervisor"
	intsync "github.com/matheus3301/tgmirror/internal/sync"
)

// Params holds the resolved run configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	DBPath      string // empty = profile default
	LogPath     string // empty = profile default
	SocketPath  string // empty = profile default
	Verbose     bool
}

func (p Params) dbPath() string {
	if p.DBPath != "" {
		return p.DBPath
	}
	return profile.DBPath(p.ProfileName)
}

func (p Params) logPath() string {
	if p.LogPath != "" {
		return p.LogPath
	}
	return profile.LogPath(p.ProfileName)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return profile.SocketPath(p.ProfileName)
}

// Module returns the fx module for a run, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("tgmirror",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideDirectory,
			providePublisher,
			provideSupervisor,
			provideChannel,
			provideSyncEngine,
			NewServer,
			NewRunner,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.ProfileName, p.Verbose)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	dir := filepath.Dir(p.dbPath())
	logger.Info("acquiring database lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("database lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so the database is only opened by its
// holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	n, err := db.NormalizeLegacyKeys()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info("legacy peer keys rewritten", zap.Int64("keys", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDirectory(db *store.DB, logger *zap.Logger) (*directory.Directory, error) {
	return directory.New(db, directory.DefaultCacheSize, logger.Named("directory"))
}

func providePublisher(b *bus.Bus, logger *zap.Logger) *rpc.Publisher {
	return rpc.NewPublisher(b, logger.Named("cli"))
}

func provideSupervisor(p Params, pub *rpc.Publisher, machine *status.Machine, logger *zap.Logger) *supervisor.Supervisor {
	c := p.Config.Client
	return supervisor.New(supervisor.Options{
		Binary:       c.Binary,
		PubKey:       c.PubKey,
		Profile:      c.Profile,
		ExtraArgs:    c.ExtraArgs,
		StartTimeout: c.StartTimeout.Duration,
		StopTimeout:  c.StopTimeout.Duration,
		DialAttempts: c.DialAttempts,
		DialBackoff:  c.DialBackoff.Duration,
	}, pub.Handle, machine, logger.Named("supervisor"))
}

func provideChannel(p Params, sup *supervisor.Supervisor, logger *zap.Logger) *rpc.Channel {
	return rpc.New(sup, rpc.Options{
		Timeout: p.Config.Client.CommandTimeout.Duration,
		Strict:  p.Config.Client.Strict,
	}, logger.Named("rpc"))
}

func provideSyncEngine(p Params, db *store.DB, dir *directory.Directory, ch *rpc.Channel, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	s := p.Config.Sync
	return intsync.NewEngine(db, dir, ch, b, intsync.Options{
		PageSize:       s.PageSize,
		RetryPasses:    s.RetryPasses,
		Force:          s.Force,
		BatchOnly:      s.BatchOnly,
		CommandTimeout: p.Config.Client.CommandTimeout.Duration,
		EventBuffer:    s.EventBuffer,
		MaxHoleSpan:    s.MaxHoleSpan,
	}, logger.Named("sync"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, runner *Runner, lk *lock.Lock, db *store.DB, sup *supervisor.Supervisor, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("status server error", zap.Error(err))
				}
			}()
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := runner.Stop(ctx); err != nil {
				logger.Warn("sync did not stop in time", zap.Error(err))
			}
			engine.Close()
			if err := sup.Close(); err != nil {
				logger.Warn("error stopping client", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("tgmirror stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
