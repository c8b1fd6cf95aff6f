package app

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/supervisor"
	intsync "github.com/matheus3301/tgmirror/internal/sync"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// ExitCode maps a run error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return ExitFailure
}

// Syncer is the part of the sync engine the runner drives.
type Syncer interface {
	Run(ctx context.Context) (*intsync.Report, error)
	Follow(ctx context.Context) error
}

// Runner performs the sync run in the background and shuts the app down
// with the run's exit code when it ends. In continuous mode it keeps
// ingesting live events after the run until stopped.
type Runner struct {
	syncer     Syncer
	continuous bool
	shutdowner fx.Shutdowner
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	report *intsync.Report
	err    error
}

// NewRunner creates a Runner for the configured mode.
func NewRunner(p Params, engine *intsync.Engine, shutdowner fx.Shutdowner, logger *zap.Logger) *Runner {
	return newRunner(engine, p.Config.Sync.Continuous, shutdowner, logger)
}

func newRunner(s Syncer, continuous bool, shutdowner fx.Shutdowner, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{syncer: s, continuous: continuous, shutdowner: shutdowner, logger: logger}
}

// Start launches the run.
func (r *Runner) Start() {
	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.err = r.run(ctx)
		if ctx.Err() != nil {
			// Stopped from outside; the app is already shutting down.
			return
		}
		code := ExitCode(r.err)
		if err := r.shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
			r.logger.Error("shutdown failed", zap.Error(err))
		}
	}()
}

func (r *Runner) run(ctx context.Context) error {
	rep, err := r.syncer.Run(ctx)
	r.report = rep
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil
		}
		if errors.Is(err, supervisor.ErrSpawn) {
			r.logger.Error("telegram-cli could not be started", zap.Error(err))
		}
		return err
	}
	if !r.continuous {
		return nil
	}
	return r.syncer.Follow(ctx)
}

// Stop cancels the run and waits for it to wind down or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the last report and error. It is only meaningful after
// the run goroutine has finished.
func (r *Runner) Result() (*intsync.Report, error) {
	return r.report, r.err
}
