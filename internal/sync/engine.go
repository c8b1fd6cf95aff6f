// Package sync mirrors dialog history from the CLI into the store. Each
// dialog is paged with a persisted cursor so an interrupted run resumes
// where it stopped; failed dialogs are retried in shuffled passes, id
// holes are filled by point lookup and push events are ingested between
// steps.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/bus"
	"github.com/matheus3301/tgmirror/internal/directory"
	"github.com/matheus3301/tgmirror/internal/rpc"
	"github.com/matheus3301/tgmirror/internal/store"
	"github.com/matheus3301/tgmirror/internal/supervisor"
)

// ErrStoreWrite wraps every store failure met during a run. It is fatal:
// the run stops and the process exits non-zero.
var ErrStoreWrite = errors.New("store write failed")

func storeErr(err error) error {
	if err == nil || errors.Is(err, ErrStoreWrite) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreWrite, err)
}

// Caller issues one command and returns its answer. *rpc.Channel
// implements it.
type Caller interface {
	Call(ctx context.Context, cmd rpc.Command) (*rpc.Answer, error)
}

// Options tunes a sync run.
type Options struct {
	// PageSize is the history and listing page size (K).
	PageSize int
	// RetryPasses bounds how many times failed items are retried after the
	// first pass.
	RetryPasses int
	// Force ignores caught-up markers and rescans every dialog.
	Force bool
	// BatchOnly skips the hole pass.
	BatchOnly bool
	// CommandTimeout bounds one command, including after cancellation.
	CommandTimeout time.Duration
	// EventBuffer is the push event queue size.
	EventBuffer int
	// MaxHoleSpan skips the hole pass of a namespace with more unresolved
	// ids than this.
	MaxHoleSpan int64
	// Seed makes the dialog order reproducible. Zero picks a random seed.
	Seed uint64
}

func (o *Options) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.RetryPasses < 0 {
		o.RetryPasses = 0
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	if o.MaxHoleSpan <= 0 {
		o.MaxHoleSpan = DefaultMaxHoleSpan
	}
}

// Report summarizes a run.
type Report struct {
	RunID         string
	Dialogs       int
	NewMessages   int
	Events        int
	FailedDialogs int
	Holes         int
	Missing       int
	FailedHoles   int
}

// Engine runs sync passes. It is not safe for concurrent use; Run and
// Follow must not overlap.
type Engine struct {
	db      *store.DB
	dir     *directory.Directory
	cursors *Reconciler
	caller  Caller
	events  <-chan bus.Event
	unsub   func()
	opts    Options
	rng     *rand.Rand
	logger  *zap.Logger
}

// NewEngine creates an engine and subscribes it to CLI push events on b.
// A nil bus disables event ingestion.
func NewEngine(db *store.DB, dir *directory.Directory, caller Caller, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:      db,
		dir:     dir,
		cursors: NewReconciler(db, logger),
		caller:  caller,
		opts:    opts,
		logger:  logger,
		unsub:   func() {},
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if b != nil {
		e.events, e.unsub = b.Subscribe("cli.", opts.EventBuffer)
	}
	return e
}

// Close cancels the push event subscription.
func (e *Engine) Close() {
	e.unsub()
}

// Run performs one full pass: contacts, dialog enumeration, per-dialog
// history, retries and the hole pass. The run is recorded in the store
// whatever its outcome.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	rep := &Report{RunID: uuid.NewString()}
	if err := e.db.StartRun(rep.RunID); err != nil {
		return rep, storeErr(err)
	}
	e.logger.Info("sync run started",
		zap.String("run_id", rep.RunID),
		zap.Int("page_size", e.opts.PageSize),
		zap.Bool("force", e.opts.Force),
	)

	start := time.Now()
	err := e.run(ctx, rep)
	if ferr := e.finish(rep, err); ferr != nil && err == nil {
		err = ferr
	}

	fields := []zap.Field{
		zap.String("run_id", rep.RunID),
		zap.Int("dialogs", rep.Dialogs),
		zap.Int("new_messages", rep.NewMessages),
		zap.Int("events", rep.Events),
		zap.Int("failed_dialogs", rep.FailedDialogs),
		zap.Int("holes", rep.Holes),
		zap.Int("missing", rep.Missing),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		e.logger.Error("sync run stopped", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("sync run finished", fields...)
	}
	return rep, err
}

func (e *Engine) run(ctx context.Context, rep *Report) error {
	if err := e.syncContacts(ctx); err != nil {
		return err
	}
	if err := e.drain(rep); err != nil {
		return err
	}

	dialogs, err := e.listDialogs(ctx)
	if err != nil {
		return err
	}
	rep.Dialogs = len(dialogs)

	tasks := make([]*task, 0, len(dialogs))
	for _, d := range dialogs {
		t, err := e.newTask(d)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	failed, err := converge(ctx, e, rep, tasks, func(t *task) error {
		return e.syncDialog(ctx, t, rep)
	})
	rep.FailedDialogs = len(failed)
	for _, t := range failed {
		e.logger.Warn("dialog left incomplete",
			zap.String("peer", t.id.Name()),
			zap.String("name", t.name),
			zap.Int64("cursor", t.pos),
		)
	}
	if err != nil {
		return err
	}

	if !e.opts.BatchOnly {
		if err := e.fillHoles(ctx, rep); err != nil {
			return err
		}
	}
	return e.drain(rep)
}

func (e *Engine) finish(rep *Report, runErr error) error {
	r := &store.Run{
		RunID:         rep.RunID,
		Status:        store.RunCompleted,
		Dialogs:       rep.Dialogs,
		NewMessages:   rep.NewMessages,
		FailedDialogs: rep.FailedDialogs,
		Holes:         rep.Holes,
		HolesMissing:  rep.Missing,
	}
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		r.Status = store.RunCancelled
		r.ErrorMessage = runErr.Error()
	default:
		r.Status = store.RunFailed
		r.ErrorMessage = runErr.Error()
	}
	return storeErr(e.db.FinishRun(r))
}

// call runs cmd on a context that survives cancellation of ctx, bounded
// by the command timeout, so an answer is never left half-read.
func (e *Engine) call(ctx context.Context, cmd rpc.Command) (*rpc.Answer, error) {
	cctx := context.WithoutCancel(ctx)
	if e.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, e.opts.CommandTimeout)
		defer cancel()
	}
	ans, err := e.caller.Call(cctx, cmd)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", rpc.ErrTimeout, cmd)
	}
	return ans, err
}

// callRetrying is call with up to RetryPasses immediate retries of
// retryable failures.
func (e *Engine) callRetrying(ctx context.Context, cmd rpc.Command) (*rpc.Answer, error) {
	var err error
	for attempt := 0; attempt <= e.opts.RetryPasses; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		var ans *rpc.Answer
		ans, err = e.call(ctx, cmd)
		if err == nil {
			return ans, nil
		}
		if !rpc.IsRetryable(err) {
			return nil, err
		}
		e.logger.Debug("command retry",
			zap.String("cmd", cmd.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, err
}

// isFatal reports whether err must stop the run instead of suspending the
// current item.
func isFatal(err error) bool {
	return errors.Is(err, ErrStoreWrite) ||
		errors.Is(err, supervisor.ErrSpawn) ||
		errors.Is(err, supervisor.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// converge runs step over items in shuffled passes. Items failing with a
// non-fatal error are requeued for the next pass, up to RetryPasses extra
// passes. Push events are drained before every step. It returns the items
// still failing, and the fatal error that stopped it, if any.
func converge[T any](ctx context.Context, e *Engine, rep *Report, items []T, step func(T) error) ([]T, error) {
	pending := items
	for pass := 0; len(pending) > 0 && pass <= e.opts.RetryPasses; pass++ {
		e.rng.Shuffle(len(pending), func(i, j int) {
			pending[i], pending[j] = pending[j], pending[i]
		})
		if pass > 0 {
			e.logger.Info("retry pass", zap.Int("pass", pass), zap.Int("items", len(pending)))
		}

		var failed []T
		for i, item := range pending {
			if err := ctx.Err(); err != nil {
				return append(failed, pending[i:]...), err
			}
			if err := e.drain(rep); err != nil {
				return append(failed, pending[i:]...), err
			}
			if err := step(item); err != nil {
				if isFatal(err) {
					return append(failed, pending[i:]...), err
				}
				e.logger.Debug("item suspended", zap.Int("pass", pass), zap.Error(err))
				failed = append(failed, item)
			}
		}
		pending = failed
	}
	return pending, nil
}
