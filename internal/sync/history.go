package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/rpc"
	"github.com/matheus3301/tgmirror/internal/store"
	"github.com/matheus3301/tgmirror/internal/tgcli"
)

type phase int

const (
	// phaseProbe fetches the newest page to see whether anything changed.
	phaseProbe phase = iota
	// phaseHead pages through messages newer than the stored ones.
	phaseHead
	// phaseTail pages towards the start of history from the cursor.
	phaseTail
	phaseDone
)

// task is the in-memory progress of one dialog. A suspended task keeps its
// phase and position so a retry resumes at the failed page.
type task struct {
	dialog
	state  store.SyncState
	cursor int64
	phase  phase
	pos    int64
}

func (e *Engine) newTask(d dialog) (*task, error) {
	cursor, state, err := e.cursors.Checkpoint(d.id.Key())
	if err != nil {
		return nil, err
	}
	return &task{dialog: d, state: state, cursor: cursor}, nil
}

// syncDialog runs t until it is done, the context ends or a page fails.
func (e *Engine) syncDialog(ctx context.Context, t *task, rep *Report) error {
	for t.phase != phaseDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.step(ctx, t, rep); err != nil {
			return err
		}
	}
	return nil
}

// step fetches and ingests one page of t and moves it forward.
//
// The probe fetches offset 0. An empty probe means the dialog has no
// history. A probe with no new rows on a caught-up dialog ends the dialog
// unless the run is forced. Otherwise new rows lead into the head phase,
// which pages until a page brings nothing new; caught-up dialogs stop
// there. All others continue with the tail phase from the stored cursor
// until an empty page marks the start of history.
func (e *Engine) step(ctx context.Context, t *task, rep *Report) error {
	key := t.id.Key()
	k := int64(e.opts.PageSize)

	offset := t.pos
	if t.phase == phaseProbe {
		offset = 0
		if t.state == store.Unsynced {
			if err := e.cursors.Begin(key); err != nil {
				return err
			}
			t.state = store.Bootstrapping
		}
	}

	page, err := e.fetchHistory(ctx, t, offset)
	if err != nil {
		return err
	}
	inserted, err := e.ingestMessages(page)
	if err != nil {
		return err
	}
	rep.NewMessages += inserted

	e.logger.Debug("history page",
		zap.String("peer", t.id.Name()),
		zap.Int64("offset", offset),
		zap.Int("messages", len(page)),
		zap.Int("new", inserted),
	)

	switch t.phase {
	case phaseProbe:
		if len(page) == 0 {
			return e.complete(t)
		}
		if inserted == 0 && t.state == store.CaughtUp && !e.opts.Force {
			t.phase = phaseDone
			return nil
		}
		t.pos = k
		if inserted > 0 {
			t.phase = phaseHead
		} else {
			e.enterTail(t)
		}
	case phaseHead:
		t.pos = offset + k
		if len(page) == 0 {
			return e.complete(t)
		}
		if inserted == 0 {
			if t.state == store.CaughtUp && !e.opts.Force {
				return e.complete(t)
			}
			e.enterTail(t)
		}
	case phaseTail:
		t.pos = offset + k
		if len(page) == 0 {
			return e.complete(t)
		}
	}
	return e.cursors.Advance(key, t.pos)
}

// enterTail switches t to the tail phase. Unless forced, paging skips
// ahead to the stored cursor, which the previous pass already covered.
func (e *Engine) enterTail(t *task) {
	t.phase = phaseTail
	if !e.opts.Force && t.cursor > t.pos {
		t.pos = t.cursor
	}
}

func (e *Engine) complete(t *task) error {
	t.phase = phaseDone
	if err := e.cursors.Complete(t.id.Key(), t.pos); err != nil {
		return err
	}
	t.state = store.CaughtUp
	return nil
}

func (e *Engine) fetchHistory(ctx context.Context, t *task, offset int64) ([]*tgcli.Message, error) {
	cmd, err := rpc.History(t.id.Name(), e.opts.PageSize, int(offset))
	if err != nil {
		return nil, err
	}
	ans, err := e.call(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !ans.IsJSON() {
		return nil, fmt.Errorf("%s: unexpected answer %q", cmd, truncate(ans.Text(), 80))
	}
	msgs, err := tgcli.DecodeMessages(ans.JSON)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return msgs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
