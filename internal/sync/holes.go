package sync

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/peerid"
	"github.com/matheus3301/tgmirror/internal/rpc"
	"github.com/matheus3301/tgmirror/internal/store"
	"github.com/matheus3301/tgmirror/internal/tgcli"
)

// DefaultMaxHoleSpan is the hole span limit used when none is configured.
const DefaultMaxHoleSpan = 1_000_000

// Holes returns the ids in [1, max(ids)] missing from ids, ascending.
// Non-positive ids are ignored and ids need not be sorted.
func Holes(ids []int64) []int64 {
	known := distinctPositive(ids)

	var out []int64
	next := int64(1)
	for _, id := range known {
		for ; next < id; next++ {
			out = append(out, next)
		}
		next = id + 1
	}
	return out
}

// HoleSpan returns len(Holes(ids)) without building the list.
func HoleSpan(ids []int64) int64 {
	known := distinctPositive(ids)
	if len(known) == 0 {
		return 0
	}
	return known[len(known)-1] - int64(len(known))
}

func distinctPositive(ids []int64) []int64 {
	known := slices.Clone(ids)
	slices.Sort(known)
	known = slices.Compact(known)
	i, _ := slices.BinarySearch(known, 1)
	return known[i:]
}

// Unresolved returns the holes of ids not recorded as missing.
func Unresolved(ids, missing []int64) []int64 {
	gone := make(map[int64]struct{}, len(missing))
	for _, id := range missing {
		gone[id] = struct{}{}
	}
	return slices.DeleteFunc(Holes(ids), func(id int64) bool {
		_, ok := gone[id]
		return ok
	})
}

// hole is one missing message id within a namespace. arg is the
// get_message argument addressing it.
type hole struct {
	ns  store.Namespace
	id  int64
	arg string
}

// fillHoles looks up every id missing from each namespace. Ids the
// service reports as nonexistent are recorded and not asked for again;
// other failures are retried like dialogs.
func (e *Engine) fillHoles(ctx context.Context, rep *Report) error {
	nss, err := e.db.Namespaces()
	if err != nil {
		return storeErr(err)
	}

	var holes []hole
	for _, ns := range nss {
		ids, err := e.db.MessageIDs(ns)
		if err != nil {
			return storeErr(err)
		}
		gone, err := e.db.MissingIDs(ns)
		if err != nil {
			return storeErr(err)
		}
		if span := HoleSpan(ids) - int64(len(gone)); span > e.opts.MaxHoleSpan {
			e.logger.Warn("namespace skipped, too many holes",
				zap.Int64("namespace", ns.Channel),
				zap.Int64("holes", span),
				zap.Int64("max", e.opts.MaxHoleSpan),
			)
			continue
		}
		missing := Unresolved(ids, gone)
		if len(missing) == 0 {
			continue
		}
		format, err := e.holeFormat(ns)
		if err != nil {
			return err
		}
		for _, id := range missing {
			holes = append(holes, hole{ns: ns, id: id, arg: format(id)})
		}
	}
	rep.Holes = len(holes)
	if len(holes) == 0 {
		return nil
	}
	e.logger.Info("filling holes", zap.Int("holes", len(holes)), zap.Int("namespaces", len(nss)))

	failed, err := converge(ctx, e, rep, holes, func(h hole) error {
		return e.fetchHole(ctx, h, rep)
	})
	rep.FailedHoles = len(failed)
	return err
}

// holeFormat returns how ids of ns are addressed: plain decimal ids for
// the shared space, the long form carrying the channel and its access
// hash for channels.
func (e *Engine) holeFormat(ns store.Namespace) (func(int64) string, error) {
	if !ns.IsChannel() {
		return func(id int64) string { return strconv.FormatInt(id, 10) }, nil
	}
	peer, err := peerid.FromKey(ns.Channel)
	if err != nil {
		return nil, fmt.Errorf("channel namespace %d: %w", ns.Channel, err)
	}
	hash, err := e.dir.AccessHash(peer)
	if err != nil {
		return nil, storeErr(err)
	}
	peer.AccessHash = hash
	return func(id int64) string {
		return peerid.EncodeMessageID(peerid.MessageID{Peer: peer, ID: id})
	}, nil
}

func (e *Engine) fetchHole(ctx context.Context, h hole, rep *Report) error {
	cmd, err := rpc.GetMessage(h.arg)
	if err != nil {
		return err
	}
	ans, err := e.call(ctx, cmd)
	if err != nil {
		return err
	}
	if !tgcli.IsMessage(ans.JSON) {
		if err := e.db.MarkMissing(h.ns, h.id); err != nil {
			return storeErr(err)
		}
		rep.Missing++
		e.logger.Debug("message does not exist", zap.Int64("id", h.id), zap.Int64("namespace", h.ns.Channel))
		return nil
	}
	m, err := tgcli.DecodeMessage(ans.JSON)
	if err != nil {
		return err
	}
	inserted, err := e.ingestMessages([]*tgcli.Message{m})
	if err != nil {
		return err
	}
	rep.NewMessages += inserted
	return nil
}
