package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/tgmirror/internal/bus"
	"github.com/matheus3301/tgmirror/internal/directory"
	"github.com/matheus3301/tgmirror/internal/peerid"
	"github.com/matheus3301/tgmirror/internal/rpc"
	"github.com/matheus3301/tgmirror/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeCLI answers commands from canned data the way telegram-cli does.
type fakeCLI struct {
	contacts []any
	// dialogs and channels return the listing page at offset.
	dialogs  func(limit, offset int) []any
	channels func(limit, offset int) []any
	// history holds each peer's messages, newest first.
	history map[string][]any
	// messages answers get_message by argument.
	messages map[string]any
	// fail makes the next n calls of a command line fail.
	fail  map[string]int
	calls []string
}

func newFakeCLI() *fakeCLI {
	return &fakeCLI{
		history:  make(map[string][]any),
		messages: make(map[string]any),
		fail:     make(map[string]int),
	}
}

func (f *fakeCLI) Call(_ context.Context, cmd rpc.Command) (*rpc.Answer, error) {
	line := cmd.String()
	f.calls = append(f.calls, line)
	if f.fail[line] > 0 {
		f.fail[line]--
		return nil, rpc.ErrConnectionLost
	}

	switch cmd.Verb {
	case rpc.VerbContactList:
		return answer(page(f.contacts, 0, len(f.contacts)))
	case rpc.VerbDialogList, rpc.VerbChannelList:
		list := f.dialogs
		if cmd.Verb == rpc.VerbChannelList {
			list = f.channels
		}
		if list == nil {
			return answer([]any{})
		}
		return answer(list(atoi(cmd.Args[0]), atoi(cmd.Args[1])))
	case rpc.VerbHistory:
		return answer(page(f.history[cmd.Args[0]], atoi(cmd.Args[2]), atoi(cmd.Args[1])))
	case rpc.VerbGetMessage:
		if m, ok := f.messages[cmd.Args[0]]; ok {
			return answer(m)
		}
		return answer(map[string]any{"result": "FAIL", "error_code": 400, "error": "MESSAGE_ID_INVALID"})
	}
	return nil, errors.New("unexpected command " + line)
}

// callsWith returns the recorded command lines starting with prefix.
func (f *fakeCLI) callsWith(prefix string) []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func answer(v any) (*rpc.Answer, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return rpc.ParseAnswer(b), nil
}

// page slices items like the CLI pages history: skip offset, take limit.
func page(items []any, offset, limit int) []any {
	out := make([]any, 0, limit)
	if offset >= len(items) {
		return out
	}
	end := min(offset+limit, len(items))
	return append(out, items[offset:end]...)
}

func staticListing(peers ...any) func(limit, offset int) []any {
	return func(limit, offset int) []any {
		return page(peers, offset, limit)
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func userPeer(id int32, name string) map[string]any {
	return map[string]any{"peer_type": "user", "peer_id": id, "print_name": name, "first_name": name}
}

func chatPeer(id int32, title string) map[string]any {
	return map[string]any{"peer_type": "chat", "peer_id": id, "print_name": title, "title": title}
}

func channelPeer(id int32, hash int64, title string) map[string]any {
	return map[string]any{"peer_type": "channel", "peer_id": id, "access_hash": hash, "print_name": title, "title": title}
}

var me = userPeer(1, "Me")

const msgFlags = 257

func message(id int64, from, to map[string]any) map[string]any {
	return map[string]any{
		"event": "message",
		"id":    id,
		"from":  from,
		"to":    to,
		"text":  "message " + strconv.FormatInt(id, 10),
		"date":  1_600_000_000 + id,
		"out":   true,
		"flags": msgFlags,
	}
}

// thread returns n outgoing messages to peer with ids n..1, newest first.
func thread(to map[string]any, n int) []any {
	out := make([]any, 0, n)
	for id := int64(n); id >= 1; id-- {
		out = append(out, message(id, me, to))
	}
	return out
}

func seedMessages(t *testing.T, db *store.DB, dest int64, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := db.UpsertMessage(&store.Message{ID: id, Dest: dest, Flags: msgFlags}); err != nil {
			t.Fatal(err)
		}
	}
}

func idRange(from, to int64) []int64 {
	var out []int64
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

func newEngine(t *testing.T, db *store.DB, cli *fakeCLI, b *bus.Bus, opts Options) *Engine {
	t.Helper()
	dir, err := directory.New(db, 0, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if opts.PageSize == 0 {
		opts.PageSize = 50
	}
	if opts.Seed == 0 {
		opts.Seed = 1
	}
	e := NewEngine(db, dir, cli, b, opts, zaptest.NewLogger(t))
	t.Cleanup(e.Close)
	return e
}

func checkpoint(t *testing.T, db *store.DB, key int64) (int64, store.SyncState) {
	t.Helper()
	cursor, state, err := NewReconciler(db, nil).Checkpoint(key)
	if err != nil {
		t.Fatal(err)
	}
	return cursor, state
}

func alice() (map[string]any, int64) {
	return userPeer(42, "Alice"), peerid.ID{Type: peerid.User, PeerID: 42}.Key()
}

func TestResumeFromCursor(t *testing.T) {
	db := testDB(t)
	peer, key := alice()

	// 240 messages already stored, the 10 oldest were never fetched.
	seedMessages(t, db, key, idRange(11, 250)...)
	if err := db.SetCursor(key, 200, store.Advancing); err != nil {
		t.Fatal(err)
	}

	cli := newFakeCLI()
	cli.dialogs = staticListing(peer)
	cli.history["user#id42"] = thread(peer, 250)

	rep, err := newEngine(t, db, cli, nil, Options{RetryPasses: 2}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	wantCalls := []string{
		"history user#id42 50 0",
		"history user#id42 50 200",
		"history user#id42 50 250",
	}
	if got := cli.callsWith("history"); !slices.Equal(got, wantCalls) {
		t.Errorf("history calls = %v, want %v", got, wantCalls)
	}
	if rep.NewMessages != 10 {
		t.Errorf("new messages = %d, want 10", rep.NewMessages)
	}
	cursor, state := checkpoint(t, db, key)
	if cursor != 300 || state != store.CaughtUp {
		t.Errorf("checkpoint = %d %s, want 300 caught_up", cursor, state)
	}
	if rep.Holes != 0 {
		t.Errorf("holes = %d, want 0", rep.Holes)
	}
	if got := cli.callsWith("get_message"); len(got) != 0 {
		t.Errorf("unexpected point lookups: %v", got)
	}
}

func TestRerunIsSingleProbe(t *testing.T) {
	db := testDB(t)
	peer, key := alice()

	cli := newFakeCLI()
	cli.dialogs = staticListing(peer)
	cli.history["user#id42"] = thread(peer, 120)

	e := newEngine(t, db, cli, nil, Options{})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	cursor, state := checkpoint(t, db, key)
	if cursor != 200 || state != store.CaughtUp {
		t.Fatalf("checkpoint after first run = %d %s, want 200 caught_up", cursor, state)
	}

	cli.calls = nil
	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := cli.callsWith("history"); !slices.Equal(got, []string{"history user#id42 50 0"}) {
		t.Errorf("history calls = %v, want the probe only", got)
	}
	if rep.NewMessages != 0 || rep.Holes != 0 {
		t.Errorf("report = %+v, want no new messages and no holes", rep)
	}
	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 120 {
		t.Errorf("message count = %d, want 120", count)
	}
	if again, _ := checkpoint(t, db, key); again != 200 {
		t.Errorf("cursor moved to %d", again)
	}
}

func TestNewMessagesOnCaughtUpDialog(t *testing.T) {
	db := testDB(t)
	peer, key := alice()

	seedMessages(t, db, key, idRange(1, 100)...)
	if err := db.SetCursor(key, 150, store.CaughtUp); err != nil {
		t.Fatal(err)
	}

	cli := newFakeCLI()
	cli.dialogs = staticListing(peer)
	cli.history["user#id42"] = thread(peer, 110)

	rep, err := newEngine(t, db, cli, nil, Options{BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"history user#id42 50 0", "history user#id42 50 50"}
	if got := cli.callsWith("history"); !slices.Equal(got, want) {
		t.Errorf("history calls = %v, want %v", got, want)
	}
	if rep.NewMessages != 10 {
		t.Errorf("new messages = %d, want 10", rep.NewMessages)
	}
	if cursor, state := checkpoint(t, db, key); cursor != 150 || state != store.CaughtUp {
		t.Errorf("checkpoint = %d %s, want 150 caught_up", cursor, state)
	}
}

func TestForceRescansCaughtUpDialog(t *testing.T) {
	db := testDB(t)
	peer, key := alice()

	seedMessages(t, db, key, idRange(1, 60)...)
	if err := db.SetCursor(key, 100, store.CaughtUp); err != nil {
		t.Fatal(err)
	}

	cli := newFakeCLI()
	cli.dialogs = staticListing(peer)
	cli.history["user#id42"] = thread(peer, 60)

	if _, err := newEngine(t, db, cli, nil, Options{Force: true, BatchOnly: true}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"history user#id42 50 0", "history user#id42 50 50", "history user#id42 50 100"}
	if got := cli.callsWith("history"); !slices.Equal(got, want) {
		t.Errorf("history calls = %v, want %v", got, want)
	}
}

func TestListingStopsOnRepeatedPage(t *testing.T) {
	db := testDB(t)

	cli := newFakeCLI()
	repeated := []any{userPeer(2, "Bob"), chatPeer(3, "Group")}
	cli.dialogs = func(limit, offset int) []any { return repeated }
	cli.channels = staticListing(channelPeer(9, 77, "News"))

	rep, err := newEngine(t, db, cli, nil, Options{BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(cli.callsWith("dialog_list")); got != 2 {
		t.Errorf("dialog_list calls = %d, want 2", got)
	}
	if got := len(cli.callsWith("channel_list")); got != 2 {
		t.Errorf("channel_list calls = %d, want 2", got)
	}
	if rep.Dialogs != 3 {
		t.Errorf("dialogs = %d, want 3", rep.Dialogs)
	}

	hash, err := db.AccessHash(peerid.ID{Type: peerid.Channel, PeerID: 9})
	if err != nil {
		t.Fatal(err)
	}
	if hash != 77 {
		t.Errorf("channel access hash = %d, want 77", hash)
	}
}

func TestListingStopsOnAlternatingPages(t *testing.T) {
	db := testDB(t)

	cli := newFakeCLI()
	pages := [][]any{
		{userPeer(2, "Bob"), chatPeer(3, "Group")},
		{userPeer(4, "Carol")},
	}
	cli.dialogs = func(limit, offset int) []any { return pages[(offset/limit)%2] }

	rep, err := newEngine(t, db, cli, nil, Options{BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(cli.callsWith("dialog_list")); got != 3 {
		t.Errorf("dialog_list calls = %d, want 3", got)
	}
	if rep.Dialogs != 3 {
		t.Errorf("dialogs = %d, want 3", rep.Dialogs)
	}
}

func TestRetryConverges(t *testing.T) {
	db := testDB(t)

	cli := newFakeCLI()
	peers := []any{userPeer(2, "Bob"), userPeer(3, "Carol"), chatPeer(4, "Group")}
	cli.dialogs = staticListing(peers...)
	for _, name := range []string{"user#id2", "user#id3", "chat#id4"} {
		cli.fail["history "+name+" 50 0"] = 1
	}
	cli.history["user#id2"] = thread(userPeer(2, "Bob"), 70)

	rep, err := newEngine(t, db, cli, nil, Options{RetryPasses: 2, BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.FailedDialogs != 0 {
		t.Errorf("failed dialogs = %d, want 0", rep.FailedDialogs)
	}
	if rep.NewMessages != 70 {
		t.Errorf("new messages = %d, want 70", rep.NewMessages)
	}
	// Every dialog: one failed probe, then the successful pass.
	if got := len(cli.callsWith("history user#id3 ")); got != 2 {
		t.Errorf("history calls for user#id3 = %d, want 2", got)
	}
}

func TestSuspendedDialogResumesAtFailedPage(t *testing.T) {
	db := testDB(t)
	peer, key := alice()

	cli := newFakeCLI()
	cli.dialogs = staticListing(peer)
	cli.history["user#id42"] = thread(peer, 120)
	cli.fail["history user#id42 50 50"] = 1

	rep, err := newEngine(t, db, cli, nil, Options{RetryPasses: 1, BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"history user#id42 50 0",
		"history user#id42 50 50",
		"history user#id42 50 50",
		"history user#id42 50 100",
		"history user#id42 50 150",
	}
	if got := cli.callsWith("history"); !slices.Equal(got, want) {
		t.Errorf("history calls = %v, want %v", got, want)
	}
	if rep.FailedDialogs != 0 || rep.NewMessages != 120 {
		t.Errorf("report = %+v", rep)
	}
	if cursor, state := checkpoint(t, db, key); cursor != 200 || state != store.CaughtUp {
		t.Errorf("checkpoint = %d %s, want 200 caught_up", cursor, state)
	}
}

func TestInterruptedDialogResumesNextRun(t *testing.T) {
	db := testDB(t)
	peer, key := alice()

	cli := newFakeCLI()
	cli.dialogs = staticListing(peer)
	cli.history["user#id42"] = thread(peer, 120)
	cli.fail["history user#id42 50 50"] = 10

	rep, err := newEngine(t, db, cli, nil, Options{RetryPasses: 1, BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.FailedDialogs != 1 {
		t.Fatalf("failed dialogs = %d, want 1", rep.FailedDialogs)
	}
	if cursor, state := checkpoint(t, db, key); cursor != 50 || state != store.Advancing {
		t.Fatalf("checkpoint = %d %s, want 50 advancing", cursor, state)
	}

	cli.fail = map[string]int{}
	cli.calls = nil
	rep, err = newEngine(t, db, cli, nil, Options{BatchOnly: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"history user#id42 50 0",
		"history user#id42 50 50",
		"history user#id42 50 100",
		"history user#id42 50 150",
	}
	if got := cli.callsWith("history"); !slices.Equal(got, want) {
		t.Errorf("history calls = %v, want %v", got, want)
	}
	if rep.NewMessages != 70 {
		t.Errorf("new messages = %d, want 70", rep.NewMessages)
	}
	if _, state := checkpoint(t, db, key); state != store.CaughtUp {
		t.Errorf("state = %s, want caught_up", state)
	}
}

func TestRunRecordsOutcome(t *testing.T) {
	db := testDB(t)
	cli := newFakeCLI()
	cli.contacts = []any{userPeer(7, "Dave")}

	rep, err := newEngine(t, db, cli, nil, Options{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	run, err := db.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if run == nil || run.RunID != rep.RunID || run.Status != store.RunCompleted {
		t.Errorf("run = %+v, want completed %s", run, rep.RunID)
	}
	info, err := db.GetPeerInfo(peerid.ID{Type: peerid.User, PeerID: 7}.Key())
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.PrintName != "Dave" {
		t.Errorf("contact = %+v, want Dave", info)
	}
}

func TestRunCancelled(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(t, db, newFakeCLI(), nil, Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	run, err := db.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
}
