package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/tgmirror/internal/app"
	"github.com/matheus3301/tgmirror/internal/directory"
	"github.com/matheus3301/tgmirror/internal/profile"
	"github.com/matheus3301/tgmirror/internal/store"
	intsync "github.com/matheus3301/tgmirror/internal/sync"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	dbFlag := flag.String("db", "", "database path (default: profile database)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = profile.DBPath(profileName)
	}

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmdStatus(ctx, profileName, *jsonFlag)
	case "stats":
		cmdStats(openDB(dbPath), *jsonFlag)
	case "find":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: tgmirrorctl find <query>")
			os.Exit(1)
		}
		cmdFind(openDB(dbPath), args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tgmirrorctl [--profile <name>] [--db <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show whether a mirror is running and connected")
	fmt.Fprintln(os.Stderr, "  stats            Show database totals, dialog states and holes")
	fmt.Fprintln(os.Stderr, "  find <query>     Look a peer up by key, name or display name")
}

func openDB(path string) *store.DB {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: no database at %s\n", path)
		os.Exit(1)
	}
	db, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return db
}

type statusOutput struct {
	Profile string `json:"profile"`
	Running bool   `json:"running"`
	Client  string `json:"client"`
}

func cmdStatus(ctx context.Context, profileName string, jsonOut bool) {
	out := statusOutput{Profile: profileName, Client: "unknown"}

	conn, err := grpc.NewClient(
		"unix://"+profile.SocketPath(profileName),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	if _, err := client.Check(ctx, &healthpb.HealthCheckRequest{}); err == nil {
		out.Running = true
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: app.ServiceClient})
		if err == nil {
			out.Client = resp.Status.String()
		}
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile: %s\n", out.Profile)
	if !out.Running {
		fmt.Println("Mirror:  not running")
		return
	}
	fmt.Println("Mirror:  running")
	fmt.Printf("Client:  %s\n", out.Client)
}

type statsOutput struct {
	Peers     int                       `json:"peers"`
	Messages  int64                     `json:"messages"`
	States    map[store.SyncState]int64 `json:"states"`
	Holes     map[string]int64          `json:"holes"`
	LatestRun *store.Run                `json:"latest_run,omitempty"`
}

func cmdStats(db *store.DB, jsonOut bool) {
	defer func() { _ = db.Close() }()

	peers, err := db.ListPeerInfo()
	check(err)
	count, err := db.MessageCount()
	check(err)
	states, err := db.StateCounts()
	check(err)
	run, err := db.LatestRun()
	check(err)

	holes := make(map[string]int64)
	nss, err := db.Namespaces()
	check(err)
	for _, ns := range nss {
		ids, err := db.MessageIDs(ns)
		check(err)
		gone, err := db.MissingIDs(ns)
		check(err)
		name := "self"
		if ns.IsChannel() {
			name = fmt.Sprintf("channel:%d", ns.Channel)
		}
		holes[name] = intsync.HoleSpan(ids) - int64(len(gone))
	}

	out := statsOutput{Peers: len(peers), Messages: count, States: states, Holes: holes, LatestRun: run}
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Peers:    %d\n", out.Peers)
	fmt.Printf("Messages: %d\n", out.Messages)
	for _, s := range []store.SyncState{store.Unsynced, store.Bootstrapping, store.Advancing, store.CaughtUp} {
		fmt.Printf("  %-14s %d\n", s, states[s])
	}
	for name, n := range holes {
		fmt.Printf("Holes %-20s %d\n", name, n)
	}
	if run != nil {
		fmt.Printf("Last run: %s %s (%d dialogs, %d new messages, %d failed)\n",
			run.RunID, run.Status, run.Dialogs, run.NewMessages, run.FailedDialogs)
	}
}

type findOutput struct {
	Key     int64           `json:"key"`
	Peer    string          `json:"peer"`
	Name    string          `json:"name"`
	Cursor  *int64          `json:"cursor"`
	State   store.SyncState `json:"state"`
	Unknown bool            `json:"unknown"`
}

func cmdFind(db *store.DB, query string, jsonOut bool) {
	defer func() { _ = db.Close() }()

	dir, err := directory.New(db, 1, nil)
	check(err)
	entry, err := dir.Find(query)
	check(err)

	out := findOutput{
		Key:     entry.Key(),
		Name:    entry.Name,
		Cursor:  entry.Cursor,
		State:   entry.State,
		Unknown: entry.Unknown,
	}
	if entry.Key() != 0 {
		out.Peer = entry.ID.Name()
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if out.Unknown && out.Key == 0 {
		fmt.Printf("No peer matches %q\n", query)
		return
	}
	fmt.Printf("Peer:   %s (key %d)\n", out.Peer, out.Key)
	fmt.Printf("Name:   %s\n", out.Name)
	if out.Unknown {
		fmt.Println("Not recorded in this database.")
		return
	}
	cursor := "-"
	if out.Cursor != nil {
		cursor = fmt.Sprint(*out.Cursor)
	}
	fmt.Printf("State:  %s (cursor %s)\n", out.State, cursor)
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
