package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/tgmirror/internal/bus"
	"github.com/matheus3301/tgmirror/internal/config"
	"github.com/matheus3301/tgmirror/internal/status"
	"github.com/matheus3301/tgmirror/internal/supervisor"
	intsync "github.com/matheus3301/tgmirror/internal/sync"
)

func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{ProfileName: "test", Config: config.Default()})); err != nil {
		t.Fatalf("ValidateApp() = %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != ExitOK {
		t.Errorf("ExitCode(nil) = %d", got)
	}
	if got := ExitCode(supervisor.ErrSpawn); got != ExitFailure {
		t.Errorf("ExitCode(ErrSpawn) = %d", got)
	}
	if got := ExitCode(intsync.ErrStoreWrite); got != ExitFailure {
		t.Errorf("ExitCode(ErrStoreWrite) = %d", got)
	}
}

type fakeSyncer struct {
	err      error
	followed chan struct{}
}

func (f *fakeSyncer) Run(context.Context) (*intsync.Report, error) {
	return &intsync.Report{RunID: "r1", NewMessages: 3}, f.err
}

func (f *fakeSyncer) Follow(ctx context.Context) error {
	close(f.followed)
	<-ctx.Done()
	return nil
}

type fakeShutdowner struct {
	called chan struct{}
}

func (f *fakeShutdowner) Shutdown(...fx.ShutdownOption) error {
	close(f.called)
	return nil
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRunnerShutsDownAfterRun(t *testing.T) {
	for _, runErr := range []error{nil, intsync.ErrStoreWrite} {
		sd := &fakeShutdowner{called: make(chan struct{})}
		r := newRunner(&fakeSyncer{err: runErr}, false, sd, zaptest.NewLogger(t))
		r.Start()
		waitClosed(t, sd.called, "shutdown")
		if err := r.Stop(context.Background()); err != nil {
			t.Fatal(err)
		}

		rep, err := r.Result()
		if !errors.Is(err, runErr) || (runErr == nil && err != nil) {
			t.Errorf("Result() error = %v, want %v", err, runErr)
		}
		if rep == nil || rep.NewMessages != 3 {
			t.Errorf("Result() report = %+v", rep)
		}
	}
}

func TestRunnerContinuousFollowsUntilStopped(t *testing.T) {
	sd := &fakeShutdowner{called: make(chan struct{})}
	s := &fakeSyncer{followed: make(chan struct{})}
	r := newRunner(s, true, sd, zaptest.NewLogger(t))
	r.Start()
	waitClosed(t, s.followed, "follow")

	if err := r.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sd.called:
		t.Error("runner stopped from outside must not request shutdown")
	default:
	}
}

func TestServerReportsClientHealth(t *testing.T) {
	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "tgm-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "s.sock")

	b := bus.New()
	machine := status.NewMachine(b)
	srv, err := NewServer(Params{SocketPath: socketPath}, machine, b, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Start()
	}()

	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service}, grpc.WaitForReady(true))
		if err != nil {
			t.Fatalf("Check(%q) error = %v", service, err)
		}
		return resp.Status
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v, want SERVING", got)
	}
	if got := check(ServiceClient); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("client status = %v, want NOT_SERVING", got)
	}

	_ = machine.Transition(status.Starting)
	_ = machine.Transition(status.Connected)
	deadline := time.Now().Add(5 * time.Second)
	for check(ServiceClient) != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("client status never became SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.Stop(context.Background())
	waitClosed(t, served, "server exit")
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file still present: %v", err)
	}
}
