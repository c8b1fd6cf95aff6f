// Package supervisor owns the telegram-cli child process: it spawns it with
// a private socket, waits for the socket, hands out the connection and reads
// the process output line by line.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/matheus3301/tgmirror/internal/status"
)

var (
	// ErrSpawn means the client binary could not be started at all.
	ErrSpawn = errors.New("cannot start client process")
	// ErrNotReady means the process started but its socket never accepted
	// a connection.
	ErrNotReady = errors.New("client endpoint not ready")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)

const socketName = "cli.sock"

// LineHandler receives every line the process prints, without the
// trailing newline. It runs on the reader goroutine.
type LineHandler func(line []byte)

// Options configures the child process.
type Options struct {
	Binary       string
	PubKey       string
	Profile      string
	ExtraArgs    []string
	Env          []string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	DialAttempts int
	DialBackoff  time.Duration
}

func (o *Options) setDefaults() {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = 10
	}
	if o.DialBackoff <= 0 {
		o.DialBackoff = 500 * time.Millisecond
	}
}

// instance is one spawned process.
type instance struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

func (i *instance) alive() bool {
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// Supervisor manages at most one live process at a time.
type Supervisor struct {
	opts    Options
	lines   LineHandler
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	tmpDir string
	proc   *instance
	conn   net.Conn
	closed bool
}

// New creates a supervisor. Nothing is spawned until the first Ensure.
func New(opts Options, lines LineHandler, machine *status.Machine, logger *zap.Logger) *Supervisor {
	opts.setDefaults()
	if lines == nil {
		lines = func([]byte) {}
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		opts:    opts,
		lines:   lines,
		machine: machine,
		logger:  logger,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() status.State {
	return s.machine.Current()
}

// Pid returns the pid of the live process, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || !s.proc.alive() {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// SocketPath returns the path of the command socket.
func (s *Supervisor) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmpDir == "" {
		return ""
	}
	return filepath.Join(s.tmpDir, socketName)
}

// Ensure returns a usable connection, spawning the process if it is not
// running and redialling if only the connection was dropped.
func (s *Supervisor) Ensure(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.proc != nil && !s.proc.alive() {
		s.reapLocked(s.proc)
	}
	if s.proc != nil {
		if s.conn != nil {
			return s.conn, nil
		}
		conn, err := s.dial(ctx)
		if err != nil {
			return nil, err
		}
		s.conn = conn
		return conn, nil
	}

	if err := s.spawn(ctx); err != nil {
		return nil, err
	}
	return s.conn, nil
}

// Invalidate drops conn if it is still the current connection. The next
// Ensure dials again.
func (s *Supervisor) Invalidate(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn == nil || s.conn != conn {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	s.logger.Debug("connection invalidated")
}

// spawn starts a new process and waits until its socket accepts a
// connection. Called with mu held.
func (s *Supervisor) spawn(ctx context.Context) error {
	if err := s.machine.Transition(status.Starting); err != nil {
		return err
	}

	if s.tmpDir == "" {
		dir, err := os.MkdirTemp("", "tgmirror-")
		if err != nil {
			_ = s.machine.Transition(status.Dead)
			return fmt.Errorf("%w: temp dir: %v", ErrSpawn, err)
		}
		s.tmpDir = dir
	}
	sock := filepath.Join(s.tmpDir, socketName)
	_ = os.Remove(sock)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = s.machine.Transition(status.Dead)
		return fmt.Errorf("%w: watcher: %v", ErrNotReady, err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(s.tmpDir); err != nil {
		_ = s.machine.Transition(status.Dead)
		return fmt.Errorf("%w: watch %s: %v", ErrNotReady, s.tmpDir, err)
	}

	proc, err := s.start(sock)
	if err != nil {
		_ = s.machine.Transition(status.Dead)
		return err
	}
	s.proc = proc
	s.logger.Info("client process started",
		zap.Int("pid", proc.cmd.Process.Pid),
		zap.String("socket", sock),
	)

	if err := s.waitSocket(ctx, watcher, sock, proc); err != nil {
		s.kill(proc)
		return err
	}
	conn, err := s.dial(ctx)
	if err != nil {
		s.kill(proc)
		return err
	}
	s.conn = conn
	return s.machine.Transition(status.Connected)
}

func (s *Supervisor) args(sock string) []string {
	var args []string
	if s.opts.PubKey != "" {
		args = append(args, "-k", s.opts.PubKey)
	}
	args = append(args, "--json", "-R", "-C", "-S", sock)
	if s.opts.Profile != "" {
		args = append(args, "-p", s.opts.Profile)
	}
	return append(args, s.opts.ExtraArgs...)
}

func (s *Supervisor) start(sock string) (*instance, error) {
	cmd := exec.Command(s.opts.Binary, s.args(sock)...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrSpawn, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, s.opts.Binary, err)
	}

	proc := &instance{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	go s.read(proc, stdout)
	return proc, nil
}

// read forwards output lines until EOF, then reaps the process.
func (s *Supervisor) read(proc *instance, stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.lines(bytes.TrimRight(line, "\r\n"))
		}
		if err != nil {
			break
		}
	}

	waitErr := proc.cmd.Wait()
	s.logger.Info("client process exited",
		zap.Int("pid", proc.cmd.Process.Pid),
		zap.Error(waitErr),
	)
	close(proc.exited)

	s.mu.Lock()
	s.reapLocked(proc)
	s.mu.Unlock()
}

// reapLocked forgets an exited process. Whoever observes the exit first
// (reader goroutine, Ensure or a failed spawn) moves the machine to Dead.
func (s *Supervisor) reapLocked(proc *instance) {
	if s.proc != proc {
		return
	}
	s.proc = nil
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if !s.closed {
		_ = s.machine.Transition(status.Dead)
	}
}

func (s *Supervisor) waitSocket(ctx context.Context, watcher *fsnotify.Watcher, sock string, proc *instance) error {
	if _, err := os.Stat(sock); err == nil {
		return nil
	}

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrNotReady)
			}
			if evt.Name == sock && evt.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok {
				s.logger.Warn("socket watcher error", zap.Error(err))
			}
		case <-proc.exited:
			return fmt.Errorf("%w: process exited before creating %s", ErrNotReady, sock)
		case <-timer.C:
			return fmt.Errorf("%w: %s did not appear within %s", ErrNotReady, sock, s.opts.StartTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) (net.Conn, error) {
	sock := filepath.Join(s.tmpDir, socketName)
	d := net.Dialer{Timeout: s.opts.DialBackoff}

	var lastErr error
	for attempt := 0; attempt < s.opts.DialAttempts; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, s.opts.DialBackoff); err != nil {
				return nil, err
			}
		}
		conn, err := d.DialContext(ctx, "unix", sock)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.logger.Debug("dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: dial %s: %v", ErrNotReady, sock, lastErr)
}

// kill stops a process that never became usable. Called with mu held.
func (s *Supervisor) kill(proc *instance) {
	s.signal(proc, unix.SIGKILL)
	<-proc.exited
	s.reapLocked(proc)
}

func (s *Supervisor) signal(proc *instance, sig unix.Signal) {
	if proc == nil || !proc.alive() {
		return
	}
	pid := proc.cmd.Process.Pid
	// Negative pid addresses the whole process group.
	if err := unix.Kill(-pid, sig); err != nil {
		_ = proc.cmd.Process.Signal(sig)
	}
}

// Close terminates the process (SIGTERM, then SIGKILL after StopTimeout)
// and removes the temp dir. It is safe to call more than once.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.proc
	conn := s.conn
	s.conn = nil
	tmpDir := s.tmpDir
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if proc != nil && proc.alive() {
		_ = proc.stdin.Close()
		s.signal(proc, unix.SIGTERM)
		timer := time.NewTimer(s.opts.StopTimeout)
		select {
		case <-proc.exited:
		case <-timer.C:
			s.logger.Warn("client process ignored SIGTERM, killing",
				zap.Int("pid", proc.cmd.Process.Pid))
			s.signal(proc, unix.SIGKILL)
			<-proc.exited
		}
		timer.Stop()
	}

	var err error
	if tmpDir != "" {
		err = os.RemoveAll(tmpDir)
	}
	_ = s.machine.Transition(status.Closed)
	return err
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
