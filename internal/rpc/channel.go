package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/supervisor"
)

const statusPrefix = "ANSWER "

// Dialer hands out the command connection. *supervisor.Supervisor
// implements it.
type Dialer interface {
	Ensure(ctx context.Context) (net.Conn, error)
	Invalidate(conn net.Conn)
}

// Options configures a Channel.
type Options struct {
	// Timeout bounds a single command exchange.
	Timeout time.Duration
	// Strict turns leading non-status lines into ErrProtocol instead of
	// discarding them.
	Strict bool
	// BaseDelay and MaxDelay shape the backoff between failed Ensure
	// attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Channel runs one command at a time over the CLI socket.
type Channel struct {
	dialer Dialer
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// New creates a Channel.
func New(dialer Dialer, opts Options, logger *zap.Logger) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{dialer: dialer, opts: opts, logger: logger}
}

// Call sends cmd and returns its answer. Only one call is in flight at a
// time. On ErrTimeout, ErrConnectionLost or ErrProtocol the connection is
// dropped so stale bytes never pair with a later command.
func (c *Channel) Call(ctx context.Context, cmd Command) (*Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.drop()
		return nil, fmt.Errorf("%w: set deadline: %v", ErrConnectionLost, err)
	}
	// Cancellation unblocks a pending read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	payload, err := c.exchange(conn, cmd)
	if err != nil {
		c.drop()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("command failed",
			zap.String("cmd", cmd.String()),
			zap.Error(err),
		)
		return nil, err
	}
	c.logger.Debug("command answered",
		zap.String("cmd", cmd.String()),
		zap.Int("bytes", len(payload)),
		zap.Duration("took", time.Since(start)),
	)
	return ParseAnswer(payload), nil
}

func (c *Channel) exchange(conn net.Conn, cmd Command) ([]byte, error) {
	if _, err := io.WriteString(conn, cmd.String()+"\n"); err != nil {
		return nil, classify("write", err)
	}

	n, err := c.readStatus()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rd, payload); err != nil {
		return nil, classify("read payload", err)
	}
	return payload, nil
}

// readStatus reads up to and including the "ANSWER <n>" line. Blank lines
// are skipped in both modes.
func (c *Channel) readStatus() (int, error) {
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			return 0, classify("read status", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, statusPrefix); ok {
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil || n < 0 {
				return 0, fmt.Errorf("%w: bad status line %q", ErrProtocol, truncate(line))
			}
			return n, nil
		}
		if c.opts.Strict {
			return 0, fmt.Errorf("%w: unexpected line %q", ErrProtocol, truncate(line))
		}
		c.logger.Debug("discarding unsolicited line", zap.String("line", truncate(line)))
	}
}

func classify(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectionLost, op, err)
}

func truncate(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// connect returns the current connection, asking the dialer for one with
// capped exponential backoff. ErrSpawn and context errors end the loop.
func (c *Channel) connect(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	for attempt := 1; ; attempt++ {
		conn, err := c.dialer.Ensure(ctx)
		if err == nil {
			c.conn = conn
			c.rd = bufio.NewReader(conn)
			return conn, nil
		}
		if errors.Is(err, supervisor.ErrSpawn) || errors.Is(err, supervisor.ErrClosed) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		delay := c.retryDelay(attempt)
		c.logger.Warn("client not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := waitWithContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Channel) drop() {
	if c.conn == nil {
		return
	}
	c.dialer.Invalidate(c.conn)
	c.conn = nil
	c.rd = nil
}

func (c *Channel) retryDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	if delay > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return delay
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
