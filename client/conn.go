package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respwire/internal/metrics"
	"github.com/luma/respwire/protocol"
)

var (
	// ErrConnectionClosed means the server closed the stream before a reply
	// was complete
	ErrConnectionClosed = errors.New("connection closed by server")

	// ErrTimeout means no reply bytes arrived within the read timeout
	ErrTimeout = errors.New("timed out waiting for reply")

	ErrReplyTooLarge = errors.New("reply too large")

	// ErrClosed is returned for any command issued after Close, or after a
	// failed exchange closed the connection
	ErrClosed = errors.New("use of closed connection")

	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
)

// aLongTimeAgo is a deadline that has always passed. Setting it interrupts
// any blocked Read or Write.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is a session with one RESP server. Commands are strictly half-duplex:
// a command is written and its reply read before the next command is sent.
//
// Conn is safe for concurrent use, concurrent callers simply wait their turn.
type Conn struct {
	opts Options
	log  *zap.Logger

	// mu serialises exchanges and guards buf, chunk and framer
	mu sync.Mutex

	// buf holds reply bytes that have been read but not yet returned
	buf   []byte
	chunk []byte

	// framer remembers how much of buf has been framed
	framer protocol.Framer

	stateMu sync.Mutex
	conn    net.Conn
	closed  bool
}

func New(opts Options) *Conn {
	opts = opts.withDefaults()

	return &Conn{
		opts:  opts,
		log:   opts.Log,
		chunk: make([]byte, opts.ReadBufferSize),
	}
}

// NewWithConn returns a Conn that speaks over an already established stream.
// The Conn takes ownership of conn and closes it on Close.
func NewWithConn(conn net.Conn, opts Options) *Conn {
	c := New(opts)
	c.conn = conn
	c.log = c.log.With(zap.String("remote", remoteAddr(conn)))

	return c
}

// Connect dials addr, or Options.Addr when addr is empty. A Conn that has been
// closed may be connected again.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	if addr == "" {
		addr = c.opts.Addr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.conn != nil && !c.closed {
		return ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c.conn = conn
	c.closed = false
	c.buf = c.buf[:0]
	c.framer.Reset()
	c.log = c.opts.Log.With(zap.String("remote", remoteAddr(conn)))

	c.log.Debug("Connected")

	return nil
}

// Close closes the stream. It interrupts an exchange that is in progress,
// which then fails with ErrClosed.
func (c *Conn) Close() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closed || c.conn == nil {
		return nil
	}

	c.closed = true

	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	return err
}

func (c *Conn) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.closed
}

func (c *Conn) stream() (net.Conn, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	switch {
	case c.closed:
		return nil, ErrClosed
	case c.conn == nil:
		return nil, ErrNotConnected
	default:
		return c.conn, nil
	}
}

// SendCommand writes one command and returns the complete raw reply to it,
// exactly as the server sent it. Error replies from the server are returned
// as replies, not as errors; see Do.
//
// If anything goes wrong after the command has been written the connection is
// closed, since the position of the next reply in the stream is unknown.
func (c *Conn) SendCommand(ctx context.Context, args ...string) ([]byte, error) {
	cmd, err := protocol.EncodeCommand(args...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.stream()
	if err != nil {
		return nil, err
	}

	name := string(protocol.ParseCommand(args[0]))
	start := time.Now()

	reply, err := c.exchange(ctx, conn, cmd)

	duration := time.Since(start)
	c.opts.Metrics.ObserveCommand(name, outcome(reply, err), duration, len(reply))

	if err != nil {
		c.log.Debug("Command failed",
			zap.String("command", name),
			zap.Duration("duration", duration),
			zap.Error(err))

		if cerr := c.Close(); cerr != nil {
			c.log.Warn("Failed to close connection", zap.Error(cerr))
		}

		return nil, err
	}

	c.log.Debug("Command",
		zap.String("command", name),
		zap.Int("replyBytes", len(reply)),
		zap.Duration("duration", duration))

	return reply, nil
}

// Do sends a command and decodes its reply. A server error reply is returned
// as a Value of kind protocol.Error, use ErrorOrNil to turn it into an error.
func (c *Conn) Do(ctx context.Context, args ...string) (*protocol.Value, error) {
	reply, err := c.SendCommand(ctx, args...)
	if err != nil {
		return nil, err
	}

	v, _, err := protocol.Decode(reply)
	if err != nil {
		return nil, err
	}

	return v, nil
}

// Ping checks that the server is answering.
func (c *Conn) Ping(ctx context.Context) error {
	v, err := c.Do(ctx, string(protocol.PING))
	if err != nil {
		return err
	}

	return v.ErrorOrNil()
}

// Quit asks the server to close the connection, then closes our side of it.
func (c *Conn) Quit(ctx context.Context) error {
	v, err := c.Do(ctx, string(protocol.QUIT))
	if err != nil {
		return err
	}

	return multierr.Append(v.ErrorOrNil(), c.Close())
}

func (c *Conn) exchange(ctx context.Context, conn net.Conn, cmd []byte) ([]byte, error) {
	stop := interruptOnDone(ctx, conn)
	defer stop()

	if err := c.write(ctx, conn, cmd); err != nil {
		return nil, err
	}

	return c.readReply(ctx, conn)
}

func (c *Conn) write(ctx context.Context, conn net.Conn, cmd []byte) error {
	if err := conn.SetWriteDeadline(deadline(ctx, c.opts.WriteTimeout)); err != nil {
		return c.streamError(ctx, "write command", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := conn.Write(cmd); err != nil {
		return c.streamError(ctx, "write command", err)
	}

	return nil
}

// readReply reads until buf starts with one complete reply, then returns a
// copy of it. Anything after the reply stays in buf for the next exchange.
func (c *Conn) readReply(ctx context.Context, conn net.Conn) ([]byte, error) {
	var readErr error

	for {
		end, complete, err := c.framer.TryFrame(c.buf)
		if err != nil {
			return nil, fmt.Errorf("failed to frame reply: %w", err)
		}

		if complete {
			reply := make([]byte, end)
			copy(reply, c.buf[:end])
			c.buf = c.buf[:copy(c.buf, c.buf[end:])]

			return reply, nil
		}

		// Bytes that arrived along with an error are framed before the error
		// is reported
		if readErr != nil {
			return nil, c.streamError(ctx, "read reply", readErr)
		}

		if c.opts.MaxReplySize > 0 && len(c.buf) > c.opts.MaxReplySize {
			return nil, fmt.Errorf("%w: more than %d bytes buffered", ErrReplyTooLarge, c.opts.MaxReplySize)
		}

		// The deadline has to be set before ctx is checked, otherwise a
		// cancellation in between would be overwritten
		if err := conn.SetReadDeadline(deadline(ctx, c.opts.ReadTimeout)); err != nil {
			return nil, c.streamError(ctx, "read reply", err)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var n int
		n, readErr = conn.Read(c.chunk)
		c.buf = append(c.buf, c.chunk[:n]...)
	}
}

// streamError classifies an error from the underlying stream.
func (c *Conn) streamError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}

	if c.isClosed() {
		return ErrClosed
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("failed to %s: %w", op, ErrConnectionClosed)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("failed to %s: %w", op, ErrTimeout)
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

// deadline returns the earlier of now+timeout and the ctx deadline. The zero
// time, meaning no deadline, is returned when neither is set.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var t time.Time
	if timeout > 0 {
		t = time.Now().Add(timeout)
	}

	if dl, ok := ctx.Deadline(); ok && (t.IsZero() || dl.Before(t)) {
		t = dl
	}

	return t
}

// interruptOnDone unblocks any read or write on conn once ctx is done. The
// returned func must be called when the exchange ends.
func interruptOnDone(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}

	var (
		done   = make(chan struct{})
		exited = make(chan struct{})
	)

	go func() {
		defer close(exited)

		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(aLongTimeAgo)
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func outcome(reply []byte, err error) string {
	switch {
	case err == nil:
		if len(reply) > 0 && reply[0] == byte(protocol.Error) {
			return metrics.OutcomeServerError
		}
		return metrics.OutcomeOK

	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, ErrReplyTooLarge):
		return metrics.OutcomeProtocol

	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout

	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrClosed):
		return metrics.OutcomeClosed

	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled

	default:
		return metrics.OutcomeError
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}
