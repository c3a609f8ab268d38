package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/respwire/internal/metrics"
	"github.com/luma/respwire/protocol"
	"github.com/luma/respwire/storage"
)

const (
	WriteQueueSize = 127
	ReadChunkSize  = 4096

	// CommandTimeout bounds how long a single command may spend in the store
	CommandTimeout = 3 * time.Second

	DefaultMaxQueryBuffer = 1024 * 1024 * 1024
)

// TCP is a small RESP server that answers commands from a storage.Store. It
// exists so clients can be exercised against a real socket.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	numListeners int
	listeners    []*TCPListener

	maxQueryBuffer int

	store   storage.Store
	metrics *metrics.Metrics

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	maxQueryBuffer := options.MaxQueryBuffer
	if maxQueryBuffer <= 0 {
		maxQueryBuffer = DefaultMaxQueryBuffer
	}

	return &TCP{
		addr:           net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:      options.Reuseport,
		numListeners:   numListeners,
		listeners:      make([]*TCPListener, 0, numListeners),
		maxQueryBuffer: maxQueryBuffer,
		trace:          options.Trace,
		store:          options.Store,
		metrics:        options.Metrics,
		log:            log,
	}
}

// Start binds every listener before returning, so clients can connect as soon
// as it succeeds. Connections are then accepted in the background until
// Close is called or ctx is cancelled.
func (w *TCP) Start(parentCtx context.Context) error {
	if w.numListeners > 1 && !w.reuseport {
		// Without SO_REUSEPORT only one socket can bind the address
		w.numListeners = 1
	}

	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	addr := w.addr
	for i := 0; i < w.numListeners; i++ {
		listener, err := w.startListener(ctx, addr)
		if err != nil {
			return multierr.Append(err, w.Close())
		}

		// When listening on port 0 the remaining listeners share the port the
		// first one was given.
		addr = listener.Addr().String()
	}

	return nil
}

func (t *TCP) Store() storage.Store {
	return t.store
}

// Addr returns the address the first listener is bound to. It is only valid
// after Start has returned successfully.
func (t *TCP) Addr() net.Addr {
	if len(t.listeners) == 0 {
		return nil
	}

	return t.listeners[0].Addr()
}

func (w *TCP) startListener(ctx context.Context, addr string) (*TCPListener, error) {
	listener := NewTCPListener(
		ctx,
		addr,
		w.store,
		w.metrics,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
		w.trace,
	)
	listener.maxQueryBuffer = w.maxQueryBuffer

	if err := listener.Bind(w.reuseport); err != nil {
		return nil, err
	}

	w.listeners = append(w.listeners, listener)
	w.stopWaiter.Add(1)

	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Serve(); err != nil {
			w.log.Error("Listener stopped with an error", zap.Error(err))
		}
	}()

	return listener, nil
}

// Close immediately closes all listeners and connections, then waits for
// their goroutines to exit.
func (w *TCP) Close() (err error) {
	w.log.Info("Stopping TCP server")

	if w.cancel != nil {
		w.cancel()
	}

	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

type TCPListener struct {
	ctx context.Context

	addr     string
	listener net.Listener

	log   *zap.Logger
	trace bool

	mu          sync.Mutex
	closed      bool
	activeConns map[*TCPConn]struct{}
	connWaiter  sync.WaitGroup

	store   storage.Store
	metrics *metrics.Metrics

	maxQueryBuffer int
}

func NewTCPListener(
	ctx context.Context,
	addr string,
	store storage.Store,
	m *metrics.Metrics,
	log *zap.Logger,
	trace bool,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		activeConns: make(map[*TCPConn]struct{}),
		addr:        addr,
		store:       store,
		metrics:     m,
		log:         log,
		trace:       trace,
	}
}

func (t *TCPListener) Bind(useReuseport bool) (err error) {
	if useReuseport {
		t.listener, err = reuseport.Listen("tcp", t.addr)
	} else {
		t.listener, err = net.Listen("tcp", t.addr)
	}

	return err
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

// Close stops accepting and closes every active connection.
func (t *TCPListener) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	err := t.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

func (t *TCPListener) Serve() error {
	go func() {
		<-t.ctx.Done()

		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	defer func() {
		t.log.Info("Waiting for connections to stop")
		t.connWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.store, t.metrics, t.log.Named("conn"), t.trace)
		tcpConn.maxQueryBuffer = t.maxQueryBuffer
		if !t.addConn(tcpConn) {
			conn.Close()
			return nil
		}

		t.connWaiter.Add(1)
		go func() {
			defer t.connWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) addConn(conn *TCPConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.activeConns[conn] = struct{}{}
	t.metrics.ConnectionOpened()
	return true
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.activeConns[conn]; ok {
		delete(t.activeConns, conn)
		t.metrics.ConnectionClosed()
	}
}

type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error

	conn    net.Conn
	store   storage.Store
	metrics *metrics.Metrics

	writeQueue chan []byte

	// decoder keeps the arguments of a partly received command between reads
	decoder        protocol.CommandDecoder
	maxQueryBuffer int

	// readDone is closed when the read loop exits, after which nothing else
	// is queued for writing.
	readDone chan struct{}

	log   *zap.Logger
	trace bool
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	store storage.Store,
	m *metrics.Metrics,
	log *zap.Logger,
	trace bool,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		store:      store,
		metrics:    m,
		writeQueue: make(chan []byte, WriteQueueSize),
		readDone:   make(chan struct{}),
		log:        log.With(zap.String("remote", conn.RemoteAddr().String())),
		trace:      trace,

		maxQueryBuffer: DefaultMaxQueryBuffer,
	}
}

// Close stops both loops and closes the socket.
func (t *TCPConn) Close() error {
	err := t.shutdown()
	t.loopWaiter.Wait()
	return err
}

// shutdown cancels the connection context and closes the socket, which
// unblocks a read loop waiting on it. Only the first call has any effect.
func (t *TCPConn) shutdown() error {
	t.closeOnce.Do(func() {
		t.cancel()

		t.closeErr = t.conn.Close()
		if errors.Is(t.closeErr, net.ErrClosed) {
			t.closeErr = nil
		}
	})

	return t.closeErr
}

// Start runs the read and write loops until the client disconnects, sends
// QUIT, or the connection is closed.
func (t *TCPConn) Start() {
	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()
	t.shutdown()
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		close(t.readDone)
		log.Debug("Read loop exited")
	}()

	var (
		buf   = make([]byte, 0, ReadChunkSize)
		chunk = make([]byte, ReadChunkSize)
	)

	for {
		n, err := t.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			var quit bool
			if buf, quit = t.handleFrames(buf); quit {
				return
			}

			if len(buf) > t.maxQueryBuffer {
				log.Warn("Client query buffer exceeded", zap.Int("buffered", len(buf)))
				t.protocolError(fmt.Errorf("%w: query buffer exceeds %d bytes",
					protocol.ErrProtocol, t.maxQueryBuffer))

				return
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("Client disconnected")
			case errors.Is(err, net.ErrClosed), t.ctx.Err() != nil:
				log.Debug("Connection closed")
			default:
				log.Warn("Failed to read client request", zap.Error(err))
			}

			return
		}
	}
}

// handleFrames dispatches every complete command in buf and returns what is
// left over. quit is true when the connection should stop reading.
func (t *TCPConn) handleFrames(buf []byte) (rest []byte, quit bool) {
	for len(buf) > 0 {
		args, n, err := t.decoder.Decode(buf)
		if errors.Is(err, protocol.ErrIncomplete) {
			return buf, false
		}

		if err != nil {
			t.log.Warn("Failed to parse client request", zap.Error(err))
			t.protocolError(err)

			return nil, true
		}

		if t.trace {
			t.log.Debug("Read frame", zap.ByteString("frame", buf[:n]))
		}

		buf = buf[:copy(buf, buf[n:])]

		if t.dispatch(args) {
			return nil, true
		}
	}

	return buf, false
}

// protocolError tells the client why its request was refused. The read loop
// stops afterwards, since the stream can no longer be framed.
func (t *TCPConn) protocolError(err error) {
	var reply bytes.Buffer
	_ = protocol.WriteError(&reply, "ERR Protocol error: "+protocolErrorMessage(err))
	t.Write(reply.Bytes())
}

func (t *TCPConn) dispatch(args []string) (quit bool) {
	ctx, cancel := context.WithTimeout(t.ctx, CommandTimeout)
	defer cancel()

	var reply bytes.Buffer

	cmd, err := Handle(ctx, t.store, &reply, args)
	if err != nil {
		t.log.Warn("Failed to handle command",
			zap.String("command", string(cmd)),
			zap.Error(err))
	}

	label := string(cmd)
	if errors.Is(err, ErrUnknownCommand) {
		// Keep arbitrary client input out of metric labels
		label = "unknown"
	}

	t.metrics.ServerCommand(label)
	t.Write(reply.Bytes())

	return cmd == protocol.QUIT
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer log.Debug("Write loop exited")

	for {
		select {
		case data := <-t.writeQueue:
			if !t.write(log, data) {
				return
			}

		case <-t.readDone:
			// Flush whatever the read loop queued before it exited
			for {
				select {
				case data := <-t.writeQueue:
					if !t.write(log, data) {
						return
					}

				default:
					return
				}
			}
		}
	}
}

func (t *TCPConn) write(log *zap.Logger, data []byte) bool {
	if t.trace {
		log.Debug("Write frame", zap.ByteString("frame", data))
	}

	if _, err := t.conn.Write(data); err != nil {
		if t.ctx.Err() == nil {
			log.Warn("Failed to write from write queue", zap.Error(err))
		}

		// Nobody can receive replies any more, stop the read loop too
		t.shutdown()
		return false
	}

	return true
}

// Write queues data for the write loop to write into the connection. Write! Write! Write!
func (t *TCPConn) Write(data []byte) (int, error) {
	select {
	case t.writeQueue <- data:
		return len(data), nil

	case <-t.ctx.Done():
		return 0, t.ctx.Err()
	}
}

func protocolErrorMessage(err error) string {
	msg := err.Error()
	return strings.TrimPrefix(msg, protocol.ErrProtocol.Error()+": ")
}
