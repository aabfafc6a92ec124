package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/protocol"
	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnect         = protocol.ErrConnect
	ErrWrite           = protocol.ErrWrite
	ErrStreamClosed    = protocol.ErrStreamClosed
	ErrTimedOut        = protocol.ErrTimedOut
	ErrNotConnected    = protocol.ErrNotConnected
	ErrInvalidState    = protocol.ErrInvalidState
	ErrMalformedPacket = protocol.ErrMalformedPacket
)

// pastDeadline unblocks pending I/O when a context is cancelled.
var pastDeadline = time.Unix(1, 0)

// Client owns one link connection.
type Client struct {
	cfg   Config
	state atomic.Uint32

	conn net.Conn
	addr string

	rbuf  []byte
	chunk []byte
	wbuf  []byte
}

// NewClient returns a disconnected client.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.WithDefaults()}
}

// Wrap adopts an established connection, e.g. one returned by Accept.
func Wrap(conn net.Conn, cfg Config) *Client {
	c := NewClient(cfg)
	c.conn = conn
	c.addr = conn.RemoteAddr().String()
	c.state.Store(uint32(StateConnected))
	return c
}

// Dial connects a new client to addr, bounded by timeout and ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = timeout
	c := NewClient(cfg)
	if err := c.Connect(ctx, addr); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// RemoteAddr is the dialed address, or the peer address for wrapped conns.
func (c *Client) RemoteAddr() string {
	return c.addr
}

// Buffered reports inbound bytes held for the next Receive.
func (c *Client) Buffered() int {
	return len(c.rbuf)
}

// Connect dials addr. On failure the client returns to Disconnected and
// Connect may be called again.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if !c.state.CompareAndSwap(uint32(StateDisconnected), uint32(StateConnecting)) {
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, c.State())
	}

	start := time.Now()
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.state.CompareAndSwap(uint32(StateConnecting), uint32(StateDisconnected))
		observability.RecordConnect(time.Since(start), false)
		observability.RecordSessionError("connect", "dial")
		log.Debug().Str("addr", addr).Err(err).Msg("session.Client connect failed")
		return fmt.Errorf("%w: dial %s: %w", ErrConnect, addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(c.cfg.NoDelay)
	}

	c.conn = conn
	c.addr = addr
	if !c.state.CompareAndSwap(uint32(StateConnecting), uint32(StateConnected)) {
		// Close won the race while dialing.
		_ = conn.Close()
		return ErrNotConnected
	}
	observability.RecordConnect(time.Since(start), true)
	log.Debug().Str("addr", addr).Dur("took", time.Since(start)).Msg("session.Client connected")
	return nil
}

// Close releases the connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	prev := State(c.state.Swap(uint32(StateClosed)))
	if prev != StateConnected {
		return nil
	}
	log.Debug().Str("addr", c.addr).Msg("session.Client closed")
	return c.conn.Close()
}

// Send encodes p with the reserved byte zeroed and writes all of it.
func (c *Client) Send(ctx context.Context, p frame.Packet) error {
	p.Reserved = 0
	return c.send(ctx, p)
}

// SendRaw is Send without zeroing the reserved byte.
func (c *Client) SendRaw(ctx context.Context, p frame.Packet) error {
	return c.send(ctx, p)
}

func (c *Client) send(ctx context.Context, p frame.Packet) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	b, err := frame.AppendEncode(c.wbuf[:0], p)
	if err != nil {
		observability.RecordSessionError("send", "encoding")
		return err
	}
	c.wbuf = b
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := c.conn.SetWriteDeadline(c.deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return c.writeFailed(err)
	}
	release := expireOnDone(ctx, c.conn.SetWriteDeadline)
	err = frame.WriteFull(c.conn, b)
	release()
	if err != nil {
		return c.writeFailed(err)
	}

	observability.RecordPacket(observability.DirectionSent, p.Command, len(b))
	log.Trace().Str("addr", c.addr).Stringer("packet", p).Msg("session.Client sent")
	return nil
}

func (c *Client) writeFailed(err error) error {
	kind := "write"
	if isStreamClosed(err) {
		kind = "closed"
		c.markClosed()
	}
	observability.RecordSessionError("send", kind)
	log.Debug().Str("addr", c.addr).Err(err).Msg("session.Client write failed")
	return fmt.Errorf("%w: %w", ErrWrite, err)
}

// Receive returns the next complete packet. Bytes past that packet stay
// buffered for the next call. A timeout or cancelled ctx returns
// ErrTimedOut and keeps any partial packet buffered.
func (c *Client) Receive(ctx context.Context) (frame.Packet, error) {
	if c.State() != StateConnected {
		return frame.Packet{}, ErrNotConnected
	}
	if err := c.conn.SetReadDeadline(c.deadline(ctx, c.cfg.ReadTimeout)); err != nil {
		return frame.Packet{}, c.readFailed(ctx, err)
	}
	defer expireOnDone(ctx, c.conn.SetReadDeadline)()

	for {
		p, n, err := frame.Decode(c.rbuf)
		if err == nil {
			c.consume(n)
			if verr := c.cfg.checkHeader(p.Header()); verr != nil {
				observability.RecordSessionError("receive", "malformed")
				if !errors.Is(verr, ErrMalformedPacket) {
					verr = fmt.Errorf("%w: %w", ErrMalformedPacket, verr)
				}
				return frame.Packet{}, verr
			}
			observability.RecordPacket(observability.DirectionReceived, p.Command, n)
			log.Trace().Str("addr", c.addr).Stringer("packet", p).Msg("session.Client received")
			return p, nil
		}
		if !errors.Is(err, frame.ErrNeedMoreData) {
			return frame.Packet{}, err
		}
		if ctx.Err() != nil {
			return frame.Packet{}, c.readFailed(ctx, ctx.Err())
		}

		if c.chunk == nil {
			c.chunk = make([]byte, c.cfg.ReadBufferSize)
		}
		n, rerr := c.conn.Read(c.chunk)
		c.rbuf = append(c.rbuf, c.chunk[:n]...)
		if rerr != nil {
			if n > 0 && errors.Is(rerr, io.EOF) {
				continue
			}
			return frame.Packet{}, c.readFailed(ctx, rerr)
		}
	}
}

func (c *Client) readFailed(ctx context.Context, err error) error {
	if isTimeout(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cause := err
		if ctx.Err() != nil {
			cause = ctx.Err()
		}
		observability.RecordSessionError("receive", "timeout")
		return fmt.Errorf("%w: buffered=%d: %w", ErrTimedOut, len(c.rbuf), cause)
	}
	c.markClosed()
	observability.RecordSessionError("receive", "closed")
	log.Debug().Str("addr", c.addr).Int("buffered", len(c.rbuf)).Err(err).Msg("session.Client stream closed")
	return fmt.Errorf("%w: %w", ErrStreamClosed, err)
}

func (c *Client) consume(n int) {
	c.rbuf = append(c.rbuf[:0], c.rbuf[n:]...)
}

func (c *Client) markClosed() {
	if State(c.state.Swap(uint32(StateClosed))) == StateConnected {
		_ = c.conn.Close()
	}
}

// expireOnDone moves a deadline into the past once ctx ends. The returned
// release blocks until a callback that already started has finished, so a
// stale past deadline can never land on the next call.
func expireOnDone(ctx context.Context, setDeadline func(time.Time) error) (release func()) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		_ = setDeadline(pastDeadline)
	})
	return func() {
		if !stop() {
			<-done
		}
	}
}

// deadline picks the earlier of now+timeout and the ctx deadline.
// The zero time means no deadline.
func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isStreamClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func errCommandNotAllowed(command uint8) error {
	return fmt.Errorf("%w: command 0x%02x not allowed", ErrMalformedPacket, command)
}
