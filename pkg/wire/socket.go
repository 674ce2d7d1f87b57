package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelcompute/agent/pkg/log"
)

// ErrInvalidSocket reports that the underlying transport was invalidated
// and could not be restored within the single permitted recreation. The
// owning channel must be treated as unusable.
var ErrInvalidSocket = errors.New("wire: socket invalidated")

// ErrClosed reports an operation on an explicitly closed socket pair.
var ErrClosed = errors.New("wire: socket pair closed")

// socket is one direction of the pair: a websocket connection that can be
// torn down and redialed in place.
type socket struct {
	wctx *Context
	addr string

	mu   sync.Mutex
	conn *websocket.Conn
}

func dialSocket(ctx context.Context, wctx *Context, addr string) (*socket, error) {
	s := &socket{wctx: wctx, addr: addr}
	if err := s.recreate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// recreate redials the endpoint, replacing any existing connection.
func (s *socket) recreate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	conn, _, err := s.wctx.dialer.DialContext(ctx, s.addr, nil)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	return nil
}

func (s *socket) write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *socket) read() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, net.ErrClosed
	}
	_, data, err := conn.ReadMessage()
	return data, err
}

// close performs the closing handshake bounded by the context linger and
// then tears the connection down.
func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	deadline := time.Now().Add(s.wctx.linger)
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	_ = s.conn.Close()
	s.conn = nil
}

// isInvalidSocket classifies transport failures that warrant recreating the
// pair: the peer or the OS invalidated the connection underneath us, as
// opposed to a protocol-level or application error.
func isInvalidSocket(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOTSOCK) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseAbnormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart,
	) {
		return true
	}
	return false
}

// SocketPair is the duplex channel to one kernel: an input socket for
// outbound commands and an output socket for inbound frames. Both dial the
// same peer, so a recreation always refreshes both; replacing only one
// would desync the peer's connection-tracking state.
type SocketPair struct {
	in  *socket
	out *socket

	mu     sync.Mutex
	closed bool
}

// Dial connects both directions of a pair.
func Dial(ctx context.Context, wctx *Context, inAddr, outAddr string) (*SocketPair, error) {
	in, err := dialSocket(ctx, wctx, inAddr)
	if err != nil {
		return nil, err
	}
	out, err := dialSocket(ctx, wctx, outAddr)
	if err != nil {
		in.close()
		return nil, err
	}
	return &SocketPair{in: in, out: out}, nil
}

func (p *SocketPair) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recreateBoth redials both directions. Input and output travel on
// independent sockets to the same peer, so both are refreshed together.
func (p *SocketPair) recreateBoth(ctx context.Context) error {
	if err := p.in.recreate(ctx); err != nil {
		return err
	}
	return p.out.recreate(ctx)
}

// Send encodes the given frame parts as one message and writes it on the
// input socket. If the transport reports an invalidated socket, the pair is
// recreated exactly once and the write retried once; a second failure, or
// any other error, propagates.
func (p *SocketPair) Send(ctx context.Context, parts [][]byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	payload, err := msgpack.Marshal(parts)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if err := p.in.write(ctx, payload); err != nil {
		if p.isClosed() {
			return ErrClosed
		}
		if !isInvalidSocket(err) {
			return fmt.Errorf("wire: send: %w", err)
		}
		log.Warn("socket invalid, recreating pair", "addr", p.in.addr, "error", err)
		if rerr := p.recreateBoth(ctx); rerr != nil {
			return fmt.Errorf("%w: recreate failed: %v", ErrInvalidSocket, rerr)
		}
		if err := p.in.write(ctx, payload); err != nil {
			return fmt.Errorf("%w: send after recreate failed: %v", ErrInvalidSocket, err)
		}
	}
	return nil
}

// Recv reads one message from the output socket and decodes it into frame
// parts. Invalidated sockets get the same single recreate-and-retry as
// Send before the failure propagates.
func (p *SocketPair) Recv(ctx context.Context) ([][]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	data, err := p.out.read()
	if err != nil {
		if p.isClosed() {
			return nil, ErrClosed
		}
		if !isInvalidSocket(err) {
			return nil, fmt.Errorf("wire: recv: %w", err)
		}
		log.Warn("socket invalid, recreating pair", "addr", p.out.addr, "error", err)
		if rerr := p.recreateBoth(ctx); rerr != nil {
			return nil, fmt.Errorf("%w: recreate failed: %v", ErrInvalidSocket, rerr)
		}
		if data, err = p.out.read(); err != nil {
			if p.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("%w: recv after recreate failed: %v", ErrInvalidSocket, err)
		}
	}
	var parts [][]byte
	if err := msgpack.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return parts, nil
}

// Close is idempotent. It unblocks any in-flight Recv.
func (p *SocketPair) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.in.close()
	p.out.close()
	return nil
}
