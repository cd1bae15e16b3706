package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-media-bridge/internal/logging"
	"github.com/meeting-media-bridge/internal/metrics"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 2 * time.Second

// incomingQueueSize bounds messages read from peers but not yet received.
const incomingQueueSize = 64

// Message is one websocket message read from a peer.
type Message struct {
	Type int
	Data []byte
}

// Sender writes one payload to the external process.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Source yields messages written by the external process.
type Source interface {
	Receive(ctx context.Context) (Message, error)
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	remote  string
}

// Endpoint is a websocket server for one channel of one session. The
// external process connects as a client; every connected client receives
// every payload.
type Endpoint struct {
	role         Role
	addr         string
	writeTimeout time.Duration
	metrics      *metrics.Metrics

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	mu    sync.Mutex
	peers map[*peer]struct{}

	incoming chan Message
	dropped  uint64
	closed   chan struct{}
	closeMu  sync.Once
}

// EndpointOption customises an Endpoint.
type EndpointOption func(*Endpoint)

// WithWriteTimeout sets the per-write deadline.
func WithWriteTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithMetrics records peer counts on m.
func WithMetrics(m *metrics.Metrics) EndpointOption {
	return func(e *Endpoint) { e.metrics = m }
}

// NewEndpoint prepares an endpoint for addr ("host:port"). Nothing is bound
// until Listen.
func NewEndpoint(role Role, addr string, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		role:         role,
		addr:         addr,
		writeTimeout: DefaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 14,
			WriteBufferSize: 1 << 14,
			// consumers are local processes, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[*peer]struct{}),
		incoming: make(chan Message, incomingQueueSize),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}
	return e
}

// Listen binds the endpoint's address and starts serving upgrades in the
// background.
func (e *Endpoint) Listen() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %v: %w", e.role, e.addr, err, ErrTransportUnavailable)
	}
	e.ln = ln
	e.srv = &http.Server{Handler: e, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnw("endpoint: serve stopped", "role", e.role.String(), "err", err)
		}
	}()
	logging.Infow("endpoint: listening", "role", e.role.String(), "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (e *Endpoint) Addr() string {
	if e.ln != nil {
		return e.ln.Addr().String()
	}
	return e.addr
}

// Role reports which channel the endpoint serves.
func (e *Endpoint) Role() Role { return e.role }

// ServeHTTP upgrades a consumer connection and reads from it until it goes
// away.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("endpoint: upgrade failed", "role", e.role.String(), "err", err)
		return
	}
	p := &peer{conn: conn, remote: r.RemoteAddr}
	if !e.addPeer(p) {
		_ = conn.Close()
		return
	}
	logging.Infow("endpoint: consumer connected", "role", e.role.String(), "remote", p.remote)
	e.readLoop(p)
}

func (e *Endpoint) addPeer(p *peer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
		return false
	default:
	}
	e.peers[p] = struct{}{}
	e.metrics.ConnectedPeers.WithLabelValues(e.role.String()).Set(float64(len(e.peers)))
	return true
}

func (e *Endpoint) removePeer(p *peer) {
	e.mu.Lock()
	if _, ok := e.peers[p]; ok {
		delete(e.peers, p)
		e.metrics.ConnectedPeers.WithLabelValues(e.role.String()).Set(float64(len(e.peers)))
	}
	e.mu.Unlock()
	_ = p.conn.Close()
}

func (e *Endpoint) readLoop(p *peer) {
	defer e.removePeer(p)
	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debugw("endpoint: read ended", "role", e.role.String(), "remote", p.remote, "err", err)
			}
			return
		}
		if !e.Role().Inbound() {
			e.metrics.MessagesIgnored.WithLabelValues(e.role.String()).Inc()
			continue
		}
		select {
		case e.incoming <- Message{Type: typ, Data: data}:
		case <-e.closed:
			return
		default:
			n := atomic.AddUint64(&e.dropped, 1)
			if n%100 == 1 {
				logging.Warnw("endpoint: incoming queue full, dropping", "role", e.role.String(), "dropped", n)
			}
		}
	}
}

// Peers reports connected consumers.
func (e *Endpoint) Peers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// Send writes payload as one binary message to every connected consumer. It
// fails with ErrTransportUnavailable when no consumer is connected or every
// write failed. Consumers whose write fails are disconnected.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s: %v: %w", e.role, err, ErrTransportUnavailable)
	}
	select {
	case <-e.closed:
		return fmt.Errorf("send %s: endpoint closed: %w", e.role, ErrTransportUnavailable)
	default:
	}

	e.mu.Lock()
	peers := make([]*peer, 0, len(e.peers))
	for p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()
	if len(peers) == 0 {
		return fmt.Errorf("send %s: no consumer connected: %w", e.role, ErrTransportUnavailable)
	}

	deadline := time.Now().Add(e.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	delivered := 0
	var lastErr error
	for _, p := range peers {
		p.writeMu.Lock()
		_ = p.conn.SetWriteDeadline(deadline)
		err := p.conn.WriteMessage(websocket.BinaryMessage, payload)
		p.writeMu.Unlock()
		if err != nil {
			lastErr = err
			logging.Debugw("endpoint: write failed", "role", e.role.String(), "remote", p.remote, "err", err)
			e.removePeer(p)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("send %s: %v: %w", e.role, lastErr, ErrTransportUnavailable)
	}
	return nil
}

// Receive returns the next message from any consumer. Only an inbound
// channel queues messages; on the others Receive fails immediately.
func (e *Endpoint) Receive(ctx context.Context) (Message, error) {
	if !e.Role().Inbound() {
		return Message{}, fmt.Errorf("receive %s: send-only channel: %w", e.role, ErrTransportUnavailable)
	}
	select {
	case m := <-e.incoming:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-e.closed:
		return Message{}, fmt.Errorf("receive %s: endpoint closed: %w", e.role, ErrTransportUnavailable)
	}
}

// Close stops listening and disconnects every consumer.
func (e *Endpoint) Close() error {
	var err error
	e.closeMu.Do(func() {
		e.mu.Lock()
		close(e.closed)
		peers := make([]*peer, 0, len(e.peers))
		for p := range e.peers {
			peers = append(peers, p)
		}
		e.mu.Unlock()
		for _, p := range peers {
			p.writeMu.Lock()
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
				time.Now().Add(time.Second))
			p.writeMu.Unlock()
			e.removePeer(p)
		}
		if e.srv != nil {
			err = e.srv.Close()
		}
	})
	return err
}
