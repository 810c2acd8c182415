package transport

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/protocol"
	"github.com/energizer-project/netsession/internal/util"
)

type role int

const (
	roleNone role = iota
	roleHost
	roleServer
	roleClient
)

func (r role) String() string {
	switch r {
	case roleHost:
		return "host"
	case roleServer:
		return "server"
	case roleClient:
		return "client"
	}
	return "none"
}

// peer is one live connection.
type peer struct {
	id   uint64
	conn frameConn

	mu      sync.Mutex
	closing bool
	closed  bool
}

func (p *peer) send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.closing {
		return ErrConnectionClosed
	}
	return p.conn.WriteFrame(data)
}

// finish writes an optional reason frame and half-closes. The read side
// keeps draining until the remote end closes or close is called.
func (p *peer) finish(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.closing {
		return
	}
	if reason != "" {
		_ = p.conn.WriteFrame(protocol.BuildReason(reason))
	}
	p.closing = true
	_ = p.conn.CloseWrite()
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.Close()
}

// endpoint implements Transport on top of a driver. Every start bumps a
// generation counter; callbacks raised by goroutines of an older
// generation are dropped.
type endpoint struct {
	driver driver
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	handler  Handler
	role     role
	gen      uint64
	address  string
	port     int
	payload  []byte
	listener frameListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// server side
	peers         map[uint64]*peer
	nextID        uint64
	hostConnected bool

	// client side
	client          *peer
	clientConnected bool
	localID         uint64
	reason          string

	shuttingDown bool
	shutdownDone chan struct{}
}

func newEndpoint(d driver, opts Options) *endpoint {
	return &endpoint{
		driver: d,
		opts:   opts,
		logger: util.ComponentLogger("transport").With().Str("driver", d.Name()).Logger(),
	}
}

func (e *endpoint) Kind() string {
	return e.driver.Name()
}

func (e *endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *endpoint) SetConnectionData(address string, port int, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.address = address
	e.port = port
	e.payload = append([]byte(nil), payload...)
}

// notify runs fn against the handler if gen is still current.
func (e *endpoint) notify(gen uint64, fn func(Handler)) {
	e.mu.Lock()
	h := e.handler
	current := e.gen == gen
	e.mu.Unlock()
	if h == nil || !current {
		return
	}
	fn(h)
}

// awaitShutdownLocked waits for an in-flight shutdown to complete. It is
// called with e.mu held and returns with it held.
func (e *endpoint) awaitShutdownLocked() {
	if !e.shuttingDown {
		return
	}
	done := e.shutdownDone
	e.mu.Unlock()
	select {
	case <-done:
	case <-time.After(e.opts.HandshakeTimeout):
		e.logger.Warn().Msg("timed out waiting for previous shutdown")
	}
	e.mu.Lock()
}

func (e *endpoint) StartHost() bool {
	return e.startListening(roleHost)
}

func (e *endpoint) StartServer() bool {
	return e.startListening(roleServer)
}

func (e *endpoint) startListening(r role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.awaitShutdownLocked()
	if e.role != roleNone || e.shuttingDown {
		e.logger.Warn().Str("role", e.role.String()).Msg("transport already running")
		return false
	}

	ln, err := e.driver.Listen(e.address, e.port)
	if err != nil {
		e.logger.Error().Err(err).Str("address", e.address).Int("port", e.port).Msg("failed to listen")
		return false
	}

	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.role = r
	e.listener = ln
	e.cancel = cancel
	e.peers = make(map[uint64]*peer)
	e.nextID = 1
	e.localID = ServerClientID
	e.hostConnected = false
	e.reason = ""

	e.logger.Info().Str("role", r.String()).Str("addr", ln.Addr()).Msg("transport listening")

	e.wg.Add(1)
	go e.acceptLoop(ctx, gen, ln)

	e.wg.Add(1)
	if r == roleHost {
		go e.approveLocalHost(ctx, gen, e.payload)
	} else {
		go func() {
			defer e.wg.Done()
			e.notify(gen, func(h Handler) { h.ServerStarted() })
		}()
	}
	return true
}

// approveLocalHost runs the approval check for the host's own client
// before reporting the server as started.
func (e *endpoint) approveLocalHost(ctx context.Context, gen uint64, payload []byte) {
	defer e.wg.Done()

	resp := make(chan protocol.ApprovalResponse, 4)
	asked := false
	e.notify(gen, func(h Handler) {
		asked = true
		h.ApprovalCheck(protocol.ApprovalRequest{ClientID: ServerClientID, Payload: payload}, responder(resp))
	})
	approved := !asked || e.awaitApproval(ctx, nil, resp)

	if !approved {
		e.logger.Warn().Msg("local host client was not approved")
		e.notify(gen, func(h Handler) { h.ClientDisconnected(ServerClientID) })
		return
	}

	e.mu.Lock()
	if e.gen == gen {
		e.hostConnected = true
	}
	e.mu.Unlock()

	e.notify(gen, func(h Handler) { h.ServerStarted() })
	e.notify(gen, func(h Handler) { h.ClientConnected(ServerClientID) })
}

func responder(ch chan<- protocol.ApprovalResponse) protocol.Responder {
	return func(r protocol.ApprovalResponse) {
		select {
		case ch <- r:
		default:
		}
	}
}

// awaitApproval waits for a final approval response. Pending responses
// flush their reason to p, if set.
func (e *endpoint) awaitApproval(ctx context.Context, p *peer, resp <-chan protocol.ApprovalResponse) bool {
	timer := time.NewTimer(e.opts.ApprovalTimeout)
	defer timer.Stop()

	for {
		select {
		case r := <-resp:
			if r.Pending {
				if p != nil && r.Reason != "" {
					_ = p.send(protocol.BuildReason(r.Reason))
				}
				continue
			}
			if !r.Approved && p != nil && r.Reason != "" {
				_ = p.send(protocol.BuildReason(r.Reason))
			}
			return r.Approved
		case <-timer.C:
			e.logger.Warn().Msg("approval timed out")
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (e *endpoint) acceptLoop(ctx context.Context, gen uint64, ln frameListener) {
	defer e.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				e.logger.Error().Err(err).Msg("listener closed unexpectedly")
				e.notify(gen, func(h Handler) { h.TransportFailure() })
				return
			}
			e.logger.Error().Err(err).Msg("failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		e.logger.Debug().Str("remote", conn.RemoteAddr()).Msg("new connection")
		e.wg.Add(1)
		go e.servePeer(ctx, gen, conn)
	}
}

// servePeer runs the host side of one client connection: hello, approval,
// then the read loop until either end closes.
func (e *endpoint) servePeer(ctx context.Context, gen uint64, conn frameConn) {
	defer e.wg.Done()

	p := &peer{conn: conn}
	defer p.close()

	data, err := conn.ReadFrame(e.opts.HandshakeTimeout)
	if err != nil {
		e.logger.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("failed to read hello")
		return
	}
	frame, err := protocol.ParseFrame(data)
	if err != nil || frame.Kind != protocol.FrameHello {
		e.logger.Warn().Str("remote", conn.RemoteAddr()).Msg("expected hello as first frame")
		return
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	p.id = e.nextID
	e.nextID++
	e.mu.Unlock()

	resp := make(chan protocol.ApprovalResponse, 4)
	asked := false
	e.notify(gen, func(h Handler) {
		asked = true
		h.ApprovalCheck(protocol.ApprovalRequest{ClientID: p.id, Payload: frame.Body}, responder(resp))
	})
	approved := !asked || e.awaitApproval(ctx, p, resp)
	if !approved {
		e.logger.Debug().Uint64("client", p.id).Msg("client denied")
		p.finish("")
		e.drain(p)
		return
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.peers[p.id] = p
	e.mu.Unlock()

	if err := p.send(protocol.BuildApproved(p.id)); err != nil {
		e.logger.Warn().Err(err).Uint64("client", p.id).Msg("failed to send approval")
	}
	e.logger.Info().Uint64("client", p.id).Str("remote", conn.RemoteAddr()).Msg("client connected")
	e.notify(gen, func(h Handler) { h.ClientConnected(p.id) })

	e.readLoop(p, nil)

	e.mu.Lock()
	if e.peers[p.id] == p {
		delete(e.peers, p.id)
	}
	e.mu.Unlock()

	e.logger.Info().Uint64("client", p.id).Msg("client disconnected")
	e.notify(gen, func(h Handler) { h.ClientDisconnected(p.id) })
}

// readLoop reads frames until the connection fails, keeping it alive in
// the background. onFrame may be nil.
func (e *endpoint) readLoop(p *peer, onFrame func(protocol.Frame)) {
	stop := make(chan struct{})
	defer close(stop)
	go e.keepAlive(p, stop)

	for {
		data, err := p.conn.ReadFrame(e.opts.IdleTimeout)
		if err != nil {
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			e.logger.Debug().Err(err).Uint64("client", p.id).Msg("dropping malformed frame")
			continue
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

// drain consumes frames from a half-closed connection until the remote
// end closes or the linger time passes.
func (e *endpoint) drain(p *peer) {
	deadline := time.Now().Add(e.opts.Linger)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if _, err := p.conn.ReadFrame(remaining); err != nil {
			return
		}
	}
}

func (e *endpoint) keepAlive(p *peer, stop <-chan struct{}) {
	ticker := time.NewTicker(e.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.send(protocol.BuildKeepAlive()); err != nil {
				return
			}
		}
	}
}

func (e *endpoint) StartClient() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.awaitShutdownLocked()
	if e.role != roleNone || e.shuttingDown {
		e.logger.Warn().Str("role", e.role.String()).Msg("transport already running")
		return false
	}

	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.role = roleClient
	e.cancel = cancel
	e.reason = ""
	e.localID = 0
	e.clientConnected = false

	e.wg.Add(1)
	go e.runClient(ctx, gen, e.address, e.port, e.payload)
	return true
}

func (e *endpoint) runClient(ctx context.Context, gen uint64, address string, port int, payload []byte) {
	defer e.wg.Done()

	dctx, cancel := context.WithTimeout(ctx, e.opts.HandshakeTimeout)
	conn, err := e.driver.Dial(dctx, address, port)
	cancel()
	if err != nil {
		e.logger.Warn().Err(err).Str("address", address).Int("port", port).Msg("failed to connect")
		e.endClient(gen, nil)
		return
	}

	p := &peer{conn: conn}
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		p.close()
		return
	}
	e.client = p
	e.mu.Unlock()

	if err := p.send(protocol.BuildHello(payload)); err != nil {
		e.logger.Warn().Err(err).Msg("failed to send hello")
		p.close()
		e.endClient(gen, p)
		return
	}

	e.readLoop(p, func(f protocol.Frame) {
		switch f.Kind {
		case protocol.FrameApproved:
			e.mu.Lock()
			if e.gen == gen {
				e.localID = f.ClientID
				e.clientConnected = true
				p.id = f.ClientID
			}
			e.mu.Unlock()
			e.logger.Info().Uint64("client", f.ClientID).Msg("connection approved")
			e.notify(gen, func(h Handler) { h.ClientConnected(f.ClientID) })
		case protocol.FrameReason:
			e.mu.Lock()
			if e.gen == gen {
				e.reason = f.Reason
			}
			e.mu.Unlock()
			e.logger.Info().Str("reason", f.Reason).Msg("disconnect reason received")
			e.notify(gen, func(h Handler) { h.DisconnectReasonReceived(f.Reason) })
		}
	})
	p.close()
	e.endClient(gen, p)
}

// endClient resets the client role after the connection ended on its own
// and reports the disconnect.
func (e *endpoint) endClient(gen uint64, p *peer) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	id := e.localID
	e.role = roleNone
	e.client = nil
	e.clientConnected = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	e.logger.Info().Uint64("client", id).Msg("disconnected from host")
	e.notify(gen, func(h Handler) { h.ClientDisconnected(id) })
}

// DisconnectClient sends reason to the client and closes its connection
// after the linger time. The client leaves ConnectedClientIDs at once; the
// ClientDisconnected callback still follows when its connection ends.
func (e *endpoint) DisconnectClient(clientID uint64, reason string) {
	e.mu.Lock()
	p := e.peers[clientID]
	delete(e.peers, clientID)
	e.mu.Unlock()

	if p == nil {
		e.logger.Debug().Uint64("client", clientID).Msg("disconnect requested for unknown client")
		return
	}
	e.logger.Info().Uint64("client", clientID).Str("reason", reason).Msg("disconnecting client")
	p.finish(reason)
	time.AfterFunc(e.opts.Linger, p.close)
}

func (e *endpoint) Shutdown() {
	e.mu.Lock()
	if e.role == roleNone || e.shuttingDown {
		e.mu.Unlock()
		return
	}

	r := e.role
	ln := e.listener
	client := e.client
	cancel := e.cancel
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.gen++
	stopGen := e.gen
	e.shuttingDown = true
	done := make(chan struct{})
	e.shutdownDone = done
	e.mu.Unlock()

	e.logger.Info().Str("role", r.String()).Int("clients", len(peers)).Msg("transport shutting down")

	go func() {
		// Cancel first so the accept loop reads the closed listener as a
		// requested stop.
		if cancel != nil {
			cancel()
		}
		for _, p := range peers {
			p.finish(protocol.HostShuttingDownReason)
		}
		if ln != nil {
			_ = ln.Close()
		}
		if client != nil {
			client.close()
		}

		hard := time.AfterFunc(e.opts.Linger, func() {
			for _, p := range peers {
				p.close()
			}
		})
		e.wg.Wait()
		hard.Stop()

		e.mu.Lock()
		e.role = roleNone
		e.listener = nil
		e.cancel = nil
		e.peers = nil
		e.client = nil
		e.clientConnected = false
		e.hostConnected = false
		e.shuttingDown = false
		e.mu.Unlock()
		close(done)

		e.logger.Info().Msg("transport stopped")
		if r == roleHost || r == roleServer {
			// Dropped if the transport was started again meanwhile.
			e.notify(stopGen, func(h Handler) { h.ServerStopped() })
		}
	}()
}

func (e *endpoint) ShutdownInProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

func (e *endpoint) IsListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.shuttingDown && (e.role == roleHost || e.role == roleServer)
}

func (e *endpoint) IsConnectedClient() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.shuttingDown && e.role == roleClient && e.clientConnected
}

func (e *endpoint) DisconnectReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

func (e *endpoint) LocalClientID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localID
}

func (e *endpoint) ConnectedClientIDs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []uint64
	switch e.role {
	case roleHost, roleServer:
		if e.hostConnected {
			ids = append(ids, ServerClientID)
		}
		for id := range e.peers {
			ids = append(ids, id)
		}
	case roleClient:
		if e.clientConnected {
			ids = append(ids, e.localID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *endpoint) ListenAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil || e.shuttingDown {
		return ""
	}
	return e.listener.Addr()
}
