package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netsession/internal/protocol"
)

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	for {
		if timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	if len(data) > protocol.MaxPacketSize {
		return fmt.Errorf("packet too large: %d bytes (max %d)", len(data), protocol.MaxPacketSize)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wsListener serves the upgrade endpoint and hands upgraded connections
// to Accept.
type wsListener struct {
	ln      net.Listener
	srv     *http.Server
	conns   chan frameConn
	closed  chan struct{}
	closeMu sync.Once
}

func (l *wsListener) Accept() (frameConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeMu.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

type wsDriver struct {
	path             string
	handshakeTimeout time.Duration
}

func (d wsDriver) Name() string {
	return "websocket"
}

func (d wsDriver) Listen(address string, port int) (frameListener, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &wsListener{
		ln:     ln,
		conns:  make(chan frameConn),
		closed: make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: d.handshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(d.path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		select {
		case l.conns <- &wsConn{conn: conn}:
		case <-l.closed:
			_ = conn.Close()
		}
	})

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: d.handshakeTimeout,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("websocket server stopped")
			_ = l.Close()
		}
	}()
	return l, nil
}

func (d wsDriver) Dial(ctx context.Context, address string, port int) (frameConn, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(address, strconv.Itoa(port)),
		Path:   d.path,
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}
	return &wsConn{conn: conn}, nil
}

// NewWebSocket creates a transport that frames over WebSocket binary
// messages.
func NewWebSocket(opts Options) Transport {
	path := opts.Path
	if path == "" {
		path = "/connect"
	}
	return newEndpoint(wsDriver{path: path, handshakeTimeout: opts.HandshakeTimeout}, opts)
}
