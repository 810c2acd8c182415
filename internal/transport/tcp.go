package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/energizer-project/netsession/internal/protocol"
)

const writeTimeout = 10 * time.Second

// tcpConn carries length-prefixed frames over a TCP stream.
type tcpConn struct {
	conn net.Conn
}

func newTCPConn(conn net.Conn) *tcpConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpConn{conn: conn}
}

func (c *tcpConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return protocol.ReadPacket(c.conn)
}

func (c *tcpConn) WriteFrame(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WritePacket(c.conn, data)
}

func (c *tcpConn) CloseWrite() error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return c.conn.Close()
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (frameConn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPConn(conn), nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}

type tcpDriver struct{}

func (tcpDriver) Name() string {
	return "tcp"
}

func (tcpDriver) Listen(address string, port int) (frameListener, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	// SO_REUSEADDR lets a restarted host rebind while old sockets sit in TIME_WAIT.
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

func (tcpDriver) Dial(ctx context.Context, address string, port int) (frameConn, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return newTCPConn(conn), nil
}

// NewTCP creates a transport that frames over raw TCP.
func NewTCP(opts Options) Transport {
	return newEndpoint(tcpDriver{}, opts)
}
