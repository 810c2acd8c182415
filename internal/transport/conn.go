package transport

import (
	"context"
	"time"
)

// frameConn is one framed, bidirectional connection. ReadFrame is only
// called from a single goroutine; WriteFrame is serialized by the caller.
type frameConn interface {
	ReadFrame(timeout time.Duration) ([]byte, error)
	WriteFrame(data []byte) error
	// CloseWrite signals the end of outgoing frames while reads continue,
	// so frames already written reach the peer before the close.
	CloseWrite() error
	Close() error
	RemoteAddr() string
}

type frameListener interface {
	Accept() (frameConn, error)
	Close() error
	Addr() string
}

// driver opens listeners and dials for one wire format.
type driver interface {
	Name() string
	Listen(address string, port int) (frameListener, error)
	Dial(ctx context.Context, address string, port int) (frameConn, error)
}
