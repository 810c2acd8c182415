package transport

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netsession/internal/protocol"
)

type recorder struct {
	mu      sync.Mutex
	events  []string
	approve func(req protocol.ApprovalRequest, respond protocol.Responder)
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) has(ev string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) ClientConnected(id uint64)    { r.add("connected:%d", id) }
func (r *recorder) ClientDisconnected(id uint64) { r.add("disconnected:%d", id) }
func (r *recorder) ServerStarted()               { r.add("server_started") }
func (r *recorder) ServerStopped()               { r.add("server_stopped") }
func (r *recorder) TransportFailure()            { r.add("failure") }
func (r *recorder) DisconnectReasonReceived(reason string) {
	r.add("reason:%s", reason)
}

func (r *recorder) ApprovalCheck(req protocol.ApprovalRequest, respond protocol.Responder) {
	r.add("approval:%d", req.ClientID)
	if r.approve != nil {
		r.approve(req, respond)
		return
	}
	respond(protocol.Approve(true))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HandshakeTimeout = 2 * time.Second
	opts.ApprovalTimeout = 2 * time.Second
	opts.KeepAliveInterval = 50 * time.Millisecond
	opts.IdleTimeout = time.Second
	opts.Linger = 200 * time.Millisecond
	return opts
}

var drivers = map[string]func(Options) Transport{
	"tcp":       NewTCP,
	"websocket": NewWebSocket,
}

// startHost starts a host on an ephemeral port and returns the port.
func startHost(t *testing.T, tr Transport, rec *recorder) int {
	t.Helper()
	tr.SetHandler(rec)
	tr.SetConnectionData("127.0.0.1", 0, []byte(`{"playerId":"host"}`))
	require.True(t, tr.StartHost())
	t.Cleanup(tr.Shutdown)

	require.Eventually(t, func() bool { return rec.has("connected:0") }, 2*time.Second, 5*time.Millisecond)

	_, portStr, err := net.SplitHostPort(tr.ListenAddr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func startClient(t *testing.T, tr Transport, rec *recorder, port int) {
	t.Helper()
	tr.SetHandler(rec)
	tr.SetConnectionData("127.0.0.1", port, []byte(`{"playerId":"p1"}`))
	require.True(t, tr.StartClient())
	t.Cleanup(tr.Shutdown)
}

func TestHostAcceptsClient(t *testing.T) {
	for name, newTransport := range drivers {
		t.Run(name, func(t *testing.T) {
			hostRec, clientRec := &recorder{}, &recorder{}
			host, client := newTransport(testOptions()), newTransport(testOptions())

			port := startHost(t, host, hostRec)
			assert.Equal(t, []string{"approval:0", "server_started", "connected:0"}, hostRec.snapshot())
			assert.True(t, host.IsListening())

			startClient(t, client, clientRec, port)
			require.Eventually(t, client.IsConnectedClient, 2*time.Second, 5*time.Millisecond)

			assert.Equal(t, uint64(1), client.LocalClientID())
			assert.True(t, clientRec.has("connected:1"))
			require.Eventually(t, func() bool { return hostRec.has("connected:1") }, time.Second, 5*time.Millisecond)
			assert.Equal(t, []uint64{0, 1}, host.ConnectedClientIDs())

			// Keepalives hold the link open past the idle timeout.
			time.Sleep(1200 * time.Millisecond)
			assert.True(t, client.IsConnectedClient())
		})
	}
}

func TestDisconnectClientDeliversReason(t *testing.T) {
	for name, newTransport := range drivers {
		t.Run(name, func(t *testing.T) {
			hostRec, clientRec := &recorder{}, &recorder{}
			host, client := newTransport(testOptions()), newTransport(testOptions())

			port := startHost(t, host, hostRec)
			startClient(t, client, clientRec, port)
			require.Eventually(t, client.IsConnectedClient, 2*time.Second, 5*time.Millisecond)

			reason := protocol.EncodeReason(protocol.HostEndedSession)
			host.DisconnectClient(1, reason)

			require.Eventually(t, func() bool { return clientRec.has("disconnected:1") }, 2*time.Second, 5*time.Millisecond)
			assert.True(t, clientRec.has("reason:"+reason))
			assert.Equal(t, reason, client.DisconnectReason())
			assert.False(t, client.IsConnectedClient())
			require.Eventually(t, func() bool { return hostRec.has("disconnected:1") }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestDisconnectedClientLeavesConnectedListAtOnce(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, client := NewTCP(testOptions()), NewTCP(testOptions())

	port := startHost(t, host, hostRec)
	startClient(t, client, clientRec, port)
	require.Eventually(t, func() bool { return hostRec.has("connected:1") }, 2*time.Second, 5*time.Millisecond)

	host.DisconnectClient(1, "")
	assert.Equal(t, []uint64{0}, host.ConnectedClientIDs())

	require.Eventually(t, func() bool { return hostRec.has("disconnected:1") }, 2*time.Second, 5*time.Millisecond)
}

func TestPendingDenialFlushesReason(t *testing.T) {
	for name, newTransport := range drivers {
		t.Run(name, func(t *testing.T) {
			hostRec := &recorder{}
			hostRec.approve = func(req protocol.ApprovalRequest, respond protocol.Responder) {
				if req.ClientID == ServerClientID {
					respond(protocol.Approve(true))
					return
				}
				respond(protocol.DenyPending(protocol.ServerFull))
				go func() {
					time.Sleep(20 * time.Millisecond)
					respond(protocol.Deny(""))
				}()
			}
			clientRec := &recorder{}
			host, client := newTransport(testOptions()), newTransport(testOptions())

			port := startHost(t, host, hostRec)
			startClient(t, client, clientRec, port)

			require.Eventually(t, func() bool { return clientRec.has("disconnected:0") }, 2*time.Second, 5*time.Millisecond)
			status, err := protocol.DecodeReason(client.DisconnectReason())
			require.NoError(t, err)
			assert.Equal(t, protocol.ServerFull, status)
			assert.False(t, clientRec.has("connected:1"))
			assert.False(t, hostRec.has("connected:1"))
		})
	}
}

func TestHostShutdownNotifiesClients(t *testing.T) {
	for name, newTransport := range drivers {
		t.Run(name, func(t *testing.T) {
			hostRec, clientRec := &recorder{}, &recorder{}
			host, client := newTransport(testOptions()), newTransport(testOptions())

			port := startHost(t, host, hostRec)
			startClient(t, client, clientRec, port)
			require.Eventually(t, client.IsConnectedClient, 2*time.Second, 5*time.Millisecond)

			host.Shutdown()
			assert.True(t, host.ShutdownInProgress())

			require.Eventually(t, func() bool { return clientRec.has("disconnected:1") }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, protocol.HostShuttingDownReason, client.DisconnectReason())

			require.Eventually(t, func() bool { return !host.ShutdownInProgress() }, 2*time.Second, 5*time.Millisecond)
			assert.True(t, hostRec.has("server_stopped"))
			assert.False(t, hostRec.has("disconnected:1"), "callbacks of a stopped run are dropped")
			assert.False(t, host.IsListening())
		})
	}
}

func TestClientFailsToReachHost(t *testing.T) {
	for name, newTransport := range drivers {
		t.Run(name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			port := ln.Addr().(*net.TCPAddr).Port
			require.NoError(t, ln.Close())

			rec := &recorder{}
			client := newTransport(testOptions())
			startClient(t, client, rec, port)

			require.Eventually(t, func() bool { return rec.has("disconnected:0") }, 2*time.Second, 5*time.Millisecond)
			assert.Empty(t, client.DisconnectReason())

			// The transport resets itself and can be started again.
			assert.True(t, client.StartClient())
		})
	}
}

func TestClientShutdownIsSilent(t *testing.T) {
	hostRec, clientRec := &recorder{}, &recorder{}
	host, client := NewTCP(testOptions()), NewTCP(testOptions())

	port := startHost(t, host, hostRec)
	startClient(t, client, clientRec, port)
	require.Eventually(t, client.IsConnectedClient, 2*time.Second, 5*time.Millisecond)

	client.Shutdown()
	require.Eventually(t, func() bool { return !client.ShutdownInProgress() }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, clientRec.has("disconnected:1"))
	require.Eventually(t, func() bool { return hostRec.has("disconnected:1") }, 2*time.Second, 5*time.Millisecond)
}

func TestStartWhileRunningFails(t *testing.T) {
	rec := &recorder{}
	host := NewTCP(testOptions())
	startHost(t, host, rec)

	assert.False(t, host.StartClient())
	assert.False(t, host.StartServer())
}

// logBuffer is a goroutine-safe log sink.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestHostShutdownLogsNoListenerError(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	out := &logBuffer{}
	log.Logger = zerolog.New(out)

	for name, newTransport := range drivers {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			host := newTransport(testOptions())
			startHost(t, host, rec)

			host.Shutdown()
			require.Eventually(t, func() bool { return rec.has("server_stopped") }, 2*time.Second, 5*time.Millisecond)
			assert.False(t, rec.has("failure"))
		})
	}

	assert.Contains(t, out.String(), "transport stopped")
	assert.NotContains(t, out.String(), "listener closed unexpectedly")
}
