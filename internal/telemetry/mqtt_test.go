package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/protocol"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic string
	body  map[string]interface{}
}

// fakeClient records publishes. Methods the handler never calls are left to
// the embedded nil interface.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	sent      []published
	handlers  map[string]mqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic: topic, body: body})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type shutdownCounter struct{ n atomic.Int32 }

func (s *shutdownCounter) RequestShutdown() { s.n.Add(1) }

func TestEventsAreMirroredUnderTopicRoot(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	client := &fakeClient{}
	h := newWithClient(config.MQTTConfig{TopicRoot: "ns"}, client, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()
	require.Eventually(t, func() bool { return bus.HandlerCount(events.EventConnectStatus) == 1 }, time.Second, time.Millisecond)

	bus.Publish(ctx, events.Event{
		Type:    events.EventConnectStatus,
		Payload: events.ConnectStatusPayload{Status: protocol.ServerFull},
	})
	bus.Publish(ctx, events.Event{
		Type:    events.EventStateChanged,
		Payload: events.StateChangedPayload{From: "Offline", To: "ClientConnecting"},
	})

	cancel()
	require.NoError(t, <-done)

	msgs := client.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "ns/status", msgs[0].topic)
	assert.Equal(t, string(events.EventConnectStatus), msgs[0].body["event"])
	assert.Equal(t, "ns/state", msgs[1].topic)
	assert.Equal(t, "ns/admin", msgs[2].topic)
	assert.Equal(t, string(events.EventShutdown), msgs[2].body["event"])

	assert.Zero(t, bus.HandlerCount(events.EventConnectStatus))
}

func TestNothingIsSentWhileDisconnected(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	client := &fakeClient{}
	h := newWithClient(config.MQTTConfig{}, client, bus, nil)

	h.publish(h.topic(TopicStatus), "x", nil)
	assert.Empty(t, client.messages())
	assert.Equal(t, "status", h.topic(TopicStatus))
}

func TestShutdownCommand(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	client := &fakeClient{}
	ctrl := &shutdownCounter{}
	h := newWithClient(config.MQTTConfig{TopicRoot: "ns"}, client, bus, ctrl)

	h.subscribeCommands(client)
	cb := client.handlers["ns/command"]
	require.NotNil(t, cb)

	cb(client, fakeMessage{payload: []byte(`{"action":"shutdown"}`)})
	cb(client, fakeMessage{payload: []byte(`{"action":"reboot"}`)})
	cb(client, fakeMessage{payload: []byte(`not json`)})

	assert.EqualValues(t, 1, ctrl.n.Load())
}

func TestDisabledConfigIsRejected(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, "p1", events.NewEventBus(), nil)
	require.Error(t, err)
}
