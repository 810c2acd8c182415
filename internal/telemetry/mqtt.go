// Package telemetry mirrors connection lifecycle events to an MQTT broker
// and accepts a small set of remote commands.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/util"
)

// Topic suffixes below the configured topic root.
const (
	TopicStatus    = "status"
	TopicState     = "state"
	TopicReconnect = "reconnect"
	TopicPlayers   = "players"
	TopicSession   = "session"
	TopicErrors    = "errors"
	TopicAdmin     = "admin"
	TopicCommand   = "command"
)

// CommandShutdown asks the peer to leave its current session.
const CommandShutdown = "shutdown"

// Controller is the part of the connection manager remote commands reach.
type Controller interface {
	RequestShutdown()
}

// Command is the body accepted on the command topic.
type Command struct {
	Action string `json:"action"`
}

// MQTTHandler publishes lifecycle events and listens for commands.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	control  Controller
	logger   zerolog.Logger

	// Included in every message.
	metadata map[string]interface{}
}

// NewMQTTHandler builds a handler for cfg. The broker is not contacted
// until Start.
func NewMQTTHandler(cfg config.MQTTConfig, playerID string, eventBus *events.EventBus, control Controller) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("mqtt is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		control:  control,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"player_id": playerID,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("netsession-%s", playerID))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load mqtt tls certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// Resubscribe after every (re)connect; the session is clean.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		handler.logger.Info().Msg("mqtt connected")
		handler.subscribeCommands(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

// newWithClient wires a handler around an existing client.
func newWithClient(cfg config.MQTTConfig, client mqtt.Client, eventBus *events.EventBus, control Controller) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		control:  control,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{},
	}
}

// Start connects to the broker, mirrors events until ctx is done, then
// announces shutdown and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to mqtt broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("mqtt disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventConnectStatus, "mqtt.status", h.forward(TopicStatus))
	h.eventBus.Subscribe(events.EventStateChanged, "mqtt.state", h.forward(TopicState))
	h.eventBus.Subscribe(events.EventReconnect, "mqtt.reconnect", h.forward(TopicReconnect))
	h.eventBus.Subscribe(events.EventConnectionEvent, "mqtt.players", h.forward(TopicPlayers))
	h.eventBus.Subscribe(events.EventSessionTracked, "mqtt.session", h.forward(TopicSession))
	h.eventBus.Subscribe(events.EventServiceError, "mqtt.errors", h.forward(TopicErrors))
	h.eventBus.Subscribe(events.EventStatusReport, "mqtt.report", h.forward(TopicAdmin))
	h.eventBus.Subscribe(events.EventConfigChanged, "mqtt.config", h.forward(TopicAdmin))
	h.eventBus.Subscribe(events.EventMaintenance, "mqtt.maintenance", h.forward(TopicAdmin))
}

func (h *MQTTHandler) unsubscribeEvents() {
	for ev, name := range map[events.EventType]string{
		events.EventConnectStatus:   "mqtt.status",
		events.EventStateChanged:    "mqtt.state",
		events.EventReconnect:       "mqtt.reconnect",
		events.EventConnectionEvent: "mqtt.players",
		events.EventSessionTracked:  "mqtt.session",
		events.EventServiceError:    "mqtt.errors",
		events.EventStatusReport:    "mqtt.report",
		events.EventConfigChanged:   "mqtt.config",
		events.EventMaintenance:     "mqtt.maintenance",
	} {
		h.eventBus.Unsubscribe(ev, name)
	}
}

func (h *MQTTHandler) subscribeCommands(c mqtt.Client) {
	topic := h.topic(TopicCommand)
	token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		h.handleCommand(msg.Payload())
	})
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("failed to subscribe to commands")
		}
	}()
}

func (h *MQTTHandler) handleCommand(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Warn().Err(err).Msg("ignoring malformed mqtt command")
		return
	}
	switch cmd.Action {
	case CommandShutdown:
		h.logger.Info().Msg("shutdown requested over mqtt")
		if h.control != nil {
			h.control.RequestShutdown()
		}
	default:
		h.logger.Warn().Str("action", cmd.Action).Msg("unknown mqtt command")
	}
}

func (h *MQTTHandler) forward(suffix string) events.HandlerFunc {
	return func(_ context.Context, event events.Event) error {
		h.publish(h.topic(suffix), string(event.Type), event.Payload)
		return nil
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicRoot == "" {
		return suffix
	}
	return h.cfg.TopicRoot + "/" + suffix
}

// publish sends a JSON message at QoS 1.
func (h *MQTTHandler) publish(topic, event string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal mqtt message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown announces that this peer is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), string(events.EventShutdown), nil)
}
