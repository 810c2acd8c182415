// Package config handles configuration loading, validation, and persistence
// for the netsession peer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultAPIPort       = 5080
	DefaultTransportPort = 7777

	redacted = "********"
)

// Transport kinds understood by the transport factory.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Connection ConnectionConfig `json:"connection"`
	Session    SessionConfig    `json:"session"`
	Transport  TransportConfig  `json:"transport"`
	API        APIConfig        `json:"api"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Database   DatabaseConfig   `json:"database"`
	Timers     TimerConfig      `json:"timers"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectionConfig holds state machine tuning.
type ConnectionConfig struct {
	PlayerID               string `json:"player_id"`
	PlayerName             string `json:"player_name"`
	DebugBuild             bool   `json:"debug_build"`
	ReconnectAttempts      int    `json:"reconnect_attempts"`
	MaxConnectedPlayers    int    `json:"max_connected_players"`
	TickIntervalMS         int    `json:"tick_interval_ms"`
	LobbyReconnectAttempts int    `json:"lobby_reconnect_attempts"`
	LobbyReconnectDelayMS  int    `json:"lobby_reconnect_delay_ms"`
	ClientIDReleaseDelayMS int    `json:"client_id_release_delay_ms"`
}

// TickInterval is the duration of one logical tick.
func (c ConnectionConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// LobbyReconnectDelay is the pause between session rejoin attempts.
func (c ConnectionConfig) LobbyReconnectDelay() time.Duration {
	return time.Duration(c.LobbyReconnectDelayMS) * time.Millisecond
}

// ClientIDReleaseDelay is how long a disconnected client id stays mapped.
func (c ConnectionConfig) ClientIDReleaseDelay() time.Duration {
	return time.Duration(c.ClientIDReleaseDelayMS) * time.Millisecond
}

// SessionConfig holds remote session service settings.
type SessionConfig struct {
	ServiceURL          string `json:"service_url"`
	APIKey              string `json:"api_key"`
	SessionName         string `json:"session_name"`
	HeartbeatIntervalS  int    `json:"heartbeat_interval_sec"`
	HostPollIntervalS   int    `json:"host_poll_interval_sec"`
	RequestTimeoutS     int    `json:"request_timeout_sec"`
	QueryCooldownMS     int    `json:"query_cooldown_ms"`
	JoinCooldownMS      int    `json:"join_cooldown_ms"`
	QuickJoinCooldownMS int    `json:"quick_join_cooldown_ms"`
	HostCooldownMS      int    `json:"host_cooldown_ms"`
}

// Enabled reports whether a session service is configured.
func (s SessionConfig) Enabled() bool {
	return s.ServiceURL != ""
}

// TransportConfig selects and addresses the network transport.
type TransportConfig struct {
	Kind              string `json:"kind"`
	Address           string `json:"address"`
	Port              int    `json:"port"`
	Path              string `json:"path"`
	HandshakeTimeoutS int    `json:"handshake_timeout_sec"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	AuthToken      string   `json:"auth_token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
	TopicRoot string `json:"topic_root"`
}

// DatabaseConfig holds the player registry database location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TimerConfig holds maintenance intervals.
type TimerConfig struct {
	RegistryPurgeInterval int `json:"registry_purge_interval_sec"`
	PlayerStaleAfter      int `json:"player_stale_after_sec"`
	StatusInterval        int `json:"status_interval_sec"`
	ServicePingInterval   int `json:"service_ping_interval_sec"`
	// MaintenanceTime is the local "HH:MM" the daily maintenance runs at.
	MaintenanceTime string `json:"maintenance_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			PlayerName:             "Player",
			ReconnectAttempts:      2,
			MaxConnectedPlayers:    8,
			TickIntervalMS:         16,
			LobbyReconnectAttempts: 5,
			LobbyReconnectDelayMS:  1000,
			ClientIDReleaseDelayMS: 5000,
		},
		Session: SessionConfig{
			SessionName:         "netsession",
			HeartbeatIntervalS:  8,
			HostPollIntervalS:   2,
			RequestTimeoutS:     10,
			QueryCooldownMS:     1000,
			JoinCooldownMS:      3000,
			QuickJoinCooldownMS: 10000,
			HostCooldownMS:      3000,
		},
		Transport: TransportConfig{
			Kind:              TransportTCP,
			Address:           "127.0.0.1",
			Port:              DefaultTransportPort,
			Path:              "/connect",
			HandshakeTimeoutS: 10,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Port:      8883,
			UseTLS:    true,
			TopicRoot: "netsession",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DefaultConfigDir, "players.db"),
		},
		Timers: TimerConfig{
			RegistryPurgeInterval: 30,
			PlayerStaleAfter:      600,
			StatusInterval:        60,
			ServicePingInterval:   30,
			MaintenanceTime:       "04:00",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating a default one when
// none exists. A stable player id is generated on first load.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	if cfg.Connection.PlayerID == "" {
		cfg.Connection.PlayerID = uuid.NewString()
		log.Info().Str("player_id", cfg.Connection.PlayerID).Msg("generated player id")
	}

	// Persist new default fields and the generated player id.
	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return nil
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetConnection returns a copy of the connection settings.
func (c *Config) GetConnection() ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connection
}

// SetConnection replaces the connection settings.
func (c *Config) SetConnection(conn ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connection = conn
}

// GetSession returns a copy of the session service settings.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// GetTransport returns a copy of the transport settings.
func (c *Config) GetTransport() TransportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transport
}

// SetTransport replaces the transport settings.
func (c *Config) SetTransport(t TransportConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transport = t
}

// GetAPI returns a copy of the REST API settings.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT settings.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetTimers returns a copy of the maintenance intervals.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// View is an unlocked copy of every section.
type View struct {
	Connection ConnectionConfig `json:"connection"`
	Session    SessionConfig    `json:"session"`
	Transport  TransportConfig  `json:"transport"`
	API        APIConfig        `json:"api"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Database   DatabaseConfig   `json:"database"`
	Timers     TimerConfig      `json:"timers"`
	Logging    LoggingConfig    `json:"logging"`
}

// View returns a copy of the configuration with secrets blanked.
func (c *Config) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := View{
		Connection: c.Connection,
		Session:    c.Session,
		Transport:  c.Transport,
		API:        c.API,
		MQTT:       c.MQTT,
		Database:   c.Database,
		Timers:     c.Timers,
		Logging:    c.Logging,
	}
	v.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	if v.Session.APIKey != "" {
		v.Session.APIKey = redacted
	}
	if v.API.AuthToken != "" {
		v.API.AuthToken = redacted
	}
	return v
}

// UpdateField sets a single JSON field inside a named section, for example
// UpdateField("connection", "player_name", "Ayla").
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "connection":
		target = &c.Connection
	case "session":
		target = &c.Session
	case "transport":
		target = &c.Transport
	case "api":
		target = &c.API
	case "mqtt":
		target = &c.MQTT
	case "database":
		target = &c.Database
	case "timers":
		target = &c.Timers
	case "logging":
		target = &c.Logging
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}
	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", section, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the player has never picked a name.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connection.PlayerName == "" || c.Connection.PlayerName == "Player"
}
