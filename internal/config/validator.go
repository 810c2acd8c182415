package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs validation of the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateConnection(&cfg.Connection, result)
	validateSession(&cfg.Session, result)
	validateTransport(&cfg.Transport, result)
	validateAPI(&cfg.API, cfg.Transport.Port, result)

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.Timers.MaintenanceTime != "" {
		if _, _, err := ParseTimeOfDay(cfg.Timers.MaintenanceTime); err != nil {
			result.AddError("timers.maintenance_time", err.Error())
		}
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddWarning("database.path", "no database path, player registry will not be persisted")
	}

	return result
}

func validateConnection(c *ConnectionConfig, result *ValidationResult) {
	if strings.TrimSpace(c.PlayerID) == "" {
		result.AddError("connection.player_id", "player id is required")
	}
	if strings.TrimSpace(c.PlayerName) == "" {
		result.AddError("connection.player_name", "player name is required")
	}
	if c.ReconnectAttempts < 0 {
		result.AddError("connection.reconnect_attempts", "must not be negative")
	}
	if c.MaxConnectedPlayers < 1 {
		result.AddError("connection.max_connected_players", "must allow at least 1 player")
	}
	if c.TickIntervalMS < 1 {
		result.AddError("connection.tick_interval_ms", "must be at least 1ms")
	}
	if c.LobbyReconnectAttempts < 1 {
		result.AddError("connection.lobby_reconnect_attempts", "must be at least 1")
	}
	if c.LobbyReconnectDelayMS < 0 {
		result.AddError("connection.lobby_reconnect_delay_ms", "must not be negative")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.ServiceURL != "" {
		if _, err := url.ParseRequestURI(s.ServiceURL); err != nil {
			result.AddError("session.service_url", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	cooldowns := map[string]int{
		"session.query_cooldown_ms":      s.QueryCooldownMS,
		"session.join_cooldown_ms":       s.JoinCooldownMS,
		"session.quick_join_cooldown_ms": s.QuickJoinCooldownMS,
		"session.host_cooldown_ms":       s.HostCooldownMS,
	}
	for field, ms := range cooldowns {
		if ms <= 0 {
			result.AddError(field, "cooldown must be positive")
		}
	}

	if s.HeartbeatIntervalS < 1 {
		result.AddError("session.heartbeat_interval_sec", "must be at least 1 second")
	} else if s.HeartbeatIntervalS > 25 {
		result.AddWarning("session.heartbeat_interval_sec",
			"heartbeat interval above 25s may let the remote session expire")
	}
}

func validateTransport(t *TransportConfig, result *ValidationResult) {
	switch t.Kind {
	case TransportTCP, TransportWebSocket:
	default:
		result.AddError("transport.kind", fmt.Sprintf("unknown transport %q (want tcp or websocket)", t.Kind))
	}

	if strings.TrimSpace(t.Address) == "" {
		result.AddError("transport.address", "address is required")
	}
	validatePort(t.Port, "transport.port", result)

	if t.Kind == TransportWebSocket && !strings.HasPrefix(t.Path, "/") {
		result.AddError("transport.path", "websocket path must start with /")
	}
}

func validateAPI(a *APIConfig, transportPort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == transportPort {
		result.AddError("api.port", "port conflict with transport.port")
	}
	if a.AuthToken == "" {
		result.AddWarning("api.auth_token",
			"no auth token, control routes are open to anyone who can reach the API port")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// ParseTimeOfDay parses a 24h "HH:MM" value.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
