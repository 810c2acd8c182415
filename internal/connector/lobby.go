// Package connector implements the HTTP client for the remote lobby and
// relay service consumed by the session facade.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/session"
)

const (
	userAgent          = "netsession/1.0"
	maxErrorBodyLength = 512
)

// LobbyClient talks JSON over HTTP to the lobby service. It implements
// session.Service and session.RelayService.
type LobbyClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var (
	_ session.Service      = (*LobbyClient)(nil)
	_ session.RelayService = (*LobbyClient)(nil)
)

// NewLobbyClient creates a client for the configured service URL.
func NewLobbyClient(cfg config.SessionConfig) *LobbyClient {
	timeout := time.Duration(cfg.RequestTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LobbyClient{
		baseURL: normalizeBaseURL(cfg.ServiceURL),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// normalizeBaseURL adds a scheme when the configured value is a bare host
// and strips any trailing slash.
func normalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}

// BaseURL returns the normalized service URL.
func (c *LobbyClient) BaseURL() string {
	return c.baseURL
}

// Ping checks that the service answers its health endpoint.
func (c *LobbyClient) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil)
}

func (c *LobbyClient) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	if c.baseURL == "" {
		return &session.ServiceError{Op: op, Kind: session.KindOther, Err: errors.New("no service url configured")}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &session.ServiceError{Op: op, Kind: session.KindOther, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		log.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("body", string(msg)).
			Msg("lobby request failed")
		return &session.ServiceError{
			Op:     op,
			Kind:   kindForStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func kindForStatus(status int) session.ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return session.KindRateLimited
	case http.StatusNotFound, http.StatusGone:
		return session.KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return session.KindUnauthorized
	}
	return session.KindOther
}

func sessionPath(id string, rest ...string) string {
	p := "/sessions/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

func (c *LobbyClient) sessionCall(ctx context.Context, op, method, path string, in interface{}) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, op, method, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession creates a session hosted by opts.Host.
func (c *LobbyClient) CreateSession(ctx context.Context, opts session.CreateOptions) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpCreate, http.MethodPost, "/sessions", opts)
}

type joinRequest struct {
	Code   string         `json:"code,omitempty"`
	Player session.Player `json:"player"`
}

// JoinSessionByCode joins using a join code.
func (c *LobbyClient) JoinSessionByCode(ctx context.Context, code string, p session.Player) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpJoinByCode, http.MethodPost, "/sessions/join", joinRequest{Code: code, Player: p})
}

// JoinSessionByID joins a listed session.
func (c *LobbyClient) JoinSessionByID(ctx context.Context, id string, p session.Player) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpJoinByID, http.MethodPost, sessionPath(id, "players"), joinRequest{Player: p})
}

// QuickJoin joins any open session.
func (c *LobbyClient) QuickJoin(ctx context.Context, p session.Player) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpQuickJoin, http.MethodPost, "/sessions/quickjoin", joinRequest{Player: p})
}

// ReconnectToSession marks playerID as back in session id.
func (c *LobbyClient) ReconnectToSession(ctx context.Context, id, playerID string) (*session.Session, error) {
	in := map[string]string{"player_id": playerID}
	return c.sessionCall(ctx, session.OpReconnect, http.MethodPost, sessionPath(id, "reconnect"), in)
}

// GetSession fetches a session record.
func (c *LobbyClient) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpGet, http.MethodGet, sessionPath(id), nil)
}

// QuerySessions lists open sessions.
func (c *LobbyClient) QuerySessions(ctx context.Context) ([]session.Session, error) {
	var out struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := c.do(ctx, session.OpQuery, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RemovePlayer removes playerID from sessionID.
func (c *LobbyClient) RemovePlayer(ctx context.Context, sessionID, playerID string) error {
	return c.do(ctx, session.OpRemovePlayer, http.MethodDelete, sessionPath(sessionID, "players", playerID), nil, nil)
}

// DeleteSession deletes a session.
func (c *LobbyClient) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, session.OpDelete, http.MethodDelete, sessionPath(id), nil, nil)
}

type dataRequest struct {
	Data map[string]string `json:"data"`
}

// UpdatePlayer merges data into a player's entry.
func (c *LobbyClient) UpdatePlayer(ctx context.Context, sessionID, playerID string, data map[string]string) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpUpdatePlayer, http.MethodPatch, sessionPath(sessionID, "players", playerID), dataRequest{Data: data})
}

// UpdateSession merges data into the session record.
func (c *LobbyClient) UpdateSession(ctx context.Context, sessionID string, data map[string]string) (*session.Session, error) {
	return c.sessionCall(ctx, session.OpUpdateData, http.MethodPatch, sessionPath(sessionID), dataRequest{Data: data})
}

// Heartbeat keeps a hosted session alive.
func (c *LobbyClient) Heartbeat(ctx context.Context, sessionID string) error {
	return c.do(ctx, session.OpHeartbeat, http.MethodPost, sessionPath(sessionID, "heartbeat"), nil, nil)
}

// AllocateRelay reserves a relay endpoint.
func (c *LobbyClient) AllocateRelay(ctx context.Context, maxConnections int) (*session.RelayAllocation, error) {
	var out session.RelayAllocation
	in := map[string]int{"max_connections": maxConnections}
	if err := c.do(ctx, session.OpAllocate, http.MethodPost, "/relay/allocations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinRelay resolves a relay join code.
func (c *LobbyClient) JoinRelay(ctx context.Context, joinCode string) (*session.RelayAllocation, error) {
	var out session.RelayAllocation
	in := map[string]string{"join_code": joinCode}
	if err := c.do(ctx, session.OpJoinRelay, http.MethodPost, "/relay/join", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
