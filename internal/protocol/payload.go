package protocol

import (
	"encoding/json"
	"fmt"
)

// ConnectionPayload is attached by the connecting peer to its hello frame
// and consumed once by the host's approval check.
type ConnectionPayload struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	IsDebug    bool   `json:"isDebug"`
}

// Encode serializes the payload as JSON.
func (p ConnectionPayload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode connection payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a connection payload, rejecting oversized input
// before touching the decoder.
func DecodePayload(data []byte) (ConnectionPayload, error) {
	var p ConnectionPayload
	if len(data) > MaxConnectPayload {
		return p, fmt.Errorf("connection payload too large: %d bytes (max %d)", len(data), MaxConnectPayload)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode connection payload: %w", err)
	}
	if p.PlayerID == "" {
		return p, fmt.Errorf("connection payload has no player id")
	}
	return p, nil
}

// ApprovalRequest is what the transport hands to the approval check.
type ApprovalRequest struct {
	ClientID uint64
	Payload  []byte
}

// ApprovalResponse is the accepting peer's answer. Pending defers the final
// answer: the transport flushes Reason to the client and waits for a second
// response.
type ApprovalResponse struct {
	Approved           bool   `json:"approved"`
	CreatePlayerObject bool   `json:"createPlayerObject"`
	Reason             string `json:"reason,omitempty"`
	Pending            bool   `json:"pending"`
}

// Approve returns an admitting response.
func Approve(createPlayerObject bool) ApprovalResponse {
	return ApprovalResponse{Approved: true, CreatePlayerObject: createPlayerObject}
}

// DenyPending returns the first half of a deferred denial carrying status.
func DenyPending(status ConnectStatus) ApprovalResponse {
	return ApprovalResponse{Pending: true, Reason: EncodeReason(status)}
}

// Deny returns a final denial.
func Deny(reason string) ApprovalResponse {
	return ApprovalResponse{Reason: reason}
}

// Responder receives approval answers. It may be called twice when the
// first answer is pending.
type Responder func(ApprovalResponse)
