package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ConnectStatus is the outcome code exchanged between peers and shown to
// the local player.
type ConnectStatus int

const (
	Undefined ConnectStatus = iota
	Success
	ServerFull
	LoggedInAgain
	UserRequestedDisconnect
	GenericDisconnect
	Reconnecting
	IncompatibleBuildType
	HostEndedSession
	StartHostFailed
	StartClientFailed
)

// HostShuttingDownReason is the reason the transport itself attaches when
// the host stops. Clients treat it like a missing reason.
const HostShuttingDownReason = "Disconnected due to host shutting down."

var connectStatusNames = map[ConnectStatus]string{
	Undefined:               "Undefined",
	Success:                 "Success",
	ServerFull:              "ServerFull",
	LoggedInAgain:           "LoggedInAgain",
	UserRequestedDisconnect: "UserRequestedDisconnect",
	GenericDisconnect:       "GenericDisconnect",
	Reconnecting:            "Reconnecting",
	IncompatibleBuildType:   "IncompatibleBuildType",
	HostEndedSession:        "HostEndedSession",
	StartHostFailed:         "StartHostFailed",
	StartClientFailed:       "StartClientFailed",
}

var connectStatusValues = func() map[string]ConnectStatus {
	m := make(map[string]ConnectStatus, len(connectStatusNames))
	for k, v := range connectStatusNames {
		m[v] = k
	}
	return m
}()

// AllConnectStatuses lists every defined status in declaration order.
func AllConnectStatuses() []ConnectStatus {
	out := make([]ConnectStatus, 0, len(connectStatusNames))
	for s := Undefined; s <= StartClientFailed; s++ {
		out = append(out, s)
	}
	return out
}

// String returns the status name.
func (s ConnectStatus) String() string {
	if name, ok := connectStatusNames[s]; ok {
		return name
	}
	return "Undefined"
}

// IsValid reports whether s is a defined status.
func (s ConnectStatus) IsValid() bool {
	_, ok := connectStatusNames[s]
	return ok
}

// ParseConnectStatus resolves a status name.
func ParseConnectStatus(name string) (ConnectStatus, error) {
	if s, ok := connectStatusValues[name]; ok {
		return s, nil
	}
	return Undefined, fmt.Errorf("unknown connect status %q", name)
}

// MarshalJSON serializes ConnectStatus as its name (e.g. "ServerFull").
func (s ConnectStatus) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("cannot marshal invalid connect status %d", int(s))
	}
	return []byte(strconv.Quote(s.String())), nil
}

// UnmarshalJSON accepts the status name or its numeric value.
func (s *ConnectStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseConnectStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("connect status must be a string or number: %w", err)
	}
	if !ConnectStatus(n).IsValid() {
		return fmt.Errorf("unknown connect status %d", n)
	}
	*s = ConnectStatus(n)
	return nil
}

// EncodeReason renders a status as the disconnect reason string carried by
// the transport.
func EncodeReason(s ConnectStatus) string {
	data, err := json.Marshal(s)
	if err != nil {
		data, _ = json.Marshal(GenericDisconnect)
	}
	return string(data)
}

// DecodeReason parses a disconnect reason produced by EncodeReason. An empty
// reason is an error; callers check for it before decoding.
func DecodeReason(reason string) (ConnectStatus, error) {
	if reason == "" {
		return Undefined, fmt.Errorf("empty disconnect reason")
	}
	var s ConnectStatus
	if err := json.Unmarshal([]byte(reason), &s); err != nil {
		return Undefined, fmt.Errorf("failed to decode disconnect reason %q: %w", reason, err)
	}
	return s, nil
}

// IsTransientReason reports whether a disconnect reason leaves room for an
// automatic reconnect: no reason at all, or the host shutting down.
func IsTransientReason(reason string) bool {
	return reason == "" || reason == HostShuttingDownReason
}
