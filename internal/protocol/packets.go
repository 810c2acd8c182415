// Package protocol defines the connection handshake vocabulary shared by
// both ends of a transport: result codes, the connection payload, approval
// messages and the binary frames that carry them. Frames use little-endian
// byte order; over TCP each frame has a 2-byte length prefix.
package protocol

// FrameKind is the first byte of every transport frame.
type FrameKind byte

const (
	// Client -> host
	FrameHello FrameKind = 0x01 // Connection payload for approval

	// Host -> client
	FrameApproved FrameKind = 0x10 // Approval granted, carries the assigned client id
	FrameReason   FrameKind = 0x11 // Disconnect reason, sent before the connection is closed

	// Both directions
	FrameKeepAlive FrameKind = 0x20
	FrameData      FrameKind = 0x21 // Opaque application data
)

var frameKindNames = map[FrameKind]string{
	FrameHello:     "hello",
	FrameApproved:  "approved",
	FrameReason:    "reason",
	FrameKeepAlive: "keepalive",
	FrameData:      "data",
}

// String returns the frame kind name.
func (k FrameKind) String() string {
	if name, ok := frameKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MaxPacketSize is the maximum allowed size for a single frame.
const MaxPacketSize = 65535

// LengthPrefixSize is the size of the TCP length prefix in bytes.
const LengthPrefixSize = 2

// MaxConnectPayload caps the hello payload the host is willing to decode.
const MaxConnectPayload = 1024

// Frame is a decoded transport frame. Only the fields relevant to Kind are set.
type Frame struct {
	Kind     FrameKind
	ClientID uint64
	Reason   string
	Body     []byte
}
