package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketBuilder constructs binary frames.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteString writes a string with a 2-byte length prefix.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > MaxPacketSize-LengthPrefixSize-1 {
		data = data[:MaxPacketSize-LengthPrefixSize-1]
	}
	b.WriteUint16(uint16(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed frame bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the frame being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current frame for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// BuildHello creates the client's opening frame.
// Format: [kind:1][payload...]
func BuildHello(payload []byte) []byte {
	return NewPacketBuilder().WriteUint8(byte(FrameHello)).WriteBytes(payload).Build()
}

// BuildApproved tells the client it was admitted.
// Format: [kind:1][client_id:8]
func BuildApproved(clientID uint64) []byte {
	return NewPacketBuilder().WriteUint8(byte(FrameApproved)).WriteUint64(clientID).Build()
}

// BuildReason carries a disconnect reason.
// Format: [kind:1][len:2][reason]
func BuildReason(reason string) []byte {
	return NewPacketBuilder().WriteUint8(byte(FrameReason)).WriteString(reason).Build()
}

// BuildKeepAlive creates an empty liveness frame.
func BuildKeepAlive() []byte {
	return []byte{byte(FrameKeepAlive)}
}

// BuildData wraps opaque application bytes.
func BuildData(body []byte) []byte {
	return NewPacketBuilder().WriteUint8(byte(FrameData)).WriteBytes(body).Build()
}

// ParseFrame decodes a frame produced by one of the Build functions.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < 1 {
		return Frame{}, fmt.Errorf("empty frame")
	}

	f := Frame{Kind: FrameKind(data[0])}
	body := data[1:]

	switch f.Kind {
	case FrameHello, FrameData:
		f.Body = append([]byte(nil), body...)
	case FrameApproved:
		if len(body) < 8 {
			return Frame{}, fmt.Errorf("approved frame too short: %d bytes", len(body))
		}
		f.ClientID = binary.LittleEndian.Uint64(body[:8])
	case FrameReason:
		if len(body) < 2 {
			return Frame{}, fmt.Errorf("reason frame too short: %d bytes", len(body))
		}
		n := int(binary.LittleEndian.Uint16(body[:2]))
		if len(body)-2 < n {
			return Frame{}, fmt.Errorf("reason frame truncated: want %d bytes, have %d", n, len(body)-2)
		}
		f.Reason = string(body[2 : 2+n])
	case FrameKeepAlive:
	default:
		return Frame{}, fmt.Errorf("unknown frame kind 0x%02x", data[0])
	}

	return f, nil
}

// ReadPacket reads a single length-prefixed frame from a reader.
// Format: [2-byte LE length][frame bytes...]
func ReadPacket(r io.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read packet length: %w", err)
	}

	if length == 0 {
		return nil, fmt.Errorf("received zero-length packet")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read packet payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WritePacket writes a length-prefixed frame to a writer in a single Write.
func WritePacket(w io.Writer, data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("packet too large: %d bytes (max %d)", len(data), MaxPacketSize)
	}
	buf := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint16(buf[:LengthPrefixSize], uint16(len(data)))
	copy(buf[LengthPrefixSize:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}
