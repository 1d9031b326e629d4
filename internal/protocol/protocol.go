package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants for voice data frames
const (
	// Packet types
	PacketTypeVoiceData = 0x03

	// Packet structure sizes
	HeaderSize = 15 // 1 + 2 + 4 + 4 + 4 bytes

	// MaxPacketSize bounds the PacketLen field (uint16)
	MaxPacketSize = 0xFFFF
)

// Header represents the 15-byte voice frame header
// Layout: [PacketType:1][PacketLen:2][ParticipantID:4][BitOffset:4][BitLength:4]
type Header struct {
	PacketType    uint8  // 0x03=VoiceData
	PacketLen     uint16 // Total packet size (header + raw buffer)
	ParticipantID int32  // Host-assigned speaker identifier (signed, range checked downstream)
	BitOffset     uint32 // Bit position of the voice payload inside the raw buffer
	BitLength     uint32 // Voice payload length in bits
}

// VoiceFrame is a fully parsed voice data packet.
// Raw is the bit-addressed source buffer, owned by the frame.
type VoiceFrame struct {
	Header *Header
	Raw    []byte
}

// ParseHeader parses the 15-byte voice frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType:    data[0],
		PacketLen:     binary.BigEndian.Uint16(data[1:3]),
		ParticipantID: int32(binary.BigEndian.Uint32(data[3:7])),
		BitOffset:     binary.BigEndian.Uint32(data[7:11]),
		BitLength:     binary.BigEndian.Uint32(data[11:15]),
	}

	return header, nil
}

// ParsePacket parses a complete voice frame (header + raw buffer).
// The raw buffer is copied so the caller may reuse data.
func ParsePacket(data []byte) (*VoiceFrame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	frame := &VoiceFrame{Header: header}
	if len(data) > HeaderSize {
		frame.Raw = make([]byte, len(data)-HeaderSize)
		copy(frame.Raw, data[HeaderSize:])
	}

	return frame, nil
}

// ValidateHeader validates the packet header fields.
// Participant range and bit arithmetic are not checked here; the session
// engine owns that policy and drops such packets silently.
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeVoiceData
}

// EncodePacket builds a voice frame. It is the inverse of ParsePacket and is
// used by test senders and relays that forward host packets over UDP.
func EncodePacket(participantID int32, bitOffset, bitLength uint32, raw []byte) ([]byte, error) {
	total := HeaderSize + len(raw)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	data := make([]byte, total)
	data[0] = PacketTypeVoiceData
	binary.BigEndian.PutUint16(data[1:3], uint16(total))
	binary.BigEndian.PutUint32(data[3:7], uint32(participantID))
	binary.BigEndian.PutUint32(data[7:11], bitOffset)
	binary.BigEndian.PutUint32(data[11:15], bitLength)
	copy(data[HeaderSize:], raw)

	return data, nil
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	packetType := "VoiceData"
	if h.PacketType != PacketTypeVoiceData {
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Participant:%d, BitOffset:%d, BitLength:%d}",
		packetType, h.PacketLen, h.ParticipantID, h.BitOffset, h.BitLength)
}
