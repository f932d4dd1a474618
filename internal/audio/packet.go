package audio

import (
	"encoding/binary"
	"fmt"
)

// Packet constants for carrying captured frames between devices
const (
	PacketMagic   = 0x534C // "SL"
	PacketVersion = 0x01

	PacketTypeAudio     = 0x01
	PacketTypeHeartbeat = 0x02

	// Layout: [Magic:2][Version:1][Type:1][SenderID:4][Sequence:4][SampleCount:2]
	PacketHeaderSize = 14

	// MaxPacketSamples keeps a packet under a typical UDP datagram limit
	MaxPacketSamples = 4096
)

// PacketHeader is the fixed header preceding every packet
type PacketHeader struct {
	Version     uint8
	Type        uint8
	SenderID    uint32
	Sequence    uint32
	SampleCount uint16
}

// Packet is one frame of PCM samples from one sender
type Packet struct {
	Header  PacketHeader
	Samples []int16
}

// NewAudioPacket builds an audio packet
func NewAudioPacket(senderID, sequence uint32, samples []int16) *Packet {
	return &Packet{
		Header: PacketHeader{
			Version:     PacketVersion,
			Type:        PacketTypeAudio,
			SenderID:    senderID,
			Sequence:    sequence,
			SampleCount: uint16(len(samples)),
		},
		Samples: samples,
	}
}

// NewHeartbeatPacket builds a sample-less keepalive packet
func NewHeartbeatPacket(senderID uint32) *Packet {
	return &Packet{
		Header: PacketHeader{
			Version:  PacketVersion,
			Type:     PacketTypeHeartbeat,
			SenderID: senderID,
		},
	}
}

// Marshal encodes the packet (header big-endian, samples little-endian)
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Samples) > MaxPacketSamples {
		return nil, fmt.Errorf("too many samples: %d (max %d)", len(p.Samples), MaxPacketSamples)
	}

	buf := make([]byte, PacketHeaderSize+2*len(p.Samples))
	binary.BigEndian.PutUint16(buf[0:2], PacketMagic)
	buf[2] = p.Header.Version
	buf[3] = p.Header.Type
	binary.BigEndian.PutUint32(buf[4:8], p.Header.SenderID)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.Sequence)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(p.Samples)))

	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(buf[PacketHeaderSize+2*i:], uint16(s))
	}

	return buf, nil
}

// ParsePacketHeader parses and validates the fixed header
func ParsePacketHeader(data []byte) (*PacketHeader, error) {
	if len(data) < PacketHeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", PacketHeaderSize, len(data))
	}

	if magic := binary.BigEndian.Uint16(data[0:2]); magic != PacketMagic {
		return nil, fmt.Errorf("invalid magic: 0x%04x", magic)
	}

	header := &PacketHeader{
		Version:     data[2],
		Type:        data[3],
		SenderID:    binary.BigEndian.Uint32(data[4:8]),
		Sequence:    binary.BigEndian.Uint32(data[8:12]),
		SampleCount: binary.BigEndian.Uint16(data[12:14]),
	}

	if err := ValidatePacketHeader(header); err != nil {
		return nil, err
	}

	return header, nil
}

// ParsePacket parses a complete packet
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParsePacketHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	expected := PacketHeaderSize + 2*int(header.SampleCount)
	if len(data) != expected {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes", expected, len(data))
	}

	packet := &Packet{Header: *header}
	if header.SampleCount > 0 {
		packet.Samples = make([]int16, header.SampleCount)
		for i := range packet.Samples {
			packet.Samples[i] = int16(binary.LittleEndian.Uint16(data[PacketHeaderSize+2*i:]))
		}
	}

	return packet, nil
}

// ValidatePacketHeader validates the header fields
func ValidatePacketHeader(header *PacketHeader) error {
	if header.Version != PacketVersion {
		return fmt.Errorf("unsupported version: %d", header.Version)
	}

	switch header.Type {
	case PacketTypeAudio:
		if header.SampleCount == 0 {
			return fmt.Errorf("audio packet without samples")
		}
		if header.SampleCount > MaxPacketSamples {
			return fmt.Errorf("too many samples: %d (max %d)", header.SampleCount, MaxPacketSamples)
		}
	case PacketTypeHeartbeat:
		if header.SampleCount != 0 {
			return fmt.Errorf("heartbeat packet with %d samples", header.SampleCount)
		}
	default:
		return fmt.Errorf("invalid packet type: 0x%02x", header.Type)
	}

	return nil
}

// String returns a human-readable representation of the header
func (h *PacketHeader) String() string {
	var packetType string
	switch h.Type {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeHeartbeat:
		packetType = "Heartbeat"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.Type)
	}

	return fmt.Sprintf("PacketHeader{Type:%s, Sender:%d, Seq:%d, Samples:%d}",
		packetType, h.SenderID, h.Sequence, h.SampleCount)
}
