package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameLength is returned for buffers that are not exactly FrameSize bytes.
	ErrFrameLength = errors.New("xmodem: frame length mismatch")
	// ErrFrameMarker is returned when byte 0 is not SOH.
	ErrFrameMarker = errors.New("xmodem: missing SOH marker")
)

// CRCError reports a payload whose CRC does not match the trailer.
type CRCError struct {
	Block    byte
	Expected uint16
	Actual   uint16
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("xmodem: block %d CRC mismatch: trailer 0x%04X, computed 0x%04X",
		e.Block, e.Expected, e.Actual)
}

// Packet is one 128-byte Xmodem-CRC block.
type Packet struct {
	Block      byte
	Complement byte
	Payload    [PayloadSize]byte
	CRC        uint16
}

// NewPacket builds a packet for block number seq. Short data is padded with
// PadByte.
func NewPacket(seq byte, data []byte) *Packet {
	p := &Packet{
		Block:      seq,
		Complement: ^seq,
	}
	n := copy(p.Payload[:], data)
	for i := n; i < PayloadSize; i++ {
		p.Payload[i] = PadByte
	}
	p.CRC = CRC16(p.Payload[:])
	return p
}

// Encode serializes the packet:
//
//	0: SOH
//	1: block number
//	2: one's complement of block number
//	3-130: payload
//	131-132: CRC-16 of payload, big-endian
func (p *Packet) Encode() []byte {
	frame := make([]byte, FrameSize)
	frame[0] = SOH
	frame[1] = p.Block
	frame[2] = p.Complement
	copy(frame[HeaderSize:], p.Payload[:])
	binary.BigEndian.PutUint16(frame[HeaderSize+PayloadSize:], p.CRC)
	return frame
}

// SequenceValid reports whether the complement byte matches the block number.
// Receivers currently accept packets regardless of this.
func (p *Packet) SequenceValid() bool {
	return p.Block == ^p.Complement
}

// IsFrame reports whether data has the size and marker of a data packet.
// Anything else is not a packet and is ignored without a response.
func IsFrame(data []byte) bool {
	return len(data) == FrameSize && data[0] == SOH
}

// IsEOT reports whether data is the single end-of-transmission byte.
func IsEOT(data []byte) bool {
	return len(data) == 1 && data[0] == EOT
}

// DecodePacket parses and CRC-checks a frame. A *CRCError is returned for a
// well-formed frame whose checksum does not match.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) != FrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameLength, len(data))
	}
	if data[0] != SOH {
		return nil, fmt.Errorf("%w: 0x%02X", ErrFrameMarker, data[0])
	}

	p := &Packet{
		Block:      data[1],
		Complement: data[2],
	}
	copy(p.Payload[:], data[HeaderSize:HeaderSize+PayloadSize])
	p.CRC = binary.BigEndian.Uint16(data[HeaderSize+PayloadSize:])

	if actual := CRC16(p.Payload[:]); actual != p.CRC {
		return nil, &CRCError{Block: p.Block, Expected: p.CRC, Actual: actual}
	}
	return p, nil
}
