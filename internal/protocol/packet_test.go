package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func testPayload(seed byte) []byte {
	data := make([]byte, PayloadSize)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return data
}

func TestPacket_Encode_Format(t *testing.T) {
	data := testPayload(0x10)
	frame := NewPacket(7, data).Encode()

	if len(frame) != FrameSize {
		t.Fatalf("Encode() length = %d, want %d", len(frame), FrameSize)
	}
	if frame[0] != SOH {
		t.Errorf("Encode()[0] = 0x%02X, want SOH", frame[0])
	}
	if frame[1] != 7 || frame[2] != 0xF8 {
		t.Errorf("Encode() block bytes = 0x%02X 0x%02X, want 0x07 0xF8", frame[1], frame[2])
	}
	if !bytes.Equal(frame[3:131], data) {
		t.Errorf("Encode() payload mismatch")
	}
	crc := binary.BigEndian.Uint16(frame[131:])
	if crc != CRC16(data) {
		t.Errorf("Encode() CRC = 0x%04X, want 0x%04X", crc, CRC16(data))
	}
}

func TestNewPacket_PadsShortData(t *testing.T) {
	p := NewPacket(1, []byte{0xAA, 0xBB})
	if p.Payload[0] != 0xAA || p.Payload[1] != 0xBB {
		t.Errorf("payload head = %X, want AABB", p.Payload[:2])
	}
	for i := 2; i < PayloadSize; i++ {
		if p.Payload[i] != PadByte {
			t.Fatalf("payload[%d] = 0x%02X, want pad 0x%02X", i, p.Payload[i], PadByte)
		}
	}
}

func TestDecodePacket_Valid(t *testing.T) {
	data := testPayload(0x42)
	p, err := DecodePacket(NewPacket(3, data).Encode())
	if err != nil {
		t.Fatalf("DecodePacket() error = %v", err)
	}
	if p.Block != 3 {
		t.Errorf("Block = %d, want 3", p.Block)
	}
	if !bytes.Equal(p.Payload[:], data) {
		t.Errorf("Payload mismatch")
	}
	if !p.SequenceValid() {
		t.Errorf("SequenceValid() = false, want true")
	}
}

func TestDecodePacket_SingleBitCorruption(t *testing.T) {
	frame := NewPacket(1, testPayload(0)).Encode()

	// every bit of payload and CRC trailer
	for i := HeaderSize; i < FrameSize; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[i] ^= 1 << uint(bit)

			_, err := DecodePacket(corrupt)
			var crcErr *CRCError
			if !errors.As(err, &crcErr) {
				t.Fatalf("byte %d bit %d: DecodePacket() error = %v, want *CRCError", i, bit, err)
			}
		}
	}
}

func TestDecodePacket_BadLength(t *testing.T) {
	frame := NewPacket(1, testPayload(0)).Encode()
	for _, n := range []int{0, 1, 132, 134} {
		buf := make([]byte, n)
		copy(buf, frame)
		if _, err := DecodePacket(buf); !errors.Is(err, ErrFrameLength) {
			t.Errorf("DecodePacket(len=%d) error = %v, want ErrFrameLength", n, err)
		}
	}
}

func TestDecodePacket_BadMarker(t *testing.T) {
	frame := NewPacket(1, testPayload(0)).Encode()
	frame[0] = 0x02
	if _, err := DecodePacket(frame); !errors.Is(err, ErrFrameMarker) {
		t.Errorf("DecodePacket() error = %v, want ErrFrameMarker", err)
	}
}

// The complement byte is not part of acceptance; a mismatched one still decodes.
func TestDecodePacket_IgnoresBlockComplement(t *testing.T) {
	frame := NewPacket(5, testPayload(9)).Encode()
	frame[2] = 0x00

	p, err := DecodePacket(frame)
	if err != nil {
		t.Fatalf("DecodePacket() error = %v, want nil (known gap: block complement unchecked)", err)
	}
	if p.SequenceValid() {
		t.Errorf("SequenceValid() = true, want false")
	}
}

func TestIsFrame_IsEOT(t *testing.T) {
	frame := NewPacket(1, nil).Encode()
	if !IsFrame(frame) {
		t.Errorf("IsFrame(valid frame) = false")
	}
	if IsFrame(frame[:100]) {
		t.Errorf("IsFrame(short) = true")
	}
	if !IsEOT([]byte{EOT}) {
		t.Errorf("IsEOT(EOT) = false")
	}
	if IsEOT([]byte{EOT, EOT}) {
		t.Errorf("IsEOT(two bytes) = true")
	}
}

func TestControlName(t *testing.T) {
	tests := []struct {
		b        byte
		expected string
	}{
		{SOH, "SOH"},
		{EOT, "EOT"},
		{ACK, "ACK"},
		{NAK, "NAK"},
		{CAN, "CAN"},
		{Poll, "POLL"},
		{0x99, "unknown"},
	}
	for _, tc := range tests {
		if got := ControlName(tc.b); got != tc.expected {
			t.Errorf("ControlName(0x%02X) = %q, want %q", tc.b, got, tc.expected)
		}
	}
}
