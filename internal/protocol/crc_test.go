package protocol

import "testing"

// referenceCRC is the textbook augmented-message polynomial division.
func referenceCRC(data []byte) uint16 {
	var crc uint32
	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			in := uint32(b>>uint(bit)) & 1
			top := (crc >> 15) & 1
			crc = ((crc << 1) | in) & 0xFFFF
			if top != 0 {
				crc ^= 0x1021
			}
		}
	}
	// augment with 16 zero bits
	for i := 0; i < 16; i++ {
		top := (crc >> 15) & 1
		crc = (crc << 1) & 0xFFFF
		if top != 0 {
			crc ^= 0x1021
		}
	}
	return uint16(crc)
}

func TestCRC16_KnownVectors(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{"empty", nil, 0x0000},
		{"check string", []byte("123456789"), 0x31C3},
		{"single zero", []byte{0x00}, 0x0000},
		{"single A", []byte("A"), 0x58E5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CRC16(tc.data); got != tc.expected {
				t.Errorf("CRC16(%q) = 0x%04X, want 0x%04X", tc.data, got, tc.expected)
			}
		})
	}
}

func TestCRC16_MatchesReference(t *testing.T) {
	data := make([]byte, 0, 300)
	for i := 0; i < 300; i++ {
		data = append(data, byte(i*31+7))
		if got, want := CRC16(data), referenceCRC(data); got != want {
			t.Fatalf("CRC16(len=%d) = 0x%04X, reference 0x%04X", len(data), got, want)
		}
	}
}

func TestCRC16_Deterministic(t *testing.T) {
	data := []byte("VER-1.2.3-2025/01/01-10:30")
	first := CRC16(data)
	for i := 0; i < 5; i++ {
		if got := CRC16(data); got != first {
			t.Fatalf("CRC16 returned 0x%04X then 0x%04X", first, got)
		}
	}
}
