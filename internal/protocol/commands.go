package protocol

// Xmodem control bytes
const (
	SOH  = 0x01
	EOT  = 0x04
	ACK  = 0x06
	NAK  = 0x15
	CAN  = 0x18
	Poll = 'C' // CRC-mode handshake character
)

// Frame layout
const (
	PayloadSize = 128
	HeaderSize  = 3 // SOH, block, ~block
	CRCSize     = 2
	FrameSize   = HeaderSize + PayloadSize + CRCSize // 133
)

// PadByte fills the tail of the last block. Erased flash reads 0xFF, so
// padding with it leaves the unused tail indistinguishable from blank flash.
const PadByte = 0xFF

// DefaultBaudRate is the console speed of the reference board.
const DefaultBaudRate = 921600

// ControlName returns a human-readable name for a control byte.
func ControlName(b byte) string {
	switch b {
	case SOH:
		return "SOH"
	case EOT:
		return "EOT"
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case CAN:
		return "CAN"
	case Poll:
		return "POLL"
	default:
		return "unknown"
	}
}
