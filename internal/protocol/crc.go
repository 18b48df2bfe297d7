package protocol

const crc16Poly = 0x1021

// CRC16 computes the Xmodem CRC-16 of data: polynomial 0x1021, initial value
// 0, MSB first, no reflection and no final XOR.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
