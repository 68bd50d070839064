package protocol

import "github.com/sigurn/crc16"

// Klipper's msgblock checksum is CRC-16/MCRF4XX: poly 0x1021 reflected,
// init 0xffff, no final xor.
var crcTable = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// CRC16CCITT returns the msgblock checksum as (high, low) bytes in wire order.
func CRC16CCITT(buf []byte) (byte, byte) {
	crc := crc16.Checksum(buf, crcTable)
	return byte(crc >> 8), byte(crc & 0xff)
}
