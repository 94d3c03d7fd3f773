package protocol

import "github.com/grid-x/modbus"

// crcTable holds the reflected 0xA001 lookup table, built once at init.
var crcTable = makeCRCTable()

func makeCRCTable() (table [256]uint16) {
	for i := range 256 {
		buf := uint16(i) << 1
		var crc uint16
		for range 8 {
			buf >>= 1
			if (buf^crc)&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes the Modbus RTU checksum of data, seeded with 0xFFFF.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[(crc^uint16(b))&0xFF]
	}
	return crc
}

// CRC returns the checksum bytes of an RTU frame built from slaveID and pdu.
func CRC(slaveID byte, pdu *modbus.ProtocolDataUnit) []byte {
	data := []byte{slaveID, pdu.FunctionCode}
	data = append(data, pdu.Data...)

	return CRCFromBytes(data)
}

// CRCFromBytes returns the checksum of data as it is transmitted (low byte first).
func CRCFromBytes(data []byte) []byte {
	crc := CRC16(data)
	lo := byte(crc)
	hi := byte(crc >> 8)
	return []byte{lo, hi}
}
