package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/grid-x/modbus"
)

const (
	// FuncRead is the function code of holding register reads.
	FuncRead = modbus.FuncCodeReadHoldingRegisters

	// FuncWrite is the function code of single register writes.
	FuncWrite = modbus.FuncCodeWriteSingleRegister

	// FuncWriteMulti is the function code of multiple register writes.
	FuncWriteMulti = modbus.FuncCodeWriteMultipleRegisters

	// modbusHeaderLen is the length of the "aa55 addr fc len" response prefix.
	modbusHeaderLen = 5

	// modbusWriteResponseLen is the length of write (single and multi) responses.
	modbusWriteResponseLen = 10
)

// ModbusRequest builds a read or write-single request frame.
//
// Parameters:
//   - addr: The inverter communication address.
//   - fc: The function code (FuncRead or FuncWrite).
//   - offset: The starting register address.
//   - value: The register count of a read, the register value of a write.
//
// Returns:
//   - The framed request with CRC-16 appended (low byte first).
func ModbusRequest(addr, fc byte, offset, value uint16) []byte {
	data := make([]byte, 6, 8)
	data[0] = addr
	data[1] = fc
	binary.BigEndian.PutUint16(data[2:4], offset)
	binary.BigEndian.PutUint16(data[4:6], value)
	return append(data, CRCFromBytes(data)...)
}

// ModbusMultiRequest builds a write-multiple request frame.
//
// Parameters:
//   - addr: The inverter communication address.
//   - fc: The function code (FuncWriteMulti).
//   - offset: The starting register address.
//   - values: The raw register values, two bytes per register.
//
// Returns:
//   - The framed request with CRC-16 appended (low byte first).
func ModbusMultiRequest(addr, fc byte, offset uint16, values []byte) []byte {
	data := make([]byte, 7, 7+len(values)+2)
	data[0] = addr
	data[1] = fc
	binary.BigEndian.PutUint16(data[2:4], offset)
	binary.BigEndian.PutUint16(data[4:6], uint16(len(values)/2))
	data[6] = byte(len(values))
	data = append(data, values...)
	return append(data, CRCFromBytes(data)...)
}

// ValidateModbusResponse checks that data is the response to a request with the given
// function code, offset and count (reads) or value (writes).
//
// Parameters:
//   - data: The received datagram(s), starting with the "aa55" prefix.
//   - fc: The function code of the request.
//   - offset: The starting register address of the request.
//   - value: The register count of a read or write-multi, the value of a write.
//
// Returns:
//   - nil if the response is complete and valid.
//   - ErrPartialResponse (wrapped) if the response is so far valid but incomplete.
//   - ErrInvalidResponse (wrapped) if the datagram is not this command's response.
//   - *RejectedError if the device answered with an exception.
func ValidateModbusResponse(data []byte, fc byte, offset, value uint16) error {
	if len(data) <= 4 {
		return fmt.Errorf("%w: too short, got %d bytes", ErrInvalidResponse, len(data))
	}

	var expected int
	switch data[3] {
	case FuncRead:
		if int(data[4]) != int(value)*2 {
			return fmt.Errorf("%w: expected %d payload bytes, got %d", ErrInvalidResponse, int(value)*2, data[4])
		}
		expected = int(data[4]) + 7
		if len(data) < expected {
			return fmt.Errorf("%w: expected %d bytes, got %d", ErrPartialResponse, expected, len(data))
		}
	case FuncWrite, FuncWriteMulti:
		if len(data) < modbusWriteResponseLen {
			return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidResponse, modbusWriteResponseLen, len(data))
		}
		expected = modbusWriteResponseLen
		if got := binary.BigEndian.Uint16(data[4:6]); got != offset {
			return fmt.Errorf("%w: expected offset 0x%04X, got 0x%04X", ErrInvalidResponse, offset, got)
		}
		if got := binary.BigEndian.Uint16(data[6:8]); got != value {
			return fmt.Errorf("%w: expected value 0x%04X, got 0x%04X", ErrInvalidResponse, value, got)
		}
	default:
		expected = len(data)
	}

	providedCrc := binary.LittleEndian.Uint16(data[expected-2 : expected])
	if calculatedCrc := CRC16(data[2 : expected-2]); calculatedCrc != providedCrc {
		return fmt.Errorf("%w: CRC mismatch, calculated 0x%04X, provided 0x%04X", ErrInvalidResponse, calculatedCrc, providedCrc)
	}

	if data[3] != fc {
		return newRejectedError(data[3], data[4])
	}
	return nil
}

// trimModbusResponse returns the register payload of a validated response.
func trimModbusResponse(data []byte) []byte {
	if data[3] == FuncRead {
		return data[modbusHeaderLen : modbusHeaderLen+int(data[4])]
	}
	if len(data) < modbusHeaderLen+2 {
		return nil
	}
	return data[modbusHeaderLen : len(data)-2]
}
