package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Command is an immutable framed request together with the rule that recognises its
// response. A Command holds no per-execution state and can be executed any number of
// times, also concurrently.
type Command struct {
	request  []byte
	validate func(data []byte) error
	trim     func(data []byte) []byte
	name     string
}

// NewCommand creates a command sending request. A nil validate accepts any datagram,
// a nil trim keeps responses as they are.
func NewCommand(name string, request []byte, validate func([]byte) error, trim func([]byte) []byte) *Command {
	return &Command{
		request:  append([]byte(nil), request...),
		validate: validate,
		trim:     trim,
		name:     name,
	}
}

// NewModbusReadCommand reads count registers starting at offset.
func NewModbusReadCommand(addr byte, offset, count uint16) *Command {
	return NewCommand(
		fmt.Sprintf("modbus read 0x%04X(%d)x%d", offset, offset, count),
		ModbusRequest(addr, FuncRead, offset, count),
		func(data []byte) error { return ValidateModbusResponse(data, FuncRead, offset, count) },
		trimModbusResponse,
	)
}

// NewModbusWriteCommand writes value to a single register.
func NewModbusWriteCommand(addr byte, register, value uint16) *Command {
	return NewCommand(
		fmt.Sprintf("modbus write 0x%04X(%d)=0x%04X", register, register, value),
		ModbusRequest(addr, FuncWrite, register, value),
		func(data []byte) error { return ValidateModbusResponse(data, FuncWrite, register, value) },
		trimModbusResponse,
	)
}

// NewModbusWriteMultiCommand writes values (two bytes per register) starting at offset.
func NewModbusWriteMultiCommand(addr byte, offset uint16, values []byte) *Command {
	count := uint16(len(values) / 2)
	return NewCommand(
		fmt.Sprintf("modbus write 0x%04X(%d)=%x", offset, offset, values),
		ModbusMultiRequest(addr, FuncWriteMulti, offset, values),
		func(data []byte) error { return ValidateModbusResponse(data, FuncWriteMulti, offset, count) },
		trimModbusResponse,
	)
}

// NewAA55Command sends payload in the AA55 envelope. responseType is the expected
// response type, or NoResponseType.
func NewAA55Command(payload []byte, responseType int) *Command {
	return NewCommand(
		fmt.Sprintf("aa55 %x", payload),
		AA55Request(payload),
		func(data []byte) error { return ValidateAA55Response(data, responseType) },
		trimAA55Response,
	)
}

// NewAA55ReadCommand reads count registers starting at offset through the AA55 envelope.
func NewAA55ReadCommand(offset uint16, count byte) *Command {
	payload := []byte{0x01, 0x1A, 0x03}
	payload = binary.BigEndian.AppendUint16(payload, offset)
	payload = append(payload, count)
	return NewAA55Command(payload, 0x019A)
}

// NewAA55WriteCommand writes value to register through the AA55 envelope.
func NewAA55WriteCommand(register, value uint16) *Command {
	payload := []byte{0x02, 0x39, 0x05}
	payload = binary.BigEndian.AppendUint16(payload, register)
	payload = append(payload, 0x01)
	payload = binary.BigEndian.AppendUint16(payload, value)
	return NewAA55Command(payload, 0x02B9)
}

// NewAA55WriteMultiCommand writes values starting at offset through the AA55 envelope.
func NewAA55WriteMultiCommand(offset uint16, values []byte) *Command {
	payload := []byte{0x02, 0x39, 0x0B}
	payload = binary.BigEndian.AppendUint16(payload, offset)
	payload = append(payload, byte(len(values)))
	payload = append(payload, values...)
	return NewAA55Command(payload, 0x02B9)
}

// Request returns a copy of the framed request bytes.
func (c *Command) Request() []byte {
	return append([]byte(nil), c.request...)
}

// Validate classifies data as a response to the command. See ValidateModbusResponse.
func (c *Command) Validate(data []byte) error {
	if c.validate == nil {
		return nil
	}
	return c.validate(data)
}

// Trim strips envelope header and checksum from a validated response.
func (c *Command) Trim(data []byte) []byte {
	if c.trim == nil {
		return data
	}
	return c.trim(data)
}

func (c *Command) String() string {
	if c.name != "" {
		return c.name
	}
	return hex.EncodeToString(c.request)
}
