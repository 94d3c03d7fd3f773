package protocol

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grid-x/modbus"
)

var _ modbus.ClientHandler = (*ModbusHandler)(nil)

// ModbusHandler is a modbus.ClientHandler sending Modbus RTU frames through an Executor,
// so that a grid-x modbus.Client can talk to an inverter over UDP.
type ModbusHandler struct {
	modbusPackager
	modbusTransporter
}

// NewModbusHandler creates a new Modbus handler.
//
// Parameters:
//   - executor: The executor sending the frames.
//   - addr: The address of the inverter (e.g., "192.168.1.1:8899").
//   - slaveID: The inverter communication address.
//
// Returns:
//   - A pointer to the created ModbusHandler.
func NewModbusHandler(executor *Executor, addr string, slaveID byte) *ModbusHandler {
	handler := &ModbusHandler{}
	handler.Context = context.Background()
	handler.Executor = executor
	handler.Address = addr
	handler.SlaveID = slaveID
	return handler
}

// NewModbusClient creates a new Modbus client for an inverter. Every request of the
// client runs under ctx.
//
// Parameters:
//   - ctx: The context bounding the executions of the client.
//   - executor: The executor sending the frames.
//   - addr: The address of the inverter (e.g., "192.168.1.1:8899").
//   - slaveID: The inverter communication address.
//
// Returns:
//   - A Modbus client for interacting with the inverter.
func NewModbusClient(ctx context.Context, executor *Executor, addr string, slaveID byte) modbus.Client {
	handler := NewModbusHandler(executor, addr, slaveID)
	handler.Context = ctx
	return modbus.NewClient(handler)
}

// modbusTransporter executes RTU frames as commands.
type modbusTransporter struct {
	Context  context.Context // Context of every execution, context.Background when nil.
	Executor *Executor       // Executor running the exchanges.
	Address  string          // Address of the inverter.
}

// Send executes a Modbus RTU request and returns the validated response frame.
//
// Parameters:
//   - aduRequest: The Modbus RTU request to send.
//
// Returns:
//   - aduResponse: The response frame, starting with the "aa55" prefix.
//   - err: An error if the execution fails.
func (mb *modbusTransporter) Send(aduRequest []byte) (aduResponse []byte, err error) {
	cmd, err := commandFromFrame(aduRequest)
	if err != nil {
		return nil, err
	}
	ctx := mb.Context
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := mb.Executor.Execute(ctx, cmd, mb.Address)
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

// Connect is a no-op: every execution opens its own UDP endpoint.
//
// Returns:
//   - Always nil.
func (mb *modbusTransporter) Connect() error {
	return nil
}

// Close is a no-op, endpoints are closed when their execution ends.
//
// Returns:
//   - Always nil.
func (mb *modbusTransporter) Close() error {
	return nil
}

// commandFromFrame builds the command of a request frame produced by modbusPackager.
func commandFromFrame(adu []byte) (*Command, error) {
	if len(adu) < 8 {
		return nil, fmt.Errorf("request too short, expected at least 8 bytes, got %d", len(adu))
	}
	fc := adu[1]
	offset := binary.BigEndian.Uint16(adu[2:4])
	value := binary.BigEndian.Uint16(adu[4:6])
	switch fc {
	case FuncRead, FuncWrite, FuncWriteMulti:
	default:
		return nil, fmt.Errorf("unsupported function code 0x%02X", fc)
	}
	return NewCommand(
		fmt.Sprintf("modbus fc 0x%02X 0x%04X(%d)", fc, offset, offset),
		adu,
		func(data []byte) error { return ValidateModbusResponse(data, fc, offset, value) },
		trimModbusResponse,
	), nil
}

// modbusPackager encodes plain Modbus RTU frames.
type modbusPackager struct {
	SlaveID byte // The inverter communication address.
}

// SetSlave sets the Modbus slave ID.
func (mb *modbusPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode encodes a Modbus Protocol Data Unit (PDU) into an RTU frame.
//
// Parameters:
//   - pdu: The Modbus Protocol Data Unit to encode.
//
// Returns:
//   - adu: The encoded frame, CRC included.
//   - err: Always nil.
func (mb *modbusPackager) Encode(pdu *modbus.ProtocolDataUnit) (adu []byte, err error) {
	adu = make([]byte, 0, len(pdu.Data)+4)
	adu = append(adu, mb.SlaveID, pdu.FunctionCode)
	adu = append(adu, pdu.Data...)
	adu = append(adu, CRC(mb.SlaveID, pdu)...)
	return adu, nil
}

// Decode decodes an inverter response frame into a Modbus Protocol Data Unit (PDU).
//
// Parameters:
//   - adu: The validated response frame.
//
// Returns:
//   - pdu: The decoded PDU, laid out as the grid-x client expects it.
//   - err: An error if the frame is too short.
func (mb *modbusPackager) Decode(adu []byte) (pdu *modbus.ProtocolDataUnit, err error) {
	if len(adu) < modbusHeaderLen {
		return nil, fmt.Errorf("response too short, expected at least %d bytes, got %d", modbusHeaderLen, len(adu))
	}
	fc := adu[3]
	switch {
	case fc == FuncRead && len(adu) >= modbusHeaderLen+int(adu[4]):
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: adu[4 : modbusHeaderLen+int(adu[4])]}, nil
	case len(adu) >= 8:
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: adu[4:8]}, nil
	default:
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: adu[4:5]}, nil
	}
}

// Verify verifies that a response frame answers the request.
//
// Parameters:
//   - aduRequest: The Modbus RTU request.
//   - aduResponse: The response frame.
//
// Returns:
//   - err: An error if the verification fails.
func (mb *modbusPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	if len(aduResponse) < modbusHeaderLen {
		return fmt.Errorf("response too short, expected at least %d bytes, got %d", modbusHeaderLen, len(aduResponse))
	}
	if start := binary.BigEndian.Uint16(aduResponse[0:2]); start != ResponseStart {
		return fmt.Errorf("invalid start marker, expected 0x%04X, got 0x%04X", ResponseStart, start)
	}
	if aduResponse[2] != aduRequest[0] {
		return fmt.Errorf("address mismatch: request 0x%02X, response 0x%02X", aduRequest[0], aduResponse[2])
	}
	return nil
}
