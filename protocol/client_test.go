package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/grid-x/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlmnb/gogoodwe/internal/udpmock"
	"github.com/tlmnb/gogoodwe/protocol"
)

func TestModbusClientReadHoldingRegisters(t *testing.T) {
	srv := startServer(t)
	srv.HandleFunc(udpmock.ModbusAnswer(map[uint16]uint16{0x88B8: 0x0102, 0x88B9: 0x0304}))

	client := protocol.NewModbusClient(context.Background(), protocol.NewExecutor(200*time.Millisecond, 2), srv.Addr(), 0xF7)
	results, err := client.ReadHoldingRegisters(0x88B8, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, results)

	requests := srv.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, protocol.ModbusRequest(0xF7, protocol.FuncRead, 0x88B8, 2), requests[0])
}

func TestModbusClientWriteSingleRegister(t *testing.T) {
	srv := startServer(t)
	values := map[uint16]uint16{0xB9AD: 0}
	srv.HandleFunc(udpmock.ModbusAnswer(values))

	client := protocol.NewModbusClient(context.Background(), protocol.NewExecutor(200*time.Millisecond, 2), srv.Addr(), 0xF7)
	results, err := client.WriteSingleRegister(0xB9AD, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, results)

	results, err = client.ReadHoldingRegisters(0xB9AD, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, results)
}

func TestModbusClientRejected(t *testing.T) {
	srv := startServer(t)
	srv.HandleFunc(udpmock.ModbusAnswer(map[uint16]uint16{}))

	client := protocol.NewModbusClient(context.Background(), protocol.NewExecutor(200*time.Millisecond, 2), srv.Addr(), 0xF7)
	_, err := client.ReadHoldingRegisters(0x1234, 1)
	require.Error(t, err)
	assert.True(t, protocol.IsIllegalDataAddress(err))

	var mbErr *modbus.Error
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
}

func TestModbusPackager(t *testing.T) {
	handler := protocol.NewModbusHandler(protocol.NewExecutor(0, 1), "127.0.0.1:8899", 0xF7)

	adu, err := handler.Encode(&modbus.ProtocolDataUnit{
		FunctionCode: protocol.FuncRead,
		Data:         []byte{0x88, 0xB8, 0x00, 0x21},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF7, 0x03, 0x88, 0xB8, 0x00, 0x21, 0x3A, 0xC1}, adu)

	reply := udpmock.ModbusReadReply(0xF7, []byte{0x00, 0x01, 0x00, 0x02})
	require.NoError(t, handler.Verify(adu, reply))
	assert.Error(t, handler.Verify(adu, udpmock.ModbusReadReply(0x7F, []byte{0x00, 0x01})))
	assert.Error(t, handler.Verify(adu, []byte{0x01, 0x02, 0x03, 0x04, 0x05}))
	assert.Error(t, handler.Verify(adu, []byte{0xAA}))

	pdu, err := handler.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.FuncRead), pdu.FunctionCode)
	assert.Equal(t, []byte{0x04, 0x00, 0x01, 0x00, 0x02}, pdu.Data)

	write := udpmock.ModbusWriteReply(0xF7, protocol.FuncWrite, 0xB9AD, 1)
	pdu, err = handler.Decode(write)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB9, 0xAD, 0x00, 0x01}, pdu.Data)

	_, err = handler.Decode([]byte{0xAA, 0x55})
	assert.Error(t, err)
}

func TestModbusHandlerUnsupportedFunction(t *testing.T) {
	handler := protocol.NewModbusHandler(protocol.NewExecutor(0, 1), "127.0.0.1:8899", 0xF7)
	_, err := handler.Send([]byte{0xF7, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00})
	assert.Error(t, err)
	_, err = handler.Send([]byte{0xF7, 0x03})
	assert.Error(t, err)
}

func TestModbusClientCancelled(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := protocol.NewModbusClient(ctx, protocol.NewExecutor(time.Second, 3), srv.Addr(), 0xF7)
	start := time.Now()
	_, err := client.ReadHoldingRegisters(0x88B8, 1)
	assert.ErrorIs(t, err, protocol.ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestModbusHandlerConnector(t *testing.T) {
	var handler modbus.ClientHandler = protocol.NewModbusHandler(protocol.NewExecutor(0, 1), "127.0.0.1:8899", 0xF7)
	assert.NoError(t, handler.Connect())
	assert.NoError(t, handler.Close())
}
