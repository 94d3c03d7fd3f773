package gogoodwe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlmnb/gogoodwe/protocol"
	"github.com/tlmnb/gogoodwe/sensor"
)

// dtRegisters returns the register space of a DT inverter with zeroed runtime and
// meter blocks.
func dtRegisters(serial string, model []byte) registerMap {
	regs := registerMap{}
	regs.zero(30001, 0x28)
	regs.text(30004, serial, 16)
	regs.bytes(30012, model)
	regs[30034] = 1
	regs[30035] = 2
	regs[30036] = 0x1a

	regs.zero(30100, 0x49)
	regs.zero(30195, 0x0f)
	return regs
}

func newTestDT(t *testing.T, regs registerMap) (*DT, func() [][]byte) {
	t.Helper()
	srv := startModbus(t, regs)
	inv := NewDT(srv.Addr(), testOptions())
	require.NoError(t, inv.ReadDeviceInfo(context.Background()))
	return inv, srv.Requests
}

func TestDTReadDeviceInfo(t *testing.T) {
	inv, requests := newTestDT(t, dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10)))

	info := inv.Info()
	assert.Equal(t, "GW10KDTU00000001", info.SerialNumber)
	assert.Equal(t, "GW10K-DT", info.ModelName)
	assert.Equal(t, "1.2.1a", info.Firmware)
	assert.Equal(t, 0x1a, info.ARMVersion)
	assert.Equal(t, FamilyDT, inv.Family())
	assert.Len(t, requests(), 1)
	assert.Equal(t, protocol.ModbusRequest(0x7F, protocol.FuncRead, 0x7531, 0x28), requests()[0])

	_, ok := find(inv.Sensors(), "vpv3")
	assert.False(t, ok)
	_, ok = find(inv.Sensors(), "vgrid2")
	assert.True(t, ok)

	limit, ok := find(inv.Settings(), "grid_export_limit")
	require.True(t, ok)
	assert.Equal(t, 40336, limit.Offset)
	assert.Equal(t, "%", limit.Unit)
}

func TestDTReadDeviceInfoModelFallback(t *testing.T) {
	regs := dtRegisters("GW5KDSN000000001", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	regs.text(0x9CED, "GW5K-DNS", 16)
	inv, requests := newTestDT(t, regs)

	assert.Equal(t, "GW5K-DNS", inv.Info().ModelName)
	assert.Len(t, requests(), 2)

	// Single phase models export limit in W over two registers.
	limit, ok := find(inv.Settings(), "grid_export_limit")
	require.True(t, ok)
	assert.Equal(t, 40328, limit.Offset)
	assert.Equal(t, "W", limit.Unit)
	_, ok = find(inv.Sensors(), "vgrid2")
	assert.False(t, ok)
}

func TestDTReadDeviceInfoWithoutModel(t *testing.T) {
	inv, _ := newTestDT(t, dtRegisters("GW10KDTU00000001", []byte{0x80, 0x81}))
	assert.Empty(t, inv.Info().ModelName)
	assert.Equal(t, "GW10KDTU00000001", inv.Info().SerialNumber)
}

func TestDTReadRuntimeData(t *testing.T) {
	regs := dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10))
	regs[30103] = 6000
	regs[30104] = 80
	regs[30195] = 0xFFFF
	regs[30196] = 0xFF38
	inv, requests := newTestDT(t, regs)
	ctx := context.Background()

	data, err := inv.ReadRuntimeData(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 600.0, data["vpv1"], 0.001)
	assert.InDelta(t, 8.0, data["ipv1"], 0.001)
	assert.Equal(t, 4800, data["ppv1"])
	assert.Equal(t, 4800, data["ppv"])
	assert.Equal(t, -200, data["meter_active_power"])
	assert.NotContains(t, data, "vpv3")
	assert.Len(t, requests(), 3)

	sent := len(requests())
	v, err := inv.ReadSensor(ctx, "vpv1")
	require.NoError(t, err)
	assert.InDelta(t, 600.0, v, 0.001)
	assert.Equal(t, [][]byte{protocol.ModbusRequest(0x7F, protocol.FuncRead, 30103, 1)}, requests()[sent:])

	sent = len(requests())
	v, err = inv.ReadSensor(ctx, "ppv1")
	require.NoError(t, err)
	assert.Equal(t, 4800, v)
	assert.Len(t, requests()[sent:], 2)

	_, err = inv.ReadSensor(ctx, "no_such_sensor")
	assert.ErrorIs(t, err, ErrUnknownSensor)
}

func TestDTMeterDisabled(t *testing.T) {
	regs := dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10))
	for r := uint16(30195); r < 30195+0x0f; r++ {
		delete(regs, r)
	}
	inv, requests := newTestDT(t, regs)
	ctx := context.Background()

	data, err := inv.ReadRuntimeData(ctx)
	require.NoError(t, err)
	assert.NotContains(t, data, "meter_active_power")
	assert.Contains(t, data, "vpv1")

	_, ok := find(inv.Sensors(), "meter_active_power")
	assert.False(t, ok)

	sent := len(requests())
	_, err = inv.ReadRuntimeData(ctx)
	require.NoError(t, err)
	assert.Len(t, requests()[sent:], 1, "meter is not read again")
}

func TestDTSettings(t *testing.T) {
	regs := dtRegisters("GW10KDTU00000001", padded("GW10K-DT", 10))
	regs[40336] = 50
	regs[40000] = 12
	inv, _ := newTestDT(t, regs)
	ctx := context.Background()

	limit, err := inv.GridExportLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, limit)

	require.NoError(t, inv.SetGridExportLimit(ctx, 80))
	limit, err = inv.GridExportLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, limit)

	var rangeErr *sensor.RangeError
	assert.ErrorAs(t, inv.SetGridExportLimit(ctx, -1), &rangeErr)

	v, err := inv.ReadSetting(ctx, "modbus.40000")
	require.NoError(t, err)
	assert.Equal(t, 12, v)
	require.NoError(t, inv.WriteSetting(ctx, "modbus.40000", 13))
	v, err = inv.ReadSetting(ctx, "modbus.40000")
	require.NoError(t, err)
	assert.Equal(t, 13, v)

	v, err = inv.ReadSetting(ctx, "shadow_scan_pv1")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.ErrorIs(t, inv.WriteSetting(ctx, "shadow_scan_pv1", 1), ErrUnknownSetting)
}

func TestDTUnsupportedOperations(t *testing.T) {
	inv := NewDT("127.0.0.1:8899", testOptions())
	ctx := context.Background()

	assert.Empty(t, inv.OperationModes(true))
	_, err := inv.OperationMode(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.ErrorIs(t, inv.SetOperationMode(ctx, ModeGeneral, 0, 100), ErrUnsupportedOperation)
	_, err = inv.OngridBatteryDoD(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.ErrorIs(t, inv.SetOngridBatteryDoD(ctx, 50), ErrUnsupportedOperation)
}
