package gogoodwe

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlmnb/gogoodwe/internal/udpmock"
	"github.com/tlmnb/gogoodwe/protocol"
	"github.com/tlmnb/gogoodwe/sensor"
)

// esResponseTypes maps the code of AA55 control commands to their response type.
var esResponseTypes = map[byte]uint16{
	0x02: 0x0382, 0x26: 0x03B6, 0x27: 0x03B7, 0x2c: 0x03AC,
	0x2d: 0x03AD, 0x35: 0x03B5, 0x36: 0x03B6, 0x59: 0x03D9,
}

// fakeES answers AA55 requests like an ES inverter, and Modbus requests from regs.
type fakeES struct {
	mu       sync.Mutex
	info     []byte
	runtime  []byte
	settings []byte
	regs     registerMap
	modbus   udpmock.Handler
}

func esDeviceInfo(firmware, model, serial, software string) []byte {
	data := padded(firmware, 5)
	data = append(data, padded(model, 10)...)
	data = append(data, make([]byte, 16)...)
	data = append(data, padded(serial, 16)...)
	data = append(data, make([]byte, 4)...)
	data = append(data, padded(software, 12)...)
	return append(data, make([]byte, 23)...)
}

func newFakeES(firmware string) *fakeES {
	regs := registerMap{}
	regs.zero(1793, 16)
	regs[0x0560] = 20
	return &fakeES{
		info:     esDeviceInfo(firmware, "GW5048-EM", "5048EMU000000001", "0204100000ES"),
		runtime:  make([]byte, 100),
		settings: make([]byte, 70),
		regs:     regs,
		modbus:   udpmock.ModbusAnswer(regs),
	}
}

func (f *fakeES) answer(request []byte) [][]byte {
	if len(request) < 7 || request[0] != 0xAA {
		return f.modbus(request)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	payload := request[4 : len(request)-2]
	switch {
	case bytes.Equal(payload, []byte{0x01, 0x02, 0x00}):
		return [][]byte{udpmock.AA55Reply(0x0182, f.info)}
	case bytes.Equal(payload, []byte{0x01, 0x06, 0x00}):
		return [][]byte{udpmock.AA55Reply(0x0186, f.runtime)}
	case bytes.Equal(payload, []byte{0x01, 0x09, 0x00}):
		return [][]byte{udpmock.AA55Reply(0x0189, f.settings)}
	case bytes.HasPrefix(payload, []byte{0x01, 0x1a, 0x03}) && len(payload) == 6:
		offset := binary.BigEndian.Uint16(payload[3:5])
		var data []byte
		for r := offset; r < offset+uint16(payload[5]); r++ {
			v, ok := f.regs[r]
			if !ok {
				return nil
			}
			data = binary.BigEndian.AppendUint16(data, v)
		}
		return [][]byte{udpmock.AA55Reply(0x019A, data)}
	case bytes.HasPrefix(payload, []byte{0x02, 0x39, 0x05}) && len(payload) == 8:
		f.regs[binary.BigEndian.Uint16(payload[3:5])] = binary.BigEndian.Uint16(payload[6:8])
		return [][]byte{udpmock.AA55Reply(0x02B9, []byte{0x06})}
	case bytes.HasPrefix(payload, []byte{0x02, 0x39, 0x0b}) && len(payload) >= 6:
		offset := binary.BigEndian.Uint16(payload[3:5])
		values := payload[6:]
		for i := 0; i+1 < len(values); i += 2 {
			f.regs[offset+uint16(i/2)] = binary.BigEndian.Uint16(values[i:])
		}
		return [][]byte{udpmock.AA55Reply(0x02B9, []byte{0x06})}
	case payload[0] == 0x03:
		if payload[1] == 0x59 {
			f.settings[67] = payload[3]
		}
		responseType, ok := esResponseTypes[payload[1]]
		if !ok {
			return nil
		}
		return [][]byte{udpmock.AA55Reply(responseType, []byte{0x06})}
	}
	return nil
}

func newTestES(t *testing.T, fake *fakeES) (*ES, func() [][]byte) {
	t.Helper()
	srv := startServer(t)
	srv.HandleFunc(fake.answer)
	inv := NewES(srv.Addr(), testOptions())
	require.NoError(t, inv.ReadDeviceInfo(context.Background()))
	return inv, srv.Requests
}

// aa55Payloads returns the payloads of the AA55 requests among requests.
func aa55Payloads(requests [][]byte) [][]byte {
	var out [][]byte
	for _, r := range requests {
		if len(r) > 6 && r[0] == 0xAA {
			out = append(out, r[4:len(r)-2])
		}
	}
	return out
}

func TestESReadDeviceInfo(t *testing.T) {
	inv, _ := newTestES(t, newFakeES("0204B"))

	info := inv.Info()
	assert.Equal(t, "0204B", info.Firmware)
	assert.Equal(t, "GW5048-EM", info.ModelName)
	assert.Equal(t, "5048EMU000000001", info.SerialNumber)
	assert.Equal(t, "0204100000ES", info.SoftwareVersion)
	assert.Equal(t, 2, info.DSP1Version)
	assert.Equal(t, 4, info.DSP2Version)
	assert.Equal(t, 11, info.ARMVersion)
	assert.Equal(t, FamilyES, inv.Family())
}

func TestESDeviceInfoTooShort(t *testing.T) {
	fake := newFakeES("02041")
	fake.info = fake.info[:40]
	srv := startServer(t)
	srv.HandleFunc(fake.answer)

	err := NewES(srv.Addr(), testOptions()).ReadDeviceInfo(context.Background())
	assert.ErrorIs(t, err, sensor.ErrShortBuffer)
}

func TestESReadRuntimeData(t *testing.T) {
	fake := newFakeES("02041")
	put := func(offset int, v uint16) { binary.BigEndian.PutUint16(fake.runtime[offset:], v) }
	put(0, 3000) // vpv1
	put(2, 50)   // ipv1
	put(10, 520) // vbattery1
	put(18, 100) // ibattery1
	put(38, 200) // pgrid
	fake.runtime[26] = 64
	fake.runtime[30] = 3 // charging
	fake.runtime[80] = 2 // importing
	inv, _ := newTestES(t, fake)

	data, err := inv.ReadRuntimeData(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 300.0, data["vpv1"], 0.001)
	assert.Equal(t, 1500, data["ppv1"])
	assert.Equal(t, 1500, data["ppv"])
	assert.Equal(t, -520, data["pbattery1"])
	assert.InDelta(t, -10.0, data["ibattery1"], 0.001)
	assert.Equal(t, 64, data["battery_soc"])
	assert.Equal(t, -200, data["pgrid"])
	assert.Equal(t, 1180, data["house_consumption"])

	v, err := inv.ReadSensor(context.Background(), "ppv")
	require.NoError(t, err)
	assert.Equal(t, 1500, v)

	_, err = inv.ReadSensor(context.Background(), "no_such_sensor")
	assert.ErrorIs(t, err, ErrUnknownSensor)
}

func TestESReadSetting(t *testing.T) {
	fake := newFakeES("02041")
	binary.BigEndian.PutUint16(fake.settings[52:], 5000)
	binary.BigEndian.PutUint16(fake.settings[32:], 30)
	fake.regs[1234] = 7
	inv, requests := newTestES(t, fake)
	ctx := context.Background()

	limit, err := inv.GridExportLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5000, limit)

	dod, err := inv.OngridBatteryDoD(ctx)
	require.NoError(t, err)
	assert.Equal(t, 70, dod)

	sent := len(requests())
	v, err := inv.ReadSetting(ctx, "time")
	require.NoError(t, err)
	assert.IsType(t, time.Time{}, v)
	assert.Len(t, requests(), sent)

	v, err = inv.ReadSetting(ctx, "no_such_setting")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = inv.ReadSetting(ctx, "eco_mode_1")
	require.NoError(t, err)
	assert.IsType(t, &sensor.EcoModeGroup{}, v)
	assert.Equal(t, []byte{0x01, 0x1a, 0x03, 0x07, 0x01, 0x04}, aa55Payloads(requests())[len(aa55Payloads(requests()))-1])

	v, err = inv.ReadSetting(ctx, "modbus.1234")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestESReadSettingsData(t *testing.T) {
	fake := newFakeES("02041")
	binary.BigEndian.PutUint16(fake.settings[66:], 2)
	inv, _ := newTestES(t, fake)

	data, err := inv.ReadSettingsData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, data["work_mode"])
	assert.NotContains(t, data, "time")
	assert.IsType(t, &sensor.EcoModeGroup{}, data["eco_mode_4"])
	assert.Equal(t, 0, data["eco_mode_4_switch"])
}

func TestESWriteSettings(t *testing.T) {
	inv, requests := newTestES(t, newFakeES("02041"))
	ctx := context.Background()

	sent := len(requests())
	require.NoError(t, inv.SetGridExportLimit(ctx, 5000))
	require.NoError(t, inv.SetOngridBatteryDoD(ctx, 70))
	require.NoError(t, inv.WriteSetting(ctx, "time", time.Date(2024, 3, 15, 12, 30, 45, 0, time.UTC)))
	assert.Equal(t, [][]byte{
		{0x03, 0x35, 0x02, 0x13, 0x88},
		{0x02, 0x39, 0x05, 0x05, 0x60, 0x01, 0x00, 0x1e},
		{0x03, 0x02, 0x06, 24, 3, 15, 12, 30, 45},
	}, aa55Payloads(requests()[sent:]))

	var rangeErr *sensor.RangeError
	assert.ErrorAs(t, inv.SetOngridBatteryDoD(ctx, 101), &rangeErr)
	assert.ErrorIs(t, inv.WriteSetting(ctx, "no_such_setting", 1), ErrUnknownSetting)
}

func TestESWriteByteSetting(t *testing.T) {
	fake := newFakeES("02041")
	fake.regs[1800] = 0x00FF
	inv, requests := newTestES(t, fake)

	sent := len(requests())
	require.NoError(t, inv.WriteSetting(context.Background(), "eco_mode_2_switch", -1))
	assert.Equal(t, [][]byte{
		{0x01, 0x1a, 0x03, 0x07, 0x08, 0x01},
		{0x02, 0x39, 0x05, 0x07, 0x08, 0x01, 0xFF, 0xFF},
	}, aa55Payloads(requests()[sent:]))
}

func TestESOperationModes(t *testing.T) {
	inv, _ := newTestES(t, newFakeES("02041"))
	assert.Equal(t, []OperationMode{ModeGeneral, ModeOffGrid, ModeBackup, ModeEco}, inv.OperationModes(false))
	assert.Equal(t, []OperationMode{ModeGeneral, ModeOffGrid, ModeBackup, ModeEco, ModeEcoCharge, ModeEcoDischarge}, inv.OperationModes(true))
	assert.ErrorIs(t, inv.SetOperationMode(context.Background(), ModePeakShaving, 0, 100), ErrUnsupportedOperation)
}

func TestESSetOperationMode(t *testing.T) {
	tests := []struct {
		name     string
		firmware string
		mode     OperationMode
		expected [][]byte
	}{
		{"general", "02041", ModeGeneral, [][]byte{
			{0x03, 0x2c, 0x05, 0, 0, 0, 0, 0},
			{0x03, 0x2d, 0x05, 0, 0, 0, 0, 0},
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 0},
		}},
		{"general modern firmware", "0204B", ModeGeneral, [][]byte{
			{0x03, 0x2c, 0x05, 0, 0, 0, 0, 0},
			{0x03, 0x2d, 0x05, 0, 0, 0, 0, 0},
			{0x02, 0x39, 0x05, 0x07, 0x00, 0x01, 0x00, 0x01},
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 0},
		}},
		{"general eco mode v2 firmware", "1104E", ModeGeneral, [][]byte{
			{0x02, 0x39, 0x05, 0x07, 0x00, 0x01, 0x00, 0x01},
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 0},
		}},
		{"off grid", "02041", ModeOffGrid, [][]byte{
			{0x03, 0x2c, 0x05, 0, 0, 23, 59, 0},
			{0x03, 0x2d, 0x05, 0, 0, 0, 0, 0},
			{0x03, 0x36, 0x01, 1},
			{0x03, 0x27, 0x02, 0x00, 48},
			{0x03, 0x26, 0x01, 4},
			{0x03, 0x59, 0x01, 1},
		}},
		{"backup", "02041", ModeBackup, [][]byte{
			{0x03, 0x2c, 0x05, 0, 0, 23, 59, 10},
			{0x03, 0x2d, 0x05, 0, 0, 0, 0, 0},
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 2},
		}},
		{"backup modern firmware", "0204B", ModeBackup, [][]byte{
			{0x02, 0x39, 0x05, 0x07, 0x00, 0x01, 0x00, 0x01},
			{0x03, 0x2c, 0x05, 0, 0, 23, 59, 10},
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 2},
		}},
		{"backup eco mode v2 firmware", "1104E", ModeBackup, [][]byte{
			{0x02, 0x39, 0x05, 0x07, 0x00, 0x01, 0x00, 0x01},
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 2},
		}},
		{"eco", "02041", ModeEco, [][]byte{
			{0x03, 0x36, 0x01, 0},
			{0x03, 0x59, 0x01, 3},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, requests := newTestES(t, newFakeES(tt.firmware))
			sent := len(requests())
			require.NoError(t, inv.SetOperationMode(context.Background(), tt.mode, 0, 100))
			assert.Equal(t, tt.expected, aa55Payloads(requests()[sent:]))

			mode, err := inv.OperationMode(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.mode, mode)
		})
	}
}

func TestESEcoDischargeMode(t *testing.T) {
	inv, requests := newTestES(t, newFakeES("02041"))
	ctx := context.Background()

	sent := len(requests())
	require.NoError(t, inv.SetOperationMode(ctx, ModeEcoDischarge, 80, 100))
	payloads := aa55Payloads(requests()[sent:])
	require.Len(t, payloads, 9)
	assert.Equal(t, append([]byte{0x02, 0x39, 0x0b, 0x07, 0x01, 0x08}, sensor.EncodeEcoDischarge(80)...), payloads[0])
	assert.Equal(t, []byte{0x03, 0x59, 0x01, 3}, payloads[8])

	mode, err := inv.OperationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeEcoDischarge, mode)
}

// modbusRequests returns the Modbus requests among requests.
func modbusRequests(requests [][]byte) [][]byte {
	var out [][]byte
	for _, r := range requests {
		if len(r) > 0 && r[0] != 0xAA {
			out = append(out, r)
		}
	}
	return out
}

// newFakeESV2 returns an ES inverter with the 12-byte eco mode groups.
func newFakeESV2() *fakeES {
	fake := newFakeES("1104E")
	fake.regs.zero(47547, 24)
	return fake
}

func TestESEcoModeV2Support(t *testing.T) {
	tests := []struct {
		name     string
		firmware string
		serial   string
		want     bool
	}{
		{"emu", "1104E", "5048EMU000000001", true},
		{"emu old dsp", "1004E", "5048EMU000000001", false},
		{"emu old arm", "1104D", "5048EMU000000001", false},
		{"esu", "2204E", "5048ESU000000001", true},
		{"esu old dsp", "2104E", "5048ESU000000001", false},
		{"bps", "1004E", "5048BPS000000001", true},
		{"other serial", "2204E", "5048XXX000000001", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeES(tt.firmware)
			fake.info = esDeviceInfo(tt.firmware, "GW5048-EM", tt.serial, "0204100000ES")
			inv, _ := newTestES(t, fake)
			assert.Equal(t, tt.want, inv.supportsEcoModeV2())

			d, ok := find(inv.Settings(), "eco_mode_1")
			require.True(t, ok)
			sw, ok := find(inv.Settings(), "eco_mode_4_switch")
			require.True(t, ok)
			if tt.want {
				assert.Equal(t, 47547, d.Offset)
				assert.Equal(t, 47567, sw.Offset)
			} else {
				assert.Equal(t, 1793, d.Offset)
				assert.Equal(t, 1808, sw.Offset)
			}
			assert.Len(t, inv.Settings(), len(esSettings))
		})
	}
}

func TestESEcoChargeModeV2(t *testing.T) {
	inv, requests := newTestES(t, newFakeESV2())
	ctx := context.Background()

	var rangeErr *sensor.RangeError
	require.ErrorAs(t, inv.SetOperationMode(ctx, ModeEcoCharge, 50, 101), &rangeErr)
	assert.Equal(t, "eco_mode_soc", rangeErr.Field)

	sent := len(requests())
	require.NoError(t, inv.SetOperationMode(ctx, ModeEcoCharge, 50, 90))
	writes := modbusRequests(requests()[sent:])
	require.Len(t, writes, 8)
	assert.Equal(t, protocol.ModbusRequest(0xF7, protocol.FuncRead, 47547, 6), writes[0])
	assert.Equal(t, protocol.ModbusMultiRequest(0xF7, protocol.FuncWriteMulti, 47547, sensor.EncodeScheduleCharge(sensor.ScheduleEcoMode, 50, 90)), writes[1])
	assert.Equal(t, protocol.ModbusRequest(0xF7, protocol.FuncRead, 47555, 1), writes[2])
	assert.Equal(t, protocol.ModbusRequest(0xF7, protocol.FuncWrite, 47555, 0), writes[3])
	assert.Equal(t, [][]byte{{0x03, 0x36, 0x01, 0}, {0x03, 0x59, 0x01, 3}}, aa55Payloads(requests()[sent:]))

	mode, err := inv.OperationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeEcoCharge, mode)

	v, err := inv.ReadSetting(ctx, "eco_mode_1")
	require.NoError(t, err)
	group, ok := v.(*sensor.Schedule)
	require.True(t, ok)
	assert.Equal(t, -50, group.Power)
	assert.Equal(t, 90, group.SoC)
}

func TestESEcoDischargeModeV2Keeps745(t *testing.T) {
	fake := newFakeESV2()
	fake.regs.bytes(47547, sensor.EncodeScheduleOff(sensor.ScheduleEcoMode745))
	inv, _ := newTestES(t, fake)
	ctx := context.Background()

	require.NoError(t, inv.SetOperationMode(ctx, ModeEcoDischarge, 30, 100))
	v, err := inv.ReadSetting(ctx, "eco_mode_1")
	require.NoError(t, err)
	group, ok := v.(*sensor.Schedule)
	require.True(t, ok)
	assert.Equal(t, sensor.ScheduleEcoMode745, group.Type)
	assert.Equal(t, 300, group.Power)
	assert.Equal(t, 30, group.DisplayPower())

	mode, err := inv.OperationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeEcoDischarge, mode)
}

func TestESUnansweredRead(t *testing.T) {
	fake := newFakeES("02041")
	inv, _ := newTestES(t, fake)
	fake.mu.Lock()
	delete(fake.regs, 1793)
	fake.mu.Unlock()

	_, err := inv.ReadSetting(context.Background(), "eco_mode_1")
	assert.ErrorIs(t, err, protocol.ErrMaxRetries)
}
