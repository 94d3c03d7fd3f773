package gogoodwe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tlmnb/gogoodwe/protocol"
	"github.com/tlmnb/gogoodwe/sensor"
)

// Runtime data of DT inverters, offsets are Modbus register numbers from 30100.
var dtSensors = []sensor.Descriptor{
	sensor.Timestamp("timestamp", 30100, "Timestamp", sensor.KindNone),
	sensor.Voltage("vpv1", 30103, "PV1 Voltage", sensor.KindPV),
	sensor.Current("ipv1", 30104, "PV1 Current", sensor.KindPV),
	sensor.Calculated("ppv1", func(b *sensor.Buffer) any { return sensor.PowerAt(b, 30103, 30104) }, "PV1 Power", "W", sensor.KindPV),
	sensor.Voltage("vpv2", 30105, "PV2 Voltage", sensor.KindPV),
	sensor.Current("ipv2", 30106, "PV2 Current", sensor.KindPV),
	sensor.Calculated("ppv2", func(b *sensor.Buffer) any { return sensor.PowerAt(b, 30105, 30106) }, "PV2 Power", "W", sensor.KindPV),
	sensor.Voltage("vpv3", 30107, "PV3 Voltage", sensor.KindPV),
	sensor.Current("ipv3", 30108, "PV3 Current", sensor.KindPV),
	sensor.Calculated("ppv3", func(b *sensor.Buffer) any { return sensor.PowerAt(b, 30107, 30108) }, "PV3 Power", "W", sensor.KindPV),
	sensor.Calculated("ppv", func(b *sensor.Buffer) any {
		return sensor.PowerAt(b, 30103, 30104) + sensor.PowerAt(b, 30105, 30106) + sensor.PowerAt(b, 30107, 30108)
	}, "PV Power", "W", sensor.KindPV),
	sensor.Voltage("vline1", 30115, "On-grid L1-L2 Voltage", sensor.KindAC),
	sensor.Voltage("vline2", 30116, "On-grid L2-L3 Voltage", sensor.KindAC),
	sensor.Voltage("vline3", 30117, "On-grid L3-L1 Voltage", sensor.KindAC),
	sensor.Voltage("vgrid1", 30118, "On-grid L1 Voltage", sensor.KindAC),
	sensor.Voltage("vgrid2", 30119, "On-grid L2 Voltage", sensor.KindAC),
	sensor.Voltage("vgrid3", 30120, "On-grid L3 Voltage", sensor.KindAC),
	sensor.Current("igrid1", 30121, "On-grid L1 Current", sensor.KindAC),
	sensor.Current("igrid2", 30122, "On-grid L2 Current", sensor.KindAC),
	sensor.Current("igrid3", 30123, "On-grid L3 Current", sensor.KindAC),
	sensor.Frequency("fgrid1", 30124, "On-grid L1 Frequency", sensor.KindAC),
	sensor.Frequency("fgrid2", 30125, "On-grid L2 Frequency", sensor.KindAC),
	sensor.Frequency("fgrid3", 30126, "On-grid L3 Frequency", sensor.KindAC),
	sensor.Calculated("pgrid1", func(b *sensor.Buffer) any { return sensor.PowerAt(b, 30118, 30121) }, "On-grid L1 Power", "W", sensor.KindAC),
	sensor.Calculated("pgrid2", func(b *sensor.Buffer) any { return sensor.PowerAt(b, 30119, 30122) }, "On-grid L2 Power", "W", sensor.KindAC),
	sensor.Calculated("pgrid3", func(b *sensor.Buffer) any { return sensor.PowerAt(b, 30120, 30123) }, "On-grid L3 Power", "W", sensor.KindAC),
	sensor.Power4("total_inverter_power", 30127, "Total Power", sensor.KindAC),
	sensor.Integer("work_mode", 30129, "Work Mode code", "", sensor.KindNone),
	sensor.Enum2("work_mode_label", 30129, sensor.WorkModes, "Work Mode", sensor.KindNone),
	sensor.Long("error_codes", 30130, "Error Codes", "", sensor.KindNone),
	sensor.Integer("warning_code", 30132, "Warning code", "", sensor.KindNone),
	sensor.Apparent4("apparent_power", 30133, "Apparent Power", sensor.KindAC),
	sensor.Reactive4("reactive_power", 30135, "Reactive Power", sensor.KindAC),
	sensor.PowerS("total_input_power", 30138, "Total Input Power", sensor.KindPV),
	sensor.Decimal("power_factor", 30139, 1000, "Power Factor", "", sensor.KindGRID),
	sensor.Temp("temperature", 30141, "Inverter Temperature", sensor.KindAC),
	sensor.Temp("temperature_heatsink", 30142, "Heatsink Temperature", sensor.KindAC),
	sensor.Energy("e_day", 30144, "Today's PV Generation", sensor.KindPV),
	sensor.Energy4("e_total", 30145, "Total PV Generation", sensor.KindPV),
	sensor.Long("h_total", 30147, "Hours Total", "h", sensor.KindPV),
	sensor.Integer("safety_country", 30149, "Safety Country code", "", sensor.KindAC),
	sensor.Enum2("safety_country_label", 30149, sensor.SafetyCountries, "Safety Country", sensor.KindAC),
	sensor.Integer("funbit", 30162, "FunctionBit", "", sensor.KindPV),
	sensor.Voltage("vbus", 30163, "Bus Voltage", sensor.KindPV),
	sensor.Voltage("vnbus", 30164, "NBus Voltage", sensor.KindPV),
	sensor.Long("derating_mode", 30165, "Derating Mode code", "", sensor.KindNone),
	sensor.EnumBitmap4("derating_mode_label", 30165, sensor.DeratingModeCodes, "Derating Mode", sensor.KindNone),
	sensor.Integer("rssi", 30172, "RSSI", "", sensor.KindNone),
}

// Meter data of DT inverters, offsets are Modbus register numbers from 30195.
var dtMeterSensors = []sensor.Descriptor{
	sensor.Power4S("meter_active_power", 30195, "Meter Active Power", sensor.KindGRID),
	sensor.Energy4W("meter_e_total_exp", 30197, "Meter Total Energy (export)", sensor.KindGRID),
	sensor.Energy4W("meter_e_total_imp", 30199, "Meter Total Energy (import)", sensor.KindGRID),
	sensor.Integer("meter_comm_status", 30209, "Meter Communication Status", "", sensor.KindNone),
}

var dtSettings = []sensor.Descriptor{
	sensor.Timestamp("time", 40313, "Inverter time", sensor.KindNone),
	sensor.Integer("shadow_scan_pv1", 40326, "Shadow Scan Status PV1", "", sensor.KindPV),
	sensor.Integer("shadow_scan_pv2", 40352, "Shadow Scan Status PV2", "", sensor.KindPV),
	sensor.Integer("shadow_scan_pv3", 40362, "Shadow Scan Status PV3", "", sensor.KindPV),
	sensor.Integer("shadow_scan_pv1_time", 40347, "Shadow Scan PV1 Time", "", sensor.KindPV),
	sensor.Integer("shadow_scan_pv2_time", 40353, "Shadow Scan PV2 Time", "", sensor.KindPV),
	sensor.Integer("grid_export", 40327, "Grid Export Limit Enabled", "", sensor.KindGRID),
	sensor.Integer("grid_export_limit", 40328, "Grid Export Limit", "%", sensor.KindGRID),
	sensor.Integer("start", 40330, "Start / Power On", "", sensor.KindGRID),
	sensor.Integer("stop", 40331, "Stop / Power Off", "", sensor.KindGRID),
	sensor.Integer("restart", 40332, "Restart", "", sensor.KindGRID),
	sensor.Integer("grid_export_hw", 40345, "Grid Export Limit Enabled (HW)", "", sensor.KindGRID),
}

var (
	dtExportLimitSinglePhase = sensor.Long("grid_export_limit", 40328, "Grid Export Limit", "W", sensor.KindGRID)
	dtExportLimitThreePhase  = sensor.Integer("grid_export_limit", 40336, "Grid Export Limit", "%", sensor.KindGRID)
)

// DT is a grid-only inverter of the DT, MS, D-NS and XS families.
type DT struct {
	*session

	readDeviceInfo *protocol.Command
	readModel      *protocol.Command
	readRuntime    *protocol.Command
	readMeter      *protocol.Command

	// Guarded by session.mu.
	runtime  []sensor.Descriptor
	hasMeter bool
}

// NewDT creates a DT inverter at addr ("host:port"). It performs no I/O.
func NewDT(addr string, opts Options) *DT {
	s := newSession(FamilyDT, addr, opts.commAddr(FamilyDT), dtSettings, opts)
	return &DT{
		session:        s,
		readDeviceInfo: protocol.NewModbusReadCommand(s.commAddr, 0x7531, 0x0028),
		readModel:      protocol.NewModbusReadCommand(s.commAddr, 0x9CED, 0x0008),
		readRuntime:    protocol.NewModbusReadCommand(s.commAddr, 0x7594, 0x0049),
		readMeter:      protocol.NewModbusReadCommand(s.commAddr, 0x75f3, 0x000F),
		runtime:        dtSensors,
		hasMeter:       true,
	}
}

// ReadDeviceInfo reads the identification registers and narrows the tables to the
// phases and MPPTs of the model.
func (inv *DT) ReadDeviceInfo(ctx context.Context) error {
	resp, err := inv.SendCommand(ctx, inv.readDeviceInfo)
	if err != nil {
		return err
	}
	b := sensor.NewBuffer(resp.Payload())
	if b.Len() < 76 {
		return fmt.Errorf("device info: %w: %d bytes", sensor.ErrShortBuffer, b.Len())
	}
	data := b.Bytes()
	info := DeviceInfo{
		SerialNumber:  sensor.DecodeString(data[6:22]),
		DSP1Version:   b.Uint16At(66),
		DSP2Version:   b.Uint16At(68),
		ARMVersion:    b.Uint16At(70),
		DSPSVNVersion: b.Uint16At(72),
		ARMSVNVersion: b.Uint16At(74),
	}
	info.Firmware = fmt.Sprintf("%d.%d.%02x", info.DSP1Version, info.DSP2Version, info.ARMVersion)
	if model, ok := asciiString(data[22:32]); ok {
		info.ModelName = model
	} else if model, err := inv.readModelName(ctx); err == nil {
		info.ModelName = model
	} else {
		inv.log.Debug().Err(err).Msg("no model name sent by the inverter")
	}
	inv.setInfo(info)

	runtime := dtSensors
	settings := dtSettings
	if isSinglePhase(info.SerialNumber) {
		runtime = filter(runtime, singlePhaseOnly)
		settings = replace(settings, dtExportLimitSinglePhase)
	} else {
		settings = replace(settings, dtExportLimitThreePhase)
	}
	if !is3MPPT(info.SerialNumber) {
		runtime = filter(runtime, func(d sensor.Descriptor) bool { return !strings.HasSuffix(d.ID, "pv3") })
	}
	inv.mu.Lock()
	inv.runtime = runtime
	inv.mu.Unlock()
	inv.setSettings(settings)

	inv.log.Debug().Str("model", info.ModelName).Str("serial", info.SerialNumber).Str("firmware", info.Firmware).Msg("device info")
	return nil
}

func (inv *DT) readModelName(ctx context.Context) (string, error) {
	resp, err := inv.SendCommand(ctx, inv.readModel)
	if err != nil {
		return "", err
	}
	data := resp.Payload()
	if len(data) > 16 {
		data = data[:16]
	}
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00")), nil
}

// asciiString decodes raw as right trimmed ASCII.
func asciiString(raw []byte) (string, bool) {
	for _, c := range raw {
		if c > 0x7F {
			return "", false
		}
	}
	return strings.TrimRight(string(raw), " \x00"), true
}

// replace returns a copy of descriptors with the one of the same id swapped for d.
func replace(descriptors []sensor.Descriptor, d sensor.Descriptor) []sensor.Descriptor {
	out := append([]sensor.Descriptor(nil), descriptors...)
	for i := range out {
		if out[i].ID == d.ID {
			out[i] = d
			return out
		}
	}
	return append(out, d)
}

// ReadRuntimeData reads the runtime registers and the meter block. The meter block is
// dropped after its first failure.
//
// Parameters:
//   - ctx: Context of the reads.
//
// Returns:
//   - The decoded values by sensor id.
//   - An error if the runtime read fails.
func (inv *DT) ReadRuntimeData(ctx context.Context) (map[string]any, error) {
	inv.mu.Lock()
	runtime, hasMeter := inv.runtime, inv.hasMeter
	inv.mu.Unlock()

	data, err := inv.read(ctx, inv.readRuntime, dtBuffer(0x7594), runtime)
	if err != nil {
		return nil, err
	}
	if !hasMeter {
		return data, nil
	}
	values, err := inv.read(ctx, inv.readMeter, dtBuffer(0x75f3), dtMeterSensors)
	switch {
	case err == nil:
		merge(data, values)
	case errors.Is(err, protocol.ErrCancelled):
		return nil, err
	default:
		inv.log.Info().Err(err).Msg("meter values not supported, disabling further attempts")
		inv.mu.Lock()
		inv.hasMeter = false
		inv.mu.Unlock()
	}
	return data, nil
}

func dtBuffer(first int) func([]byte) *sensor.Buffer {
	return func(data []byte) *sensor.Buffer { return sensor.NewRegisterBuffer(data, first) }
}

// ReadSensor reads the registers of one sensor. Calculated sensors are read with the
// whole runtime data.
func (inv *DT) ReadSensor(ctx context.Context, id string) (any, error) {
	d, ok := find(inv.Sensors(), id)
	if !ok {
		if register, ok := rawRegister(id); ok {
			return inv.readRaw(ctx, register)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownSensor, id)
	}
	if d.Offset == sensor.Derived {
		data, err := inv.ReadRuntimeData(ctx)
		if err != nil {
			return nil, err
		}
		return data[id], nil
	}
	resp, err := inv.SendCommand(ctx, protocol.NewModbusReadCommand(inv.commAddr, uint16(d.Offset), uint16(max(d.Registers(), 1))))
	if err != nil {
		return nil, err
	}
	return d.Read(sensor.NewRegisterBuffer(resp.Payload(), d.Offset))
}

// Sensors returns the sensor table of the model.
func (inv *DT) Sensors() []sensor.Descriptor {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := append([]sensor.Descriptor(nil), inv.runtime...)
	if inv.hasMeter {
		out = append(out, dtMeterSensors...)
	}
	return out
}

// ReadSetting reads one setting or raw register.
func (inv *DT) ReadSetting(ctx context.Context, id string) (any, error) {
	if d, ok := inv.setting(id); ok {
		return inv.readModbusSetting(ctx, d)
	}
	if register, ok := rawRegister(id); ok {
		return inv.readRaw(ctx, register)
	}
	return nil, nil
}

// WriteSetting writes one setting or raw register.
func (inv *DT) WriteSetting(ctx context.Context, id string, value any) error {
	if d, ok := inv.setting(id); ok {
		return inv.writeModbusSetting(ctx, d, value)
	}
	if register, ok := rawRegister(id); ok {
		return inv.writeRaw(ctx, register, value)
	}
	return fmt.Errorf("%w: %q", ErrUnknownSetting, id)
}

// ReadSettingsData reads every setting.
func (inv *DT) ReadSettingsData(ctx context.Context) (map[string]any, error) {
	return inv.readSettings(ctx, inv)
}

// GridExportLimit reads the export limit setting of the phase count.
func (inv *DT) GridExportLimit(ctx context.Context) (int, error) {
	return readInt(ctx, inv, "grid_export_limit")
}

// SetGridExportLimit writes the export limit setting of the phase count.
func (inv *DT) SetGridExportLimit(ctx context.Context, limit int) error {
	if limit < 0 {
		return &sensor.RangeError{Field: "grid_export_limit", Value: limit}
	}
	return inv.WriteSetting(ctx, "grid_export_limit", limit)
}

// OperationModes returns nil, DT inverters have no operation modes.
func (inv *DT) OperationModes(bool) []OperationMode {
	return nil
}

// OperationMode returns ErrUnsupportedOperation.
func (inv *DT) OperationMode(context.Context) (OperationMode, error) {
	return 0, ErrUnsupportedOperation
}

// SetOperationMode returns ErrUnsupportedOperation.
func (inv *DT) SetOperationMode(context.Context, OperationMode, int, int) error {
	return ErrUnsupportedOperation
}

// OngridBatteryDoD returns ErrUnsupportedOperation, DT inverters have no batteries.
func (inv *DT) OngridBatteryDoD(context.Context) (int, error) {
	return 0, fmt.Errorf("%w: inverter has no batteries", ErrUnsupportedOperation)
}

// SetOngridBatteryDoD returns ErrUnsupportedOperation.
func (inv *DT) SetOngridBatteryDoD(context.Context, int) error {
	return fmt.Errorf("%w: inverter has no batteries", ErrUnsupportedOperation)
}
