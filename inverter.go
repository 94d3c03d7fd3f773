// Package gogoodwe talks to GoodWe solar inverters over UDP.
//
// Connect binds to an inverter of a known family, Discover identifies an unknown one. Both
// return an Inverter reading runtime data and reading or writing settings through the
// family's register map.
package gogoodwe

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/modbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tlmnb/gogoodwe/protocol"
	"github.com/tlmnb/gogoodwe/sensor"
)

const (
	// DefaultPort is the UDP port inverters listen on.
	DefaultPort = 8899

	// DefaultCommAddr is the communication address of ET and ES inverters.
	DefaultCommAddr = 0xF7

	// DefaultDTCommAddr is the communication address of DT inverters.
	DefaultDTCommAddr = 0x7F
)

// Family is an inverter family: a group of models sharing one envelope and register map.
type Family string

const (
	FamilyET Family = "ET"
	FamilyES Family = "ES"
	FamilyDT Family = "DT"
)

var familyNames = map[string]Family{
	"ET": FamilyET, "EH": FamilyET, "BT": FamilyET, "BH": FamilyET,
	"ES": FamilyES, "EM": FamilyES, "BP": FamilyES,
	"DT": FamilyDT, "MS": FamilyDT, "NS": FamilyDT, "D-NS": FamilyDT, "XS": FamilyDT,
}

// ParseFamily returns the family of a family or model series name (e.g. "EH", "BP").
func ParseFamily(name string) (Family, error) {
	f, ok := familyNames[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
	return f, nil
}

// OperationMode is the operation mode of a hybrid inverter.
type OperationMode int

const (
	ModeGeneral      OperationMode = 0
	ModeOffGrid      OperationMode = 1
	ModeBackup       OperationMode = 2
	ModeEco          OperationMode = 3
	ModePeakShaving  OperationMode = 4
	ModeSelfUse      OperationMode = 5
	ModeEcoCharge    OperationMode = 98 // Eco mode with one all-day charging group.
	ModeEcoDischarge OperationMode = 99 // Eco mode with one all-day discharging group.
)

var allModes = []OperationMode{ModeGeneral, ModeOffGrid, ModeBackup, ModeEco, ModePeakShaving, ModeSelfUse, ModeEcoCharge, ModeEcoDischarge}

var modeNames = map[OperationMode]string{
	ModeGeneral:      "GENERAL",
	ModeOffGrid:      "OFF_GRID",
	ModeBackup:       "BACKUP",
	ModeEco:          "ECO",
	ModePeakShaving:  "PEAK_SHAVING",
	ModeSelfUse:      "SELF_USE",
	ModeEcoCharge:    "ECO_CHARGE",
	ModeEcoDischarge: "ECO_DISCHARGE",
}

func (m OperationMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("OperationMode(%d)", int(m))
}

// ParseOperationMode returns the mode of its name ("ECO_CHARGE") or number ("98").
func ParseOperationMode(s string) (OperationMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := modeNames[OperationMode(n)]; ok {
			return OperationMode(n), nil
		}
	}
	return 0, fmt.Errorf("unknown operation mode %q", s)
}

// DeviceInfo holds the identification of an inverter.
type DeviceInfo struct {
	ModelName       string `json:"model_name" yaml:"model_name"`
	SerialNumber    string `json:"serial_number" yaml:"serial_number"`
	RatedPower      int    `json:"rated_power,omitempty" yaml:"rated_power,omitempty"`
	ACOutputType    int    `json:"ac_output_type,omitempty" yaml:"ac_output_type,omitempty"`
	Firmware        string `json:"firmware,omitempty" yaml:"firmware,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty" yaml:"software_version,omitempty"`
	ARMFirmware     string `json:"arm_firmware,omitempty" yaml:"arm_firmware,omitempty"`
	ModbusVersion   int    `json:"modbus_version,omitempty" yaml:"modbus_version,omitempty"`
	DSP1Version     int    `json:"dsp1_version" yaml:"dsp1_version"`
	DSP2Version     int    `json:"dsp2_version" yaml:"dsp2_version"`
	DSPSVNVersion   int    `json:"dsp_svn_version,omitempty" yaml:"dsp_svn_version,omitempty"`
	ARMVersion      int    `json:"arm_version" yaml:"arm_version"`
	ARMSVNVersion   int    `json:"arm_svn_version,omitempty" yaml:"arm_svn_version,omitempty"`
}

// Inverter is one inverter of a known family. The family is fixed when the Inverter is
// created. Methods are safe for concurrent use, every call runs its own executions.
type Inverter interface {
	// Family returns the inverter family.
	Family() Family
	// Addr returns the "host:port" address of the inverter.
	Addr() string
	// Info returns the identification read by the last ReadDeviceInfo.
	Info() DeviceInfo

	// ReadDeviceInfo reads the identification and narrows the sensor and setting
	// tables to the model.
	ReadDeviceInfo(ctx context.Context) error
	// ReadRuntimeData reads every sensor. Values that could not be decoded are nil.
	ReadRuntimeData(ctx context.Context) (map[string]any, error)
	// ReadSensor reads one sensor, or a raw register named "modbus.<register>".
	ReadSensor(ctx context.Context, id string) (any, error)
	// ReadSetting reads one setting, or a raw register named "modbus.<register>".
	// Unknown settings, and settings the inverter rejected as unsupported, read as nil.
	ReadSetting(ctx context.Context, id string) (any, error)
	// WriteSetting writes one setting, or a raw register named "modbus.<register>".
	WriteSetting(ctx context.Context, id string, value any) error
	// ReadSettingsData reads every setting.
	ReadSettingsData(ctx context.Context) (map[string]any, error)

	// GridExportLimit reads the grid export limit.
	GridExportLimit(ctx context.Context) (int, error)
	// SetGridExportLimit writes the grid export limit.
	SetGridExportLimit(ctx context.Context, limit int) error
	// OperationModes lists the supported operation modes.
	OperationModes(includeEmulated bool) []OperationMode
	// OperationMode reads the operation mode.
	OperationMode(ctx context.Context) (OperationMode, error)
	// SetOperationMode switches the operation mode. ecoModePower is the battery power
	// in percent of the emulated eco charge and discharge modes, ecoModeSoC the state
	// of charge in percent eco charge stops at (100 for a full charge).
	SetOperationMode(ctx context.Context, mode OperationMode, ecoModePower, ecoModeSoC int) error
	// OngridBatteryDoD reads the on-grid battery depth of discharge in percent.
	OngridBatteryDoD(ctx context.Context) (int, error)
	// SetOngridBatteryDoD writes the on-grid battery depth of discharge in percent.
	SetOngridBatteryDoD(ctx context.Context, dod int) error

	// Sensors returns the sensor table.
	Sensors() []sensor.Descriptor
	// Settings returns the settings table.
	Settings() []sensor.Descriptor

	// SendCommand executes a low level command.
	SendCommand(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error)

	base() *session
}

// session is the state shared by all families: the endpoint, the execution settings
// and what ReadDeviceInfo learned about the device. Settings tables are copied per
// session, pruning one never affects another inverter.
type session struct {
	family   Family
	addr     string
	commAddr byte
	executor *protocol.Executor
	log      zerolog.Logger

	mu       sync.Mutex
	failures int
	info     DeviceInfo
	settings []sensor.Descriptor
}

func newSession(family Family, addr string, commAddr byte, settings []sensor.Descriptor, opts Options) *session {
	executor := protocol.NewExecutor(opts.Timeout, opts.retries())
	executor.Listener = opts.Listener
	executor.Recorder = opts.Recorder
	logger := opts.logger().With().Str("component", "inverter").Str("family", string(family)).Str("addr", addr).Logger()
	executor.Logger = &logger
	return &session{
		family:   family,
		addr:     addr,
		commAddr: commAddr,
		executor: executor,
		log:      logger,
		settings: append([]sensor.Descriptor(nil), settings...),
	}
}

func (s *session) base() *session { return s }

func (s *session) Family() Family { return s.family }

func (s *session) Addr() string { return s.addr }

func (s *session) Info() DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) setInfo(info DeviceInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

func (s *session) Settings() []sensor.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sensor.Descriptor(nil), s.settings...)
}

func (s *session) setSettings(settings []sensor.Descriptor) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *session) setting(id string) (sensor.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return find(s.settings, id)
}

// prune removes a setting the device rejected as unsupported.
func (s *session) prune(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.settings {
		if d.ID == id {
			s.settings = append(s.settings[:i:i], s.settings[i+1:]...)
			s.log.Debug().Str("setting", id).Msg("unsupported setting removed")
			return
		}
	}
}

func find(descriptors []sensor.Descriptor, id string) (sensor.Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return sensor.Descriptor{}, false
}

// SendCommand executes cmd, counting consecutive failures.
func (s *session) SendCommand(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	resp, err := s.executor.Execute(ctx, cmd, s.addr)
	return resp, s.track(err)
}

// track resets the consecutive failure counter on success, or wraps err in a
// *RequestFailedError.
func (s *session) track(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.failures = 0
		return nil
	}
	s.failures++
	return &RequestFailedError{Family: s.family, Host: s.addr, ConsecutiveFailures: s.failures, Err: err}
}

// read executes cmd and decodes descriptors from its payload.
func (s *session) read(ctx context.Context, cmd *protocol.Command, buffer func([]byte) *sensor.Buffer, descriptors []sensor.Descriptor) (map[string]any, error) {
	resp, err := s.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return s.mapResponse(buffer(resp.Payload()), descriptors), nil
}

// mapResponse decodes every descriptor. Undecodable values are logged and left nil.
func (s *session) mapResponse(b *sensor.Buffer, descriptors []sensor.Descriptor) map[string]any {
	values := make(map[string]any, len(descriptors))
	for _, d := range descriptors {
		v, err := d.Read(b)
		if err != nil {
			s.log.Warn().Err(err).Str("sensor", d.ID).Msg("failed to decode value")
		}
		values[d.ID] = v
	}
	return values
}

// rawRegister parses the register number of a "modbus.<n>" or "modbus_<n>" id.
func rawRegister(id string) (uint16, bool) {
	if len(id) < 8 || !strings.HasPrefix(id, "modbus") {
		return 0, false
	}
	if id[6] != '.' && id[6] != '_' {
		return 0, false
	}
	n, err := strconv.ParseUint(id[7:], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// registers returns a Modbus client whose requests run under ctx.
func (s *session) registers(ctx context.Context) modbus.Client {
	return protocol.NewModbusClient(ctx, s.executor, s.addr, s.commAddr)
}

// readRaw reads one register through the Modbus client, as a signed value.
func (s *session) readRaw(ctx context.Context, register uint16) (int, error) {
	data, err := s.registers(ctx).ReadHoldingRegisters(register, 1)
	if err = s.track(err); err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("register %d: short response %x", register, data)
	}
	return int(int16(binary.BigEndian.Uint16(data))), nil
}

// writeRaw writes one register through the Modbus client.
func (s *session) writeRaw(ctx context.Context, register uint16, value any) error {
	v, err := rawValue(value)
	if err != nil {
		return err
	}
	_, err = s.registers(ctx).WriteSingleRegister(register, v)
	return s.track(err)
}

func rawValue(value any) (uint16, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case uint16:
		return v, nil
	case string:
		var err error
		if n, err = strconv.ParseInt(strings.TrimSpace(v), 0, 32); err != nil {
			return 0, fmt.Errorf("%w: %q", sensor.ErrInvalidValue, v)
		}
	default:
		return 0, fmt.Errorf("%w: %T", sensor.ErrInvalidValue, value)
	}
	if n < -32768 || n > 65535 {
		return 0, &sensor.RangeError{Field: "register", Value: value}
	}
	return uint16(n), nil
}

// readModbusSetting reads the registers of one setting with a Modbus read. A setting
// rejected with ILLEGAL DATA ADDRESS is pruned and reads as nil.
func (s *session) readModbusSetting(ctx context.Context, d sensor.Descriptor) (any, error) {
	count := max(d.Registers(), 1)
	resp, err := s.SendCommand(ctx, protocol.NewModbusReadCommand(s.commAddr, uint16(d.Offset), uint16(count)))
	if err != nil {
		if protocol.IsIllegalDataAddress(err) {
			s.prune(d.ID)
			return nil, nil
		}
		return nil, err
	}
	return d.Read(sensor.NewRegisterBuffer(resp.Payload(), d.Offset))
}

// writeModbusSetting encodes value and writes it with Modbus writes. Settings narrower
// than a register are read first and written back with the other byte unchanged.
func (s *session) writeModbusSetting(ctx context.Context, d sensor.Descriptor, value any) error {
	var register []byte
	if d.NeedsRegister() {
		resp, err := s.SendCommand(ctx, protocol.NewModbusReadCommand(s.commAddr, uint16(d.Offset), 1))
		if err != nil {
			return s.pruneOnReject(d, err)
		}
		register = resp.Payload()[0:2]
	}
	raw, err := d.Encode(value, register)
	if err != nil {
		return err
	}
	var cmd *protocol.Command
	if len(raw) <= 2 {
		cmd = protocol.NewModbusWriteCommand(s.commAddr, uint16(d.Offset), binary.BigEndian.Uint16(raw))
	} else {
		cmd = protocol.NewModbusWriteMultiCommand(s.commAddr, uint16(d.Offset), raw)
	}
	_, err = s.SendCommand(ctx, cmd)
	return s.pruneOnReject(d, err)
}

func (s *session) pruneOnReject(d sensor.Descriptor, err error) error {
	if protocol.IsIllegalDataAddress(err) {
		s.prune(d.ID)
	}
	return err
}

// readSettings reads the settings one after another.
func (s *session) readSettings(ctx context.Context, inv Inverter) (map[string]any, error) {
	values := make(map[string]any)
	for _, d := range inv.Settings() {
		v, err := inv.ReadSetting(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		values[d.ID] = v
	}
	return values, nil
}

// readInt reads an integer setting.
func readInt(ctx context.Context, inv Inverter, id string) (int, error) {
	v, err := inv.ReadSetting(ctx, id)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%w: setting %s not available", ErrUnsupportedOperation, id)
	}
	return n, nil
}

// Options configures the communication with an inverter.
type Options struct {
	Port     int                     // UDP port, DefaultPort if zero.
	CommAddr byte                    // Communication address, family default if zero.
	Timeout  time.Duration           // Time to wait for each response, protocol.DefaultTimeout if zero.
	Retries  int                     // Attempts per request, protocol.DefaultRetries if zero.
	Listener protocol.PacketListener // Opens the UDP endpoints, nil for the net package.
	Recorder protocol.Recorder       // Receives every exchange, optional.
	Logger   *zerolog.Logger         // Logger, nil for the global logger.
}

func (o Options) port() int {
	if o.Port == 0 {
		return DefaultPort
	}
	return o.Port
}

func (o Options) retries() int {
	if o.Retries <= 0 {
		return protocol.DefaultRetries
	}
	return o.Retries
}

func (o Options) logger() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return &log.Logger
}

func (o Options) commAddr(family Family) byte {
	switch {
	case o.CommAddr != 0:
		return o.CommAddr
	case family == FamilyDT:
		return DefaultDTCommAddr
	default:
		return DefaultCommAddr
	}
}
