package sensor

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	ecoModeLen = 8

	// HourUnset is the hour value of a group without time window.
	HourUnset = 48

	// DaysAll is the weekday bitmask of every day of the week.
	DaysAll = 0x7F
)

var dayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// EcoModeGroup is one eco mode battery power group: a daily time window, the battery
// power in percent of nominal (negative charges, positive discharges) and the days the
// group is active on.
type EcoModeGroup struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
	Power       int
	OnOff       int // 0 off, -1 on.
	DayBits     int // Bit 0 Sunday to bit 6 Saturday, -1 every day.
}

// DecodeEcoMode decodes and validates an 8-byte eco mode group.
func DecodeEcoMode(raw []byte) (*EcoModeGroup, error) {
	if len(raw) != ecoModeLen {
		return nil, fmt.Errorf("%w: eco mode group needs %d bytes, got %d", ErrShortBuffer, ecoModeLen, len(raw))
	}
	g := &EcoModeGroup{
		StartHour:   int(int8(raw[0])),
		StartMinute: int(int8(raw[1])),
		EndHour:     int(int8(raw[2])),
		EndMinute:   int(int8(raw[3])),
		Power:       int(int16(binary.BigEndian.Uint16(raw[4:6]))),
		OnOff:       int(int8(raw[6])),
		DayBits:     int(int8(raw[7])),
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks the range of every field.
func (g *EcoModeGroup) Validate() error {
	switch {
	case !validHour(g.StartHour):
		return &RangeError{Field: "start_h", Value: g.StartHour}
	case g.StartMinute < 0 || g.StartMinute > 59:
		return &RangeError{Field: "start_m", Value: g.StartMinute}
	case !validHour(g.EndHour):
		return &RangeError{Field: "end_h", Value: g.EndHour}
	case g.EndMinute < 0 || g.EndMinute > 59:
		return &RangeError{Field: "end_m", Value: g.EndMinute}
	case g.Power < -100 || g.Power > 100:
		return &RangeError{Field: "power", Value: g.Power}
	case g.OnOff != 0 && g.OnOff != -1:
		return &RangeError{Field: "on_off", Value: g.OnOff}
	}
	return nil
}

func validHour(h int) bool {
	return (h >= 0 && h <= 23) || h == HourUnset
}

// Bytes encodes the group into its 8-byte form.
func (g *EcoModeGroup) Bytes() []byte {
	raw := []byte{byte(g.StartHour), byte(g.StartMinute), byte(g.EndHour), byte(g.EndMinute), 0, 0, byte(g.OnOff), byte(g.DayBits)}
	binary.BigEndian.PutUint16(raw[4:6], uint16(int16(g.Power)))
	return raw
}

// On reports whether the group is switched on.
func (g *EcoModeGroup) On() bool {
	return g.OnOff != 0
}

// Days returns the names of the days the group is active on.
func (g *EcoModeGroup) Days() string {
	return DecodeDays(g.DayBits)
}

func (g *EcoModeGroup) fullTime() bool {
	return g.StartHour == 0 && g.StartMinute == 0 && g.EndHour == 23 && g.EndMinute == 59 &&
		g.On() && g.DayBits == DaysAll
}

// IsEcoCharge reports whether the group is the all-day charging group of the emulated
// eco charge operation mode.
func (g *EcoModeGroup) IsEcoCharge() bool {
	return g.fullTime() && g.Power < 0
}

// IsEcoDischarge reports whether the group is the all-day discharging group of the
// emulated eco discharge operation mode.
func (g *EcoModeGroup) IsEcoDischarge() bool {
	return g.fullTime() && g.Power > 0
}

func (g *EcoModeGroup) String() string {
	state := "Off"
	if g.On() {
		state = "On"
	}
	return fmt.Sprintf("%d:%d-%d:%d %s %d%% %s", g.StartHour, g.StartMinute, g.EndHour, g.EndMinute, g.Days(), g.Power, state)
}

// EncodeEcoCharge returns the all-day, every-day group charging at power percent.
func EncodeEcoCharge(power int) []byte {
	return fullTimeGroup(-abs(power))
}

// EncodeEcoDischarge returns the all-day, every-day group discharging at power percent.
func EncodeEcoDischarge(power int) []byte {
	return fullTimeGroup(abs(power))
}

// EncodeEcoOff returns the empty and disabled group.
func EncodeEcoOff() []byte {
	g := EcoModeGroup{StartHour: HourUnset, EndHour: HourUnset, Power: 100}
	return g.Bytes()
}

func fullTimeGroup(power int) []byte {
	g := EcoModeGroup{EndHour: 23, EndMinute: 59, Power: power, OnOff: -1, DayBits: DaysAll}
	return g.Bytes()
}

func encodeEcoMode(value any) ([]byte, error) {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case *EcoModeGroup:
		raw = v.Bytes()
	case EcoModeGroup:
		raw = v.Bytes()
	default:
		return nil, fmt.Errorf("%w: %T is not an eco mode group", ErrInvalidValue, value)
	}
	if _, err := DecodeEcoMode(raw); err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

// DecodeDays returns the comma separated names of the days set in bits.
func DecodeDays(bits int) string {
	switch bits {
	case -1:
		return "Mon-Sun"
	case 0:
		return ""
	}
	var days []string
	for i, name := range dayNames {
		if bits&(1<<i) != 0 {
			days = append(days, name)
		}
	}
	return strings.Join(days, ",")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
