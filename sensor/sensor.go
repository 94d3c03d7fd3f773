// Package sensor decodes and encodes the typed values held in inverter registers.
//
// A Descriptor names one value, its position in a response payload and the rule
// turning its raw bytes into an engineering value. Descriptors are immutable and are
// shared by every inverter of a family.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrNotWritable is returned when encoding a value of a read-only descriptor.
	ErrNotWritable = errors.New("sensor is not writable")

	// ErrInvalidValue is returned when a value cannot be converted for encoding.
	ErrInvalidValue = errors.New("invalid value")
)

// RangeError reports a decoded or encoded field outside of its valid range.
type RangeError struct {
	Field string
	Value any
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s value %v out of range", e.Field, e.Value)
}

// Kind is the category of a sensor.
type Kind int

const (
	KindNone Kind = iota
	KindPV
	KindAC
	KindUPS
	KindBAT
	KindGRID
)

func (k Kind) String() string {
	switch k {
	case KindPV:
		return "PV"
	case KindAC:
		return "AC"
	case KindUPS:
		return "UPS"
	case KindBAT:
		return "BAT"
	case KindGRID:
		return "GRID"
	default:
		return ""
	}
}

// Derived is the offset of descriptors computed from other values of the payload.
const Derived = -1

// Descriptor describes one named value of a response payload.
type Descriptor struct {
	ID     string // Unique key.
	Offset int    // Address in the payload, or Derived.
	Name   string // Human readable name.
	Width  int    // Size in bytes, 0 for derived values.
	Unit   string // Unit of the value, may be empty.
	Kind   Kind   // Category.

	read   func(b *Buffer) (any, error)
	encode func(value any, register []byte) ([]byte, error)
}

// Read decodes the value at the descriptor's offset. A nil value without error means
// the device reported the value as unavailable.
func (d Descriptor) Read(b *Buffer) (any, error) {
	b.Reset()
	if d.Offset != Derived {
		b.Seek(d.Offset)
	}
	v, err := d.read(b)
	if err == nil {
		err = b.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.ID, err)
	}
	return v, nil
}

// Encode returns the raw bytes of value. Descriptors narrower than a register need the
// current two bytes of the register, see NeedsRegister.
func (d Descriptor) Encode(value any, register []byte) ([]byte, error) {
	if d.encode == nil {
		return nil, fmt.Errorf("%s: %w", d.ID, ErrNotWritable)
	}
	if d.NeedsRegister() && len(register) != 2 {
		return nil, fmt.Errorf("%s: expected 2 register bytes, got %d", d.ID, len(register))
	}
	raw, err := d.encode(value, register)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.ID, err)
	}
	return raw, nil
}

// Writable reports whether the descriptor can encode values.
func (d Descriptor) Writable() bool {
	return d.encode != nil
}

// NeedsRegister reports whether writes are a read-modify-write of a 16-bit register.
func (d Descriptor) NeedsRegister() bool {
	return d.Width == 1
}

// Registers returns the number of 16-bit registers the value occupies.
func (d Descriptor) Registers() int {
	return (d.Width + d.Width%2) / 2
}

func (d Descriptor) String() string {
	return d.ID
}

func newDescriptor(id string, offset int, name string, width int, unit string, kind Kind) Descriptor {
	return Descriptor{ID: id, Offset: offset, Name: name, Width: width, Unit: unit, Kind: kind}
}

// Voltage is a signed 2-byte value in 0.1 V.
func Voltage(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "V", kind)
	d.read = func(b *Buffer) (any, error) { return float64(b.Int16()) / 10, nil }
	d.encode = scaledEncoder(10)
	return d
}

// Current is a signed 2-byte value in 0.1 A.
func Current(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "A", kind)
	d.read = func(b *Buffer) (any, error) { return float64(b.Int16()) / 10, nil }
	d.encode = scaledEncoder(10)
	return d
}

// Frequency is a signed 2-byte value in 0.01 Hz.
func Frequency(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "Hz", kind)
	d.read = func(b *Buffer) (any, error) { return float64(b.Int16()) / 100, nil }
	return d
}

// Power is a signed 2-byte value in W.
func Power(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "W", kind)
	d.read = func(b *Buffer) (any, error) { return b.Int16(), nil }
	return d
}

// Power4 is a 4-byte value in W. Some firmwares fill only the low 16 bits with an
// old sign convention, values above 32768 are corrected by subtracting 65535.
func Power4(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, "W", kind)
	d.read = func(b *Buffer) (any, error) { return Power4At(b, Derived), nil }
	return d
}

// Power4S is a plain signed 4-byte value in W.
func Power4S(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, "W", kind)
	d.read = func(b *Buffer) (any, error) { return b.Int32(), nil }
	return d
}

// Apparent is a signed 2-byte apparent power in VA.
func Apparent(id string, offset int, name string, kind Kind) Descriptor {
	d := Power(id, offset, name, kind)
	d.Unit = "VA"
	return d
}

// Apparent4 is a signed 4-byte apparent power in VA.
func Apparent4(id string, offset int, name string, kind Kind) Descriptor {
	d := Power4S(id, offset, name, kind)
	d.Unit = "VA"
	return d
}

// Reactive is a signed 2-byte reactive power in var.
func Reactive(id string, offset int, name string, kind Kind) Descriptor {
	d := Power(id, offset, name, kind)
	d.Unit = "var"
	return d
}

// Reactive4 is a signed 4-byte reactive power in var.
func Reactive4(id string, offset int, name string, kind Kind) Descriptor {
	d := Power4S(id, offset, name, kind)
	d.Unit = "var"
	return d
}

// Energy is a signed 2-byte value in 0.1 kWh, -1 meaning unavailable.
func Energy(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "kWh", kind)
	d.read = func(b *Buffer) (any, error) { return energy(b.Int16()), nil }
	return d
}

// Energy4 is a signed 4-byte value in 0.1 kWh, -1 meaning unavailable.
func Energy4(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, "kWh", kind)
	d.read = func(b *Buffer) (any, error) { return energy(b.Int32()), nil }
	return d
}

// Energy4W is a signed 4-byte value in Wh reported in kWh, -1 meaning unavailable.
func Energy4W(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, "kWh", kind)
	d.read = func(b *Buffer) (any, error) {
		raw := b.Int32()
		if raw == -1 {
			return nil, nil
		}
		return float64(raw) / 1000, nil
	}
	return d
}

func energy(raw int) any {
	if raw == -1 {
		return nil
	}
	return float64(raw) / 10
}

// CellVoltage is an unsigned 2-byte battery cell voltage in mV, 0xffff reading as 0.
func CellVoltage(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "V", kind)
	d.read = func(b *Buffer) (any, error) {
		raw := b.Uint16()
		if raw == math.MaxUint16 {
			return 0.0, nil
		}
		return float64(raw) / 1000, nil
	}
	return d
}

// Temp is a signed 2-byte value in 0.1 °C, -1 and 32767 meaning unavailable.
func Temp(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "C", kind)
	d.read = func(b *Buffer) (any, error) {
		raw := b.Int16()
		if raw == -1 || raw == math.MaxInt16 {
			return nil, nil
		}
		return float64(raw) / 10, nil
	}
	return d
}

// Integer is an unsigned 2-byte integer.
func Integer(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, unit, kind)
	d.read = func(b *Buffer) (any, error) { return b.Uint16(), nil }
	d.encode = intEncoder(2, 0, math.MaxUint16)
	return d
}

// IntegerS is a signed 2-byte integer.
func IntegerS(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, unit, kind)
	d.read = func(b *Buffer) (any, error) { return b.Int16(), nil }
	d.encode = intEncoder(2, math.MinInt16, math.MaxInt16)
	return d
}

// Long is an unsigned 4-byte integer.
func Long(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, unit, kind)
	d.read = func(b *Buffer) (any, error) { return b.Uint32(), nil }
	d.encode = intEncoder(4, 0, math.MaxUint32)
	return d
}

// LongS is a signed 4-byte integer.
func LongS(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, unit, kind)
	d.read = func(b *Buffer) (any, error) { return b.Int32(), nil }
	d.encode = intEncoder(4, math.MinInt32, math.MaxInt32)
	return d
}

// Decimal is a signed 2-byte integer divided by scale.
func Decimal(id string, offset int, scale int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, unit, kind)
	d.read = func(b *Buffer) (any, error) { return float64(b.Int16()) / float64(scale), nil }
	d.encode = scaledEncoder(float64(scale))
	return d
}

// Float is a 4-byte IEEE-754 value divided by scale, rounded to 3 decimals.
func Float(id string, offset int, scale int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, unit, kind)
	d.read = func(b *Buffer) (any, error) {
		v := float64(math.Float32frombits(uint32(b.Uint32()))) / float64(scale)
		return math.Round(v*1000) / 1000, nil
	}
	return d
}

// Byte is a signed 1-byte integer.
func Byte(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 1, unit, kind)
	d.read = func(b *Buffer) (any, error) { return b.Int8(), nil }
	return d
}

// ByteH is a signed 1-byte integer held in the high byte of a 16-bit register.
func ByteH(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := Byte(id, offset, name, unit, kind)
	d.encode = byteInRegisterEncoder(0)
	return d
}

// ByteL is a signed 1-byte integer held in the low byte of a 16-bit register.
func ByteL(id string, offset int, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 1, unit, kind)
	d.read = func(b *Buffer) (any, error) { return int(int8(b.Read(2)[1])), nil }
	d.encode = byteInRegisterEncoder(1)
	return d
}

// Timestamp is a 6-byte date and time: year since 2000, month, day, hour, minute, second.
func Timestamp(id string, offset int, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 6, "", kind)
	d.read = func(b *Buffer) (any, error) { return decodeTimestamp(b.Read(6)) }
	d.encode = func(value any, _ []byte) ([]byte, error) { return EncodeTimestamp(value) }
	return d
}

// Enum is a label of a 1-byte code.
func Enum(id string, offset int, labels Labels, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 1, "", kind)
	d.read = func(b *Buffer) (any, error) { return labels.Lookup(b.Uint8()), nil }
	return d
}

// EnumH is a label of the code held in the high byte of a 16-bit register.
func EnumH(id string, offset int, labels Labels, name string, kind Kind) Descriptor {
	return Enum(id, offset, labels, name, kind)
}

// EnumL is a label of the code held in the low byte of a 16-bit register.
func EnumL(id string, offset int, labels Labels, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 1, "", kind)
	d.read = func(b *Buffer) (any, error) { return labels.Lookup(int(b.Read(2)[1])), nil }
	return d
}

// Enum2 is a label of a 2-byte code.
func Enum2(id string, offset int, labels Labels, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 2, "", kind)
	d.read = func(b *Buffer) (any, error) { return labels.Lookup(b.Uint16()), nil }
	return d
}

// EnumBitmap4 is the list of labels of the bits set in a 4-byte field.
func EnumBitmap4(id string, offset int, labels Labels, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offset, name, 4, "", kind)
	d.read = func(b *Buffer) (any, error) {
		bits := b.Int32()
		if bits == -1 {
			bits = 0
		}
		return DecodeBitmap(uint32(bits), labels), nil
	}
	return d
}

// EnumBitmap22 is the list of labels of the bits set in a 32-bit field split into a high
// and a low 16-bit register at different addresses.
func EnumBitmap22(id string, offsetH, offsetL int, labels Labels, name string, kind Kind) Descriptor {
	d := newDescriptor(id, offsetH, name, 2, "", kind)
	d.read = func(b *Buffer) (any, error) {
		bits := uint32(b.Uint16At(offsetH))<<16 | uint32(b.Uint16At(offsetL))
		return DecodeBitmap(bits, labels), nil
	}
	return d
}

// Calculated is a value computed from other values of the payload.
func Calculated(id string, fn func(b *Buffer) any, name, unit string, kind Kind) Descriptor {
	d := newDescriptor(id, Derived, name, 0, unit, kind)
	d.read = func(b *Buffer) (any, error) { return fn(b), nil }
	return d
}

// EnumCalculated is a label of a code computed from other values of the payload.
func EnumCalculated(id string, fn func(b *Buffer) int, labels Labels, name string, kind Kind) Descriptor {
	d := newDescriptor(id, Derived, name, 0, "", kind)
	d.read = func(b *Buffer) (any, error) { return labels.Lookup(fn(b)), nil }
	return d
}

// EcoMode is an 8-byte eco mode power group.
func EcoMode(id string, offset int, name string) Descriptor {
	d := newDescriptor(id, offset, name, ecoModeLen, "", KindBAT)
	d.read = func(b *Buffer) (any, error) { return DecodeEcoMode(b.Read(ecoModeLen)) }
	d.encode = func(value any, _ []byte) ([]byte, error) { return encodeEcoMode(value) }
	return d
}

// VoltageAt reads a voltage at addr.
func VoltageAt(b *Buffer, addr int) float64 {
	return float64(b.Int16At(addr)) / 10
}

// CurrentAt reads a current at addr.
func CurrentAt(b *Buffer, addr int) float64 {
	return float64(b.Int16At(addr)) / 10
}

// PowerAt returns the rounded product of the voltage at vAddr and the current at iAddr.
func PowerAt(b *Buffer, vAddr, iAddr int) int {
	return int(math.Round(VoltageAt(b, vAddr) * CurrentAt(b, iAddr)))
}

// Power4At reads a wide power at addr, or at the cursor when addr is Derived.
func Power4At(b *Buffer, addr int) int {
	if addr != Derived {
		b.Seek(addr)
	}
	v := b.Int32()
	if v > 32768 {
		v -= 65535
	}
	return v
}

// GridMode classifies the power at addr: 1 exporting, 2 importing, 0 idle.
func GridMode(b *Buffer, addr int) int {
	v := b.Int16At(addr)
	switch {
	case v < -90:
		return 2
	case v >= 90:
		return 1
	default:
		return 0
	}
}

func decodeTimestamp(raw []byte) (any, error) {
	year, month, day := 2000+int(raw[0]), int(raw[1]), int(raw[2])
	hour, minute, second := int(raw[3]), int(raw[4]), int(raw[5])
	switch {
	case month < 1 || month > 12:
		return nil, &RangeError{Field: "month", Value: month}
	case day < 1 || day > 31:
		return nil, &RangeError{Field: "day", Value: day}
	case hour > 23:
		return nil, &RangeError{Field: "hour", Value: hour}
	case minute > 59:
		return nil, &RangeError{Field: "minute", Value: minute}
	case second > 59:
		return nil, &RangeError{Field: "second", Value: second}
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.Local), nil
}

// timestampLayouts are the accepted string forms of timestamps.
var timestampLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", time.RFC3339}

// EncodeTimestamp encodes a time.Time, or its string form, into 6 bytes. The fields
// are taken as they are, without time zone conversion.
func EncodeTimestamp(value any) ([]byte, error) {
	var t time.Time
	switch v := value.(type) {
	case time.Time:
		t = v
	case string:
		var err error
		for _, layout := range timestampLayouts {
			if t, err = time.ParseInLocation(layout, strings.TrimSpace(v), time.Local); err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a timestamp", ErrInvalidValue, v)
		}
	default:
		return nil, fmt.Errorf("%w: %T is not a timestamp", ErrInvalidValue, value)
	}
	if t.Year() < 2000 || t.Year() > 2255 {
		return nil, &RangeError{Field: "year", Value: t.Year()}
	}
	return []byte{
		byte(t.Year() - 2000),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}, nil
}
