package sensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// PowerS is a signed 2-byte value in W.
func PowerS(id string, offset int, name string, kind Kind) Descriptor {
	return Power(id, offset, name, kind)
}

func scaledEncoder(scale float64) func(any, []byte) ([]byte, error) {
	return func(value any, _ []byte) ([]byte, error) {
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		raw := math.Round(f * scale)
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, &RangeError{Field: "value", Value: value}
		}
		return binary.BigEndian.AppendUint16(nil, uint16(int16(raw))), nil
	}
}

func intEncoder(width int, lo, hi int64) func(any, []byte) ([]byte, error) {
	return func(value any, _ []byte) ([]byte, error) {
		v, err := toInt(value)
		if err != nil {
			return nil, err
		}
		if v < lo || v > hi {
			return nil, &RangeError{Field: "value", Value: value}
		}
		if width == 4 {
			return binary.BigEndian.AppendUint32(nil, uint32(v)), nil
		}
		return binary.BigEndian.AppendUint16(nil, uint16(v)), nil
	}
}

// byteInRegisterEncoder replaces byte index of the current register value.
func byteInRegisterEncoder(index int) func(any, []byte) ([]byte, error) {
	return func(value any, register []byte) ([]byte, error) {
		v, err := toInt(value)
		if err != nil {
			return nil, err
		}
		if v < math.MinInt8 || v > math.MaxInt8 {
			return nil, &RangeError{Field: "value", Value: value}
		}
		word := append([]byte(nil), register...)
		word[index] = byte(int8(v))
		return word, nil
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidValue, value)
	}
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case UnknownCode:
		return int64(v), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, v)
		}
		return i, nil
	}
	f, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, value)
	}
	return int64(f), nil
}

// DecodeString decodes an identification string. Values are plain ASCII padded with
// spaces or NUL bytes, except on some firmwares which send UTF-16BE.
func DecodeString(raw []byte) string {
	trimmed := bytes.TrimRight(raw, "\x00 ")
	if bytes.IndexFunc(trimmed, func(r rune) bool { return r < 0x20 }) < 0 {
		return string(trimmed)
	}
	decoded, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return string(trimmed)
	}
	return strings.TrimRight(string(decoded), "\x00 ")
}
