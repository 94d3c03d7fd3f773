package sensor

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	data, err := hex.DecodeString(s)
	require.NoError(t, err)
	return data
}

func readHex(t *testing.T, d Descriptor, s string) any {
	t.Helper()
	v, err := d.Read(NewBuffer(mustHex(t, s)))
	require.NoError(t, err)
	return v
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		raw  string
		want any
	}{
		{"voltage", Voltage("v", 0, "", KindPV), "0cfe", 332.6},
		{"voltage high", Voltage("v", 0, "", KindPV), "1f64", 803.6},
		{"current", Current("i", 0, "", KindPV), "0031", 4.9},
		{"current negative", Current("i", 0, "", KindPV), "ff9e", -9.8},
		{"frequency", Frequency("f", 0, "", KindAC), "1388", 50.0},
		{"power", Power("p", 0, "", KindAC), "0203", 515},
		{"power negative", PowerS("p", 0, "", KindAC), "ff9e", -98},
		{"power4", Power4("p", 0, "", KindPV), "0000069f", 1695},
		{"power4 negative", Power4("p", 0, "", KindPV), "fffffffd", -3},
		{"power4 low word sign", Power4("p", 0, "", KindPV), "0000fffe", 65534 - 65535},
		{"power4s", Power4S("p", 0, "", KindPV), "ffffff9c", -100},
		{"energy", Energy("e", 0, "", KindAC), "0972", 241.8},
		{"energy unavailable", Energy("e", 0, "", KindAC), "ffff", nil},
		{"energy4", Energy4("e", 0, "", KindAC), "00020972", 13349.0},
		{"energy4 unavailable", Energy4("e", 0, "", KindAC), "ffffffff", nil},
		{"temperature", Temp("t", 0, "", KindAC), "0172", 37.0},
		{"temperature negative", Temp("t", 0, "", KindAC), "ffb0", -8.0},
		{"temperature unavailable", Temp("t", 0, "", KindAC), "7fff", nil},
		{"cell voltage", CellVoltage("c", 0, "", KindBAT), "0cfe", 3.326},
		{"cell voltage unavailable", CellVoltage("c", 0, "", KindBAT), "ffff", 0.0},
		{"integer", Integer("i", 0, "", "", KindNone), "ffff", 65535},
		{"integer signed", IntegerS("i", 0, "", "", KindNone), "ffff", -1},
		{"long", Long("l", 0, "", "", KindNone), "00010001", 65537},
		{"long unsigned", Long("l", 0, "", "", KindNone), "fffffffe", 4294967294},
		{"long signed", LongS("l", 0, "", "", KindNone), "fffffffe", -2},
		{"decimal", Decimal("d", 0, 100, "", "", KindNone), "0064", 1.0},
		{"float", Float("f", 0, 1, "", "", KindNone), "3fc00000", 1.5},
		{"byte", Byte("b", 0, "", "", KindNone), "ff", -1},
		{"byte high", ByteH("b", 0, "", "", KindNone), "2010", 32},
		{"byte low", ByteL("b", 0, "", "", KindNone), "2010", 16},
		{"enum", Enum("e", 0, GridModes, "", KindNone), "01", "Connected to grid"},
		{"enum unknown", Enum("e", 0, GridModes, "", KindNone), "ff", UnknownCode(255)},
		{"enum low", EnumL("e", 0, PVModes, "", KindNone), "0102", "PV panels connected, producing power"},
		{"enum2", Enum2("e", 0, WorkModesET, "", KindNone), "0001", "Normal (On-Grid)"},
		{"bitmap", EnumBitmap4("e", 0, ErrorCodes, "", KindNone), "00020200", "Utility Loss, Vac Failure"},
		{"bitmap unset", EnumBitmap4("e", 0, ErrorCodes, "", KindNone), "ffffffff", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, readHex(t, tt.d, tt.raw))
		})
	}
}

func TestDecodeAtOffset(t *testing.T) {
	data := mustHex(t, "00000cfe0031")
	v, err := Voltage("v", 2, "", KindPV).Read(NewBuffer(data))
	require.NoError(t, err)
	assert.Equal(t, 332.6, v)

	regs := NewRegisterBuffer(data, 30100)
	v, err = Current("i", 30102, "", KindPV).Read(regs)
	require.NoError(t, err)
	assert.Equal(t, 4.9, v)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Power4("p", 0, "ppv", KindPV).Read(NewBuffer([]byte{0, 1}))
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = Voltage("v", 10, "", KindPV).Read(NewBuffer([]byte{0, 1}))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestBitmap(t *testing.T) {
	assert.Equal(t, "", DecodeBitmap(0, ErrorCodes))
	assert.Equal(t, "Utility Loss", DecodeBitmap(512, ErrorCodes))
	assert.Equal(t, "Utility Loss", DecodeBitmap(516, ErrorCodes))
	assert.Equal(t, "Utility Loss, Vac Failure", DecodeBitmap(131584, ErrorCodes))
	assert.Equal(t, "err1, err3", DecodeBitmap(10, Labels{}))
}

func TestTimestamp(t *testing.T) {
	d := Timestamp("time", 0, "", KindNone)
	assert.Equal(t, time.Date(2021, 3, 9, 19, 11, 44, 0, time.Local), readHex(t, d, "150309130b2c"))

	_, err := d.Read(NewBuffer(mustHex(t, "150d09130b2c")))
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, "month", rangeErr.Field)

	raw, err := d.Encode("2022-10-05T08:30:00", nil)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "160a05081e00"), raw)

	raw, err = d.Encode(time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "170102030405"), raw)

	_, err = d.Encode("yesterday", nil)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		d     Descriptor
		value any
		want  string
	}{
		{"voltage", Voltage("v", 0, "", KindAC), 332.6, "0cfe"},
		{"current negative", Current("i", 0, "", KindAC), -9.8, "ff9e"},
		{"integer", Integer("i", 0, "", "", KindNone), 80, "0050"},
		{"integer high", Integer("i", 0, "", "", KindNone), 65534, "fffe"},
		{"integer signed negative", IntegerS("i", 0, "", "", KindNone), -2, "fffe"},
		{"integer string", Integer("i", 0, "", "", KindNone), "100", "0064"},
		{"long", Long("l", 0, "", "", KindNone), 10000, "00002710"},
		{"long signed negative", LongS("l", 0, "", "", KindNone), -1, "ffffffff"},
		{"decimal", Decimal("d", 0, 100, "", "", KindNone), 0.95, "005f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.d.Encode(tt.value, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(raw))
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	_, err := Power("p", 0, "", KindAC).Encode(1, nil)
	assert.ErrorIs(t, err, ErrNotWritable)

	var rangeErr *RangeError
	_, err = IntegerS("i", 0, "", "", KindNone).Encode(40000, nil)
	assert.ErrorAs(t, err, &rangeErr)

	_, err = Integer("i", 0, "", "", KindNone).Encode(-1, nil)
	assert.ErrorAs(t, err, &rangeErr)

	_, err = Long("l", 0, "", "", KindNone).Encode(-1, nil)
	assert.ErrorAs(t, err, &rangeErr)

	_, err = Integer("i", 0, "", "", KindNone).Encode(1.5, nil)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = Integer("i", 0, "", "", KindNone).Encode("abc", nil)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ByteH("b", 0, "", "", KindNone).Encode(1, []byte{0})
	assert.Error(t, err)
}

func TestEncodeByteInRegister(t *testing.T) {
	register := mustHex(t, "1020")

	raw, err := ByteH("b", 0, "", "", KindNone).Encode(-1, register)
	require.NoError(t, err)
	assert.Equal(t, "ff20", hex.EncodeToString(raw))

	raw, err = ByteL("b", 0, "", "", KindNone).Encode(5, register)
	require.NoError(t, err)
	assert.Equal(t, "1005", hex.EncodeToString(raw))
	assert.Equal(t, "1020", hex.EncodeToString(register))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		d      Descriptor
		values []any
	}{
		{Voltage("v", 0, "", KindAC), []any{0.0, 230.1, -12.5, 3276.7}},
		{Current("i", 0, "", KindAC), []any{0.1, -0.1, 25.0}},
		{Integer("i", 0, "", "", KindNone), []any{0, 1, 65535}},
		{IntegerS("is", 0, "", "", KindNone), []any{0, 1, -1, 32767, -32768}},
		{Long("l", 0, "", "", KindNone), []any{0, 100000, 4294967295}},
		{LongS("ls", 0, "", "", KindNone), []any{-100000, 100000}},
		{Decimal("d", 0, 100, "", "", KindNone), []any{0.5, -0.99, 1.0}},
		{Timestamp("t", 0, "", KindNone), []any{time.Date(2024, 2, 29, 23, 59, 59, 0, time.Local)}},
	}
	for _, tt := range tests {
		t.Run(tt.d.ID, func(t *testing.T) {
			for _, v := range tt.values {
				raw, err := tt.d.Encode(v, nil)
				require.NoError(t, err)
				got, err := tt.d.Read(NewBuffer(raw))
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		})
	}
}

func TestCalculated(t *testing.T) {
	data := mustHex(t, "0cfe0031")
	ppv := Calculated("ppv", func(b *Buffer) any { return PowerAt(b, 0, 2) }, "PV Power", "W", KindPV)
	assert.Equal(t, 0, ppv.Width)
	assert.Equal(t, Derived, ppv.Offset)

	v, err := ppv.Read(NewBuffer(data))
	require.NoError(t, err)
	assert.Equal(t, 1630, v)

	mode := EnumCalculated("mode", func(b *Buffer) int { return GridMode(b, 0) }, GridInOutModes, "", KindGRID)
	v, err = mode.Read(NewBuffer(mustHex(t, "ff00")))
	require.NoError(t, err)
	assert.Equal(t, "Importing", v)

	v, err = mode.Read(NewBuffer(mustHex(t, "0059")))
	require.NoError(t, err)
	assert.Equal(t, "Idle", v)
}

func TestRegisters(t *testing.T) {
	assert.Equal(t, 1, ByteH("b", 0, "", "", KindNone).Registers())
	assert.Equal(t, 1, Integer("i", 0, "", "", KindNone).Registers())
	assert.Equal(t, 2, Long("l", 0, "", "", KindNone).Registers())
	assert.Equal(t, 3, Timestamp("t", 0, "", KindNone).Registers())
	assert.Equal(t, 4, EcoMode("e", 0, "").Registers())
	assert.True(t, ByteL("b", 0, "", "", KindNone).NeedsRegister())
	assert.False(t, Integer("i", 0, "", "", KindNone).NeedsRegister())
}

func TestDecodeString(t *testing.T) {
	assert.Equal(t, "GW10K-ET", DecodeString([]byte("GW10K-ET  ")))
	assert.Equal(t, "GW5048-EM", DecodeString([]byte("GW5048-EM\x00\x00")))
	assert.Equal(t, "ET", DecodeString([]byte{0x00, 'E', 0x00, 'T', 0x00, 0x00}))
}
