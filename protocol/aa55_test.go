package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// aa55Frame builds a response frame of responseType carrying payload.
func aa55Frame(responseType uint16, payload []byte) []byte {
	data := []byte{0xAA, 0x55, 0x7F, 0xC0}
	data = binary.BigEndian.AppendUint16(data, responseType)
	data = append(data, byte(len(payload)))
	data = append(data, payload...)
	return binary.BigEndian.AppendUint16(data, Sum16(data))
}

func TestAA55Request(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{"device info", "010200", "aa55c07f0102000241"},
		{"runtime data", "010600", "aa55c07f0106000245"},
		{"settings", "010900", "aa55c07f0109000248"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := AA55Request(mustHex(t, tt.payload))
			assert.Equal(t, tt.expected, hex.EncodeToString(request))
		})
	}
}

func TestSum16(t *testing.T) {
	assert.Equal(t, uint16(0), Sum16(nil))
	assert.Equal(t, uint16(0x01FE), Sum16([]byte{0xFF, 0xFF}))
	assert.Equal(t, uint16(0x0241), Sum16(mustHex(t, "aa55c07f010200")))
}

func TestParseAA55Header(t *testing.T) {
	header, err := ParseAA55Header(aa55Frame(0x0182, []byte{0x01, 0x02}))
	require.NoError(t, err)
	assert.Equal(t, &AA55Header{Start: ResponseStart, Source: 0x7F, Destination: 0xC0, Type: 0x0182, Length: 2}, header)

	_, err = ParseAA55Header([]byte{0xAA, 0x55, 0x7F})
	assert.ErrorIs(t, err, ErrPartialResponse)

	_, err = ParseAA55Header(mustHex(t, "55aa7fc0018202"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestValidateAA55Response(t *testing.T) {
	payload := []byte("0123456789")
	valid := aa55Frame(0x0182, payload)

	assert.NoError(t, ValidateAA55Response(valid, 0x0182))
	assert.NoError(t, ValidateAA55Response(valid, NoResponseType))
	assert.ErrorIs(t, ValidateAA55Response(valid, 0x0186), ErrInvalidResponse)

	assert.ErrorIs(t, ValidateAA55Response(valid[:10], 0x0182), ErrPartialResponse)
	assert.ErrorIs(t, ValidateAA55Response(valid[:4], 0x0182), ErrPartialResponse)
	assert.ErrorIs(t, ValidateAA55Response(append(valid, 0x00), 0x0182), ErrInvalidResponse)

	corrupted := append([]byte(nil), valid...)
	corrupted[8] ^= 0x01
	assert.ErrorIs(t, ValidateAA55Response(corrupted, 0x0182), ErrInvalidResponse)

	modbusFrame := ModbusRequest(0xF7, FuncRead, 0x88B8, 0x21)
	assert.ErrorIs(t, ValidateAA55Response(modbusFrame, 0x0182), ErrInvalidResponse)
}

func TestAA55Commands(t *testing.T) {
	read := NewAA55ReadCommand(0x0560, 1)
	assert.Equal(t, "aa55c07f011a03056001", hex.EncodeToString(read.Request())[:20])
	require.NoError(t, read.Validate(aa55Frame(0x019A, []byte{0x00, 0x50})))
	assert.Equal(t, []byte{0x00, 0x50}, (&Response{Raw: aa55Frame(0x019A, []byte{0x00, 0x50}), command: read}).Payload())

	write := NewAA55WriteCommand(0x0560, 80)
	assert.Equal(t, "aa55c07f0239050560010050", hex.EncodeToString(write.Request())[:24])
	assert.NoError(t, write.Validate(aa55Frame(0x02B9, []byte{0x06})))
	assert.ErrorIs(t, write.Validate(aa55Frame(0x019A, []byte{0x06})), ErrInvalidResponse)

	multi := NewAA55WriteMultiCommand(0x0700, []byte{0x00, 0x01, 0x00, 0x02})
	assert.Equal(t, "aa55c07f02390b07000400010002", hex.EncodeToString(multi.Request())[:28])
}
