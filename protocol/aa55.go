package protocol

import (
	"encoding/binary"
	"fmt"
)

// aa55Header is the fixed prefix of every AA55 request.
var aa55Header = []byte{0xAA, 0x55, 0xC0, 0x7F}

const (
	// aa55HeaderLen is the length of the "aa55 src dst type len" response prefix.
	aa55HeaderLen = 7

	// aa55FrameOverhead is the number of response bytes besides the payload.
	aa55FrameOverhead = 9

	// NoResponseType disables the response type check of an AA55 command.
	NoResponseType = -1
)

// Sum16 returns the plain 16-bit sum of data.
func Sum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

// AA55Request frames payload with the AA55 header and its checksum.
func AA55Request(payload []byte) []byte {
	frame := make([]byte, 0, len(aa55Header)+len(payload)+2)
	frame = append(frame, aa55Header...)
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint16(frame, Sum16(frame))
}

// ValidateAA55Response checks that data is a complete AA55 frame and, unless
// responseType is NoResponseType, that it carries that response type.
// There is no rejection in this envelope: every mismatch is ErrInvalidResponse or
// ErrPartialResponse.
func ValidateAA55Response(data []byte, responseType int) error {
	if len(data) >= 2 && binary.BigEndian.Uint16(data) != ResponseStart {
		return fmt.Errorf("%w: invalid start marker 0x%04X", ErrInvalidResponse, binary.BigEndian.Uint16(data))
	}
	header, err := ParseAA55Header(data)
	if err != nil {
		return err
	}
	expected := int(header.Length) + aa55FrameOverhead
	if len(data) < expected {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrPartialResponse, expected, len(data))
	}
	if len(data) > expected {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidResponse, expected, len(data))
	}
	if responseType != NoResponseType {
		if int(header.Type) != responseType {
			return fmt.Errorf("%w: expected response type 0x%04X, got 0x%04X", ErrInvalidResponse, responseType, header.Type)
		}
	}
	providedChecksum := binary.BigEndian.Uint16(data[len(data)-2:])
	if calculatedChecksum := Sum16(data[:len(data)-2]); calculatedChecksum != providedChecksum {
		return fmt.Errorf("%w: checksum mismatch, calculated 0x%04X, provided 0x%04X", ErrInvalidResponse, calculatedChecksum, providedChecksum)
	}
	return nil
}

func trimAA55Response(data []byte) []byte {
	return data[aa55HeaderLen : len(data)-2]
}
