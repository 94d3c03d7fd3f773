package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ResponseStart is the start marker of every inverter response, in both envelopes.
const ResponseStart = 0xAA55

// AA55Header represents the header of an AA55 response frame.
type AA55Header struct {
	Start       uint16 // Start marker, always 0xAA55.
	Source      byte   // Address of the sender (0x7F for the inverter).
	Destination byte   // Address of the receiver (0xC0 for the client).
	Type        uint16 // Response type (control code and function code).
	Length      byte   // Length of the payload in bytes.
}

// Response is the validated raw answer to a Command.
type Response struct {
	Raw     []byte   // Complete response frame, possibly assembled from several datagrams.
	command *Command // Command the response answers.
}

// Command returns the command the response answers.
func (r *Response) Command() *Command {
	return r.command
}

// Payload returns the response data without envelope header and checksum.
func (r *Response) Payload() []byte {
	return r.command.Trim(r.Raw)
}

// ParseAA55Header parses the header of an AA55 response frame.
//
// Parameters:
//   - data: The byte array representing the response (at least 7 bytes).
//
// Returns:
//   - A pointer to the parsed AA55Header structure.
//   - An error if the parsing fails (e.g., invalid start marker, insufficient length).
func ParseAA55Header(data []byte) (*AA55Header, error) {
	if len(data) < aa55HeaderLen {
		return nil, fmt.Errorf("%w: header too short, expected %d bytes, got %d", ErrPartialResponse, aa55HeaderLen, len(data))
	}

	reader := bytes.NewReader(data[:aa55HeaderLen])
	header := &AA55Header{}
	if err := binary.Read(reader, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrInvalidResponse, err)
	}
	if header.Start != ResponseStart {
		return nil, fmt.Errorf("%w: invalid start marker, expected 0x%04X, got 0x%04X", ErrInvalidResponse, ResponseStart, header.Start)
	}
	return header, nil
}
