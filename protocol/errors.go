package protocol

import (
	"errors"
	"fmt"

	"github.com/grid-x/modbus"
)

var (
	// ErrMaxRetries is returned (wrapped in *MaxRetriesError) when every attempt of an
	// execution ended without a valid response.
	ErrMaxRetries = errors.New("maximum number of retries exceeded")

	// ErrCancelled is returned when the execution context ends or its endpoint is closed
	// before a terminal outcome was reached.
	ErrCancelled = errors.New("execution cancelled")

	// ErrPartialResponse reports a response that is valid so far but shorter than announced.
	// The executor keeps it and appends the next datagram.
	ErrPartialResponse = errors.New("partial response")

	// ErrInvalidResponse reports a datagram that is not a valid response to the command.
	ErrInvalidResponse = errors.New("invalid response")
)

// exceptionReasons maps Modbus exception codes to their textual reason.
var exceptionReasons = map[byte]string{
	modbus.ExceptionCodeIllegalFunction:                    "ILLEGAL FUNCTION",
	modbus.ExceptionCodeIllegalDataAddress:                 "ILLEGAL DATA ADDRESS",
	modbus.ExceptionCodeIllegalDataValue:                   "ILLEGAL DATA VALUE",
	modbus.ExceptionCodeServerDeviceFailure:                "SLAVE DEVICE FAILURE",
	modbus.ExceptionCodeAcknowledge:                        "ACKNOWLEDGE",
	modbus.ExceptionCodeServerDeviceBusy:                   "SLAVE DEVICE BUSY",
	7:                                                      "NEGATIVE ACKNOWLEDGEMENT",
	modbus.ExceptionCodeMemoryParityError:                  "MEMORY PARITY ERROR",
	modbus.ExceptionCodeGatewayPathUnavailable:             "GATEWAY PATH UNAVAILABLE",
	modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond: "GATEWAY TARGET DEVICE FAILED TO RESPOND",
}

// FailureReason returns the textual reason of a Modbus exception code, or "UNKNOWN".
func FailureReason(code byte) string {
	if reason, ok := exceptionReasons[code]; ok {
		return reason
	}
	return "UNKNOWN"
}

// RejectedError is an explicit negative acknowledgement of the device. It is final,
// the command is never retried after it.
type RejectedError struct {
	FunctionCode byte   // Function code echoed by the device (exception bit set).
	Code         byte   // Exception code.
	Reason       string // Textual reason of Code.
	Command      string // Description of the rejected command.
}

func newRejectedError(functionCode, code byte) *RejectedError {
	return &RejectedError{FunctionCode: functionCode, Code: code, Reason: FailureReason(code)}
}

func (e *RejectedError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("request rejected: %s", e.Reason)
	}
	return fmt.Sprintf("request %s rejected: %s", e.Command, e.Reason)
}

// Unwrap exposes the rejection as a grid-x modbus exception.
func (e *RejectedError) Unwrap() error {
	return &modbus.Error{FunctionCode: e.FunctionCode, ExceptionCode: e.Code}
}

// IsIllegalDataAddress reports whether err is a rejection of an unsupported register.
func IsIllegalDataAddress(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Code == modbus.ExceptionCodeIllegalDataAddress
}

// MaxRetriesError is returned when no attempt of an execution received a valid response.
type MaxRetriesError struct {
	Addr      string // Target address.
	Attempts  int    // Number of datagrams sent.
	Command   string // Description of the command.
	Malformed int    // Number of datagrams ignored as invalid.
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("no valid response to %s from %s after %d attempts (%d invalid datagrams): %v",
		e.Command, e.Addr, e.Attempts, e.Malformed, ErrMaxRetries)
}

func (e *MaxRetriesError) Unwrap() error {
	return ErrMaxRetries
}
