package gogoodwe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedOperation is returned by operations the inverter family does not offer.
	ErrUnsupportedOperation = errors.New("operation not supported")

	// ErrUnknownSetting is returned when writing a setting missing from the settings table.
	ErrUnknownSetting = errors.New("unknown setting")

	// ErrUnknownSensor is returned when reading a sensor missing from the sensor table.
	ErrUnknownSensor = errors.New("unknown sensor")

	// ErrUnknownFamily is returned by Connect for family names it does not know.
	ErrUnknownFamily = errors.New("unknown inverter family")

	// ErrNoResponse is returned by Search when no inverter answered the broadcast.
	ErrNoResponse = errors.New("no response received to broadcast request")
)

// RequestFailedError wraps an execution failure with the inverter it was sent to.
type RequestFailedError struct {
	Family              Family // Family of the inverter.
	Host                string // Address of the inverter.
	ConsecutiveFailures int    // Failed requests in a row, this one included.
	Err                 error  // Execution error.
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("%s inverter at %s: request failed (%d in a row): %v", e.Family, e.Host, e.ConsecutiveFailures, e.Err)
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}

// FamilyFailure is the failure of one family during discovery.
type FamilyFailure struct {
	Family Family
	Err    error
}

// DiscoveryError is returned by Discover when no family recognised the inverter. It
// carries the failure of the AA55 identification, if any, and of every family tried.
type DiscoveryError struct {
	Host           string
	Identification error
	Failures       []FamilyFailure
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unable to recognise the inverter at %s", e.Host)
	if e.Identification != nil {
		fmt.Fprintf(&b, "; identification: %v", e.Identification)
	}
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s: %v", f.Family, f.Err)
	}
	return b.String()
}

func (e *DiscoveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Identification != nil {
		errs = append(errs, e.Identification)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
