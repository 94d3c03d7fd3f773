// Package capture records inverter exchanges to CBOR files and reads them back.
//
// A capture file is a sequence of CBOR encoded Records, one per execution, in the
// order the executions finished.
package capture

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tlmnb/gogoodwe/protocol"
)

// Record is one recorded execution.
type Record struct {
	ID        string        `cbor:"1,keyasint"`
	Addr      string        `cbor:"2,keyasint"`
	Command   string        `cbor:"3,keyasint"`
	Request   []byte        `cbor:"4,keyasint"`
	Datagrams [][]byte      `cbor:"5,keyasint,omitempty"`
	Attempts  int           `cbor:"6,keyasint"`
	Outcome   string        `cbor:"7,keyasint"`
	Error     string        `cbor:"8,keyasint,omitempty"`
	Started   time.Time     `cbor:"9,keyasint"`
	Duration  time.Duration `cbor:"10,keyasint"`
}

// FromExchange converts an exchange to its record.
func FromExchange(x *protocol.Exchange) Record {
	r := Record{
		ID:        x.ID,
		Addr:      x.Addr,
		Command:   x.Command,
		Request:   x.Request,
		Datagrams: x.Datagrams,
		Attempts:  x.Attempts,
		Outcome:   x.Outcome.String(),
		Started:   x.Started,
		Duration:  x.Duration,
	}
	if x.Err != nil {
		r.Error = x.Err.Error()
	}
	return r
}

func (r Record) String() string {
	s := fmt.Sprintf("%s %s %s %s attempts=%d request=%x", r.Started.Format(time.RFC3339Nano), r.Addr, r.Command, r.Outcome, r.Attempts, r.Request)
	for _, d := range r.Datagrams {
		s += fmt.Sprintf("\n  < %x", d)
	}
	if r.Error != "" {
		s += "\n  error: " + r.Error
	}
	return s
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// Read decodes every record of r.
func Read(r io.Reader) ([]Record, error) {
	dec := decMode.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}
