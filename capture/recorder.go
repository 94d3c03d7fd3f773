package capture

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/tlmnb/gogoodwe/protocol"
)

// Recorder writes exchanges to a writer. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	encoder *cbor.Encoder
	closed  bool
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w, encoder: encMode.NewEncoder(w)}
}

// NewFileRecorder creates a recorder appending to the file at path.
func NewFileRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewRecorder(f), nil
}

// Record implements protocol.Recorder. Encoding errors are logged and dropped.
func (r *Recorder) Record(x *protocol.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.encoder.Encode(FromExchange(x)); err != nil {
		log.Warn().Err(err).Str("component", "capture").Str("exec", x.ID).Msg("failed to record exchange")
	}
}

// Close closes the underlying writer when it is an io.Closer. Later records are
// dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ protocol.Recorder = (*Recorder)(nil)
