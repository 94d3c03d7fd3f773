package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout is the default time to wait for the response of one attempt.
	DefaultTimeout = time.Second

	// DefaultRetries is the default number of attempts of an execution.
	DefaultRetries = 3

	maxDatagramSize = 4096
)

var errAttemptTimeout = errors.New("attempt timed out")

// PacketListener opens the datagram endpoint of one execution. *net.ListenConfig
// implements it.
type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// Outcome is the terminal state of one execution.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected
	OutcomeMaxRetries
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeMaxRetries:
		return "max-retries"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Exchange describes one finished execution.
type Exchange struct {
	ID        string        // Unique execution id.
	Addr      string        // Target address.
	Command   string        // Description of the command.
	Request   []byte        // Framed request.
	Datagrams [][]byte      // Every datagram received, valid or not.
	Attempts  int           // Number of times the request was sent.
	Outcome   Outcome       // Terminal outcome.
	Err       error         // Terminal error, nil on success.
	Started   time.Time     // Time the execution started.
	Duration  time.Duration // Duration of the execution.
}

// Recorder receives one Exchange per finished execution. It is called from the
// executing goroutine and must be safe for concurrent use.
type Recorder interface {
	Record(x *Exchange)
}

// Executor sends commands to inverters and waits for their responses.
//
// Every execution opens its own ephemeral UDP endpoint and closes it on its terminal
// outcome. Neither envelope carries a sequence number, so a response is attributed to
// the execution owning the endpoint it arrives on. Executions never share endpoints;
// an Executor can run any number of them concurrently.
type Executor struct {
	Timeout  time.Duration   // Time to wait for a valid response, per attempt.
	Retries  int             // Number of attempts (sends) of one execution, at least one.
	Listener PacketListener  // Opens execution endpoints, nil for the net package default.
	Recorder Recorder        // Optional exchange recorder.
	Logger   *zerolog.Logger // Logger, nil for the global logger.
}

// NewExecutor creates an executor with the given per attempt timeout and number of attempts.
func NewExecutor(timeout time.Duration, retries int) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{Timeout: timeout, Retries: retries}
}

// Execute sends cmd to addr ("host:port") and returns its validated response.
//
// The request is re-sent unchanged after each attempt timing out. Datagrams that are
// not a valid response to cmd are ignored. A device rejection ends the execution
// immediately with a *RejectedError. When no attempt gets a valid response the error
// is a *MaxRetriesError. Ending ctx, or closing the endpoint, ends the execution with
// ErrCancelled.
func (e *Executor) Execute(ctx context.Context, cmd *Command, addr string) (*Response, error) {
	x := &execution{
		executor: e,
		cmd:      cmd,
		record: &Exchange{
			ID:      uuid.NewString(),
			Addr:    addr,
			Command: cmd.String(),
			Request: cmd.Request(),
			Started: time.Now(),
		},
	}
	x.log = e.logger().With().Str("exec", x.record.ID).Str("addr", addr).Stringer("cmd", cmd).Logger()

	resp, err := x.run(ctx, addr)

	x.record.Duration = time.Since(x.record.Started)
	x.record.Err = err
	x.record.Outcome = outcomeOf(err)
	if e.Recorder != nil {
		e.Recorder.Record(x.record)
	}
	if err != nil {
		x.log.Debug().Err(err).Int("attempts", x.record.Attempts).Msg("execution failed")
	}
	return resp, err
}

func (e *Executor) logger() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	l := log.With().Str("component", "protocol").Logger()
	return &l
}

func (e *Executor) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

func (e *Executor) listener() PacketListener {
	if e.Listener == nil {
		return &net.ListenConfig{}
	}
	return e.Listener
}

func outcomeOf(err error) Outcome {
	var rejected *RejectedError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &rejected):
		return OutcomeRejected
	case errors.Is(err, ErrMaxRetries):
		return OutcomeMaxRetries
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// execution is the state of one Execute call.
type execution struct {
	executor  *Executor
	cmd       *Command
	conn      net.PacketConn
	target    *net.UDPAddr
	broadcast bool
	malformed int
	record    *Exchange
	log       zerolog.Logger
}

func (x *execution) run(ctx context.Context, addr string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	target, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", addr, err)
	}
	x.target = target
	x.broadcast = target.IP.Equal(net.IPv4bcast)

	network := "udp4"
	if target.IP != nil && target.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := x.executor.listener().ListenPacket(ctx, network, ":0")
	if err != nil {
		if cancelled := x.cancelled(ctx, err); cancelled != nil {
			return nil, cancelled
		}
		return nil, fmt.Errorf("failed to open endpoint for %q: %w", addr, err)
	}
	defer conn.Close()
	x.conn = conn

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	attempts := max(x.executor.Retries, 1)
	request := x.cmd.Request()
	for attempt := 1; attempt <= attempts; attempt++ {
		x.record.Attempts = attempt
		if _, err := conn.WriteTo(request, target); err != nil {
			if cancelled := x.cancelled(ctx, err); cancelled != nil {
				return nil, cancelled
			}
			return nil, fmt.Errorf("failed to send to %q: %w", addr, err)
		}
		x.log.Debug().Int("attempt", attempt).Hex("data", request).Msg("sent")

		resp, err := x.await(ctx)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, errAttemptTimeout) {
			return nil, err
		}
		x.log.Debug().Int("attempt", attempt).Dur("timeout", x.executor.timeout()).Msg("timeout")
	}
	return nil, &MaxRetriesError{Addr: addr, Attempts: attempts, Command: x.cmd.String(), Malformed: x.malformed}
}

// await reads datagrams until a valid response arrives or the attempt times out.
func (x *execution) await(ctx context.Context) (*Response, error) {
	if err := x.conn.SetReadDeadline(time.Now().Add(x.executor.timeout())); err != nil {
		if cancelled := x.cancelled(ctx, err); cancelled != nil {
			return nil, cancelled
		}
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	var partial []byte
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := x.conn.ReadFrom(buf)
		if err != nil {
			if cancelled := x.cancelled(ctx, err); cancelled != nil {
				return nil, cancelled
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, errAttemptTimeout
			}
			return nil, fmt.Errorf("failed to read from %q: %w", x.record.Addr, err)
		}
		datagram := bytes.Clone(buf[:n])
		x.record.Datagrams = append(x.record.Datagrams, datagram)

		if !x.fromTarget(src) {
			x.log.Debug().Stringer("src", src).Msg("ignored datagram from foreign address")
			continue
		}
		x.log.Debug().Hex("data", datagram).Msg("received")

		data := datagram
		if partial != nil {
			data = append(partial, datagram...)
		}
		err = x.cmd.Validate(data)
		if err != nil && partial != nil && !errors.Is(err, ErrPartialResponse) {
			// The kept prefix was stray bytes, the datagram may still stand alone.
			data = datagram
			err = x.cmd.Validate(data)
		}
		var rejected *RejectedError
		switch {
		case err == nil:
			return &Response{Raw: data, command: x.cmd}, nil
		case errors.Is(err, ErrPartialResponse):
			partial = data
		case errors.As(err, &rejected):
			rejected.Command = x.cmd.String()
			return nil, rejected
		default:
			x.malformed++
			partial = nil
			x.log.Debug().Err(err).Msg("ignored invalid response")
		}
	}
}

func (x *execution) fromTarget(src net.Addr) bool {
	if x.broadcast {
		return true
	}
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return false
	}
	return udp.Port == x.target.Port && udp.IP.Equal(x.target.IP)
}

// cancelled converts an I/O error caused by ctx ending or the endpoint being closed
// into ErrCancelled. It returns nil for other errors.
func (x *execution) cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: endpoint closed", ErrCancelled)
	}
	return nil
}
