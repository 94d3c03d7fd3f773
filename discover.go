package gogoodwe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/tlmnb/gogoodwe/protocol"
)

// identifyCommand is the AA55 identification request every family answers.
var identifyCommand = protocol.NewAA55Command([]byte{0x01, 0x02, 0x00}, 0x0182)

// identifyPort is the only port the AA55 identification request is sent to. Inverters
// reached on another port are identified family by family.
var identifyPort = DefaultPort

// fallbackOrder is the order in which families are tried when the identification request fails.
var fallbackOrder = []Family{FamilyET, FamilyDT, FamilyES}

// Connect returns the inverter of family at host and reads its identification. family
// is any name ParseFamily accepts; an empty family runs Discover.
func Connect(ctx context.Context, host, family string, opts Options) (Inverter, error) {
	if family == "" {
		return Discover(ctx, host, opts)
	}
	f, err := ParseFamily(family)
	if err != nil {
		return nil, err
	}
	inv := New(f, hostPort(host, opts.port()), opts)
	if err := inv.ReadDeviceInfo(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

// New returns the inverter of family f at addr ("host:port") without any I/O.
func New(f Family, addr string, opts Options) Inverter {
	switch f {
	case FamilyES:
		return NewES(addr, opts)
	case FamilyDT:
		return NewDT(addr, opts)
	default:
		return NewET(addr, opts)
	}
}

// Discover finds the family of the inverter at host.
//
// On the default port it first sends the AA55 identification request and classifies
// the serial number it answers with. When that fails, or on any other port, it tries
// every family in turn: the first one whose identification and runtime data can be
// read wins. When none does, the error is a *DiscoveryError listing every failure.
func Discover(ctx context.Context, host string, opts Options) (Inverter, error) {
	addr := hostPort(host, opts.port())
	logger := opts.logger().With().Str("component", "discovery").Str("addr", addr).Logger()
	result := &DiscoveryError{Host: addr}

	if portOf(addr) == identifyPort {
		family, err := classifyByIdentification(ctx, addr, opts)
		switch {
		case err != nil:
			result.Identification = err
		default:
			logger.Debug().Stringer("family", family).Msg("identification classified inverter")
			inv := New(family, addr, opts)
			if err := inv.ReadDeviceInfo(ctx); err != nil {
				result.Failures = append(result.Failures, FamilyFailure{Family: family, Err: err})
			} else {
				return inv, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, family := range fallbackOrder {
		inv := New(family, addr, opts)
		err := identify(ctx, inv)
		if err == nil {
			logger.Debug().Stringer("family", family).Msg("family identified inverter")
			return inv, nil
		}
		if errors.Is(err, protocol.ErrCancelled) {
			return nil, err
		}
		logger.Debug().Err(err).Stringer("family", family).Msg("family did not identify inverter")
		result.Failures = append(result.Failures, FamilyFailure{Family: family, Err: err})
	}
	logger.Warn().Err(result).Msg("discovery failed")
	return nil, result
}

// classifyByIdentification sends the AA55 identification request and classifies the answer.
func classifyByIdentification(ctx context.Context, addr string, opts Options) (Family, error) {
	s := newSession(FamilyES, addr, opts.commAddr(FamilyES), nil, opts)
	resp, err := s.SendCommand(ctx, identifyCommand)
	if err != nil {
		return "", err
	}
	info, err := decodeAA55DeviceInfo(resp.Payload())
	if err != nil {
		return "", err
	}
	family, ok := Classify(info.SerialNumber)
	if !ok {
		return "", fmt.Errorf("%w: model %q serial %q", ErrUnknownFamily, info.ModelName, info.SerialNumber)
	}
	return family, nil
}

func identify(ctx context.Context, inv Inverter) error {
	if err := inv.ReadDeviceInfo(ctx); err != nil {
		return err
	}
	_, err := inv.ReadRuntimeData(ctx)
	return err
}

// hostPort adds port to host unless host already carries one.
func hostPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// portOf returns the port of addr, 0 when it has none.
func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func (f Family) String() string { return string(f) }
