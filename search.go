package gogoodwe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tlmnb/gogoodwe/protocol"
)

const (
	// SearchAddr is the broadcast address inverters answer search requests on.
	SearchAddr = "255.255.255.255:48899"

	searchRequest = "WIFIKIT-214028-READ"
)

// SearchReply is the answer of an inverter's WiFi module to a search request.
type SearchReply struct {
	IP   string `json:"ip" yaml:"ip"`
	MAC  string `json:"mac" yaml:"mac"`
	Name string `json:"name" yaml:"name"`
}

// Search broadcasts a search request and returns the first reply. Only the Listener,
// Recorder and Logger of opts are used.
func Search(ctx context.Context, opts Options) (*SearchReply, error) {
	return search(ctx, SearchAddr, opts)
}

func search(ctx context.Context, addr string, opts Options) (*SearchReply, error) {
	executor := protocol.NewExecutor(time.Second, 1)
	executor.Listener = opts.Listener
	executor.Recorder = opts.Recorder
	logger := opts.logger().With().Str("component", "discovery").Logger()
	executor.Logger = &logger

	resp, err := executor.Execute(ctx, protocol.NewCommand("search", []byte(searchRequest), nil, nil), addr)
	if err != nil {
		if errors.Is(err, protocol.ErrMaxRetries) {
			return nil, ErrNoResponse
		}
		return nil, err
	}
	logger.Debug().Str("reply", string(resp.Raw)).Msg("search reply")
	return ParseSearchReply(resp.Raw)
}

// ParseSearchReply parses an "ip,mac,name" search reply.
func ParseSearchReply(data []byte) (*SearchReply, error) {
	fields := strings.Split(strings.TrimSpace(string(data)), ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("malformed search reply %q", data)
	}
	return &SearchReply{
		IP:   strings.TrimSpace(fields[0]),
		MAC:  strings.TrimSpace(fields[1]),
		Name: strings.TrimSpace(strings.Join(fields[2:], ",")),
	}, nil
}
