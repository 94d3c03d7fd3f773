// Package udpmock runs an in-process UDP inverter answering requests from a script.
package udpmock

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tlmnb/gogoodwe/protocol"
)

// Handler returns the datagrams answering request, none to stay silent.
type Handler func(request []byte) [][]byte

// Server is a UDP endpoint on the loopback interface.
type Server struct {
	conn net.PacketConn

	mu       sync.Mutex
	script   map[string][][]byte
	fallback Handler
	requests [][]byte

	done chan struct{}
}

// Start listens on a random loopback port and serves until Close.
func Start() (*Server, error) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{conn: conn, script: make(map[string][][]byte), done: make(chan struct{})}
	go s.serve()
	return s, nil
}

// Addr returns the "host:port" address of the server.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Handle answers request with replies, each sent as one datagram.
func (s *Server) Handle(request []byte, replies ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[hex.EncodeToString(request)] = replies
}

// HandleFunc answers the requests missing from the script.
func (s *Server) HandleFunc(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// Requests returns every request received so far.
func (s *Server) Requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.requests...)
}

// Count returns how many times request was received.
func (s *Server) Count(request []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if bytes.Equal(r, request) {
			n++
		}
	}
	return n
}

// Close stops the server.
func (s *Server) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Server) serve() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		request := bytes.Clone(buf[:n])
		for _, reply := range s.answer(request) {
			if _, err := s.conn.WriteTo(reply, src); err != nil {
				log.Debug().Err(err).Str("component", "udpmock").Msg("failed to send reply")
			}
		}
	}
}

func (s *Server) answer(request []byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request)
	if replies, ok := s.script[hex.EncodeToString(request)]; ok {
		return replies
	}
	if s.fallback != nil {
		return s.fallback(request)
	}
	return nil
}

// ModbusReadReply frames data as the response to a register read of addr.
func ModbusReadReply(addr byte, data []byte) []byte {
	frame := []byte{0xAA, 0x55, addr, protocol.FuncRead, byte(len(data))}
	frame = append(frame, data...)
	return append(frame, protocol.CRCFromBytes(frame[2:])...)
}

// ModbusWriteReply frames the echo of a single register write, or of a multiple
// register write when value is the register count.
func ModbusWriteReply(addr, fc byte, register, value uint16) []byte {
	frame := []byte{0xAA, 0x55, addr, fc}
	frame = binary.BigEndian.AppendUint16(frame, register)
	frame = binary.BigEndian.AppendUint16(frame, value)
	return append(frame, protocol.CRCFromBytes(frame[2:])...)
}

// ModbusException frames an exception response to function fc.
func ModbusException(addr, fc, code byte) []byte {
	frame := []byte{0xAA, 0x55, addr, fc | 0x80, code}
	return append(frame, protocol.CRCFromBytes(frame[2:])...)
}

// AA55Reply frames payload as an AA55 response of responseType.
func AA55Reply(responseType uint16, payload []byte) []byte {
	frame := []byte{0xAA, 0x55, 0x7F, 0xC0}
	frame = binary.BigEndian.AppendUint16(frame, responseType)
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint16(frame, protocol.Sum16(frame))
}

// ModbusAnswer answers every register read from registers, a map of register values,
// and echoes every write after storing it. Reads of unknown registers are answered
// with ILLEGAL DATA ADDRESS.
func ModbusAnswer(registers map[uint16]uint16) Handler {
	var mu sync.Mutex
	return func(request []byte) [][]byte {
		if len(request) < 8 {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		addr, fc := request[0], request[1]
		offset := binary.BigEndian.Uint16(request[2:4])
		value := binary.BigEndian.Uint16(request[4:6])
		switch fc {
		case protocol.FuncRead:
			data := make([]byte, 0, int(value)*2)
			for r := offset; r < offset+value; r++ {
				v, ok := registers[r]
				if !ok {
					return [][]byte{ModbusException(addr, fc, 0x02)}
				}
				data = binary.BigEndian.AppendUint16(data, v)
			}
			return [][]byte{ModbusReadReply(addr, data)}
		case protocol.FuncWrite:
			registers[offset] = value
			return [][]byte{ModbusWriteReply(addr, fc, offset, value)}
		case protocol.FuncWriteMulti:
			if len(request) < 7+int(value)*2 {
				return nil
			}
			for i := range int(value) {
				registers[offset+uint16(i)] = binary.BigEndian.Uint16(request[7+2*i:])
			}
			return [][]byte{ModbusWriteReply(addr, fc, offset, value)}
		default:
			return [][]byte{ModbusException(addr, fc, 0x01)}
		}
	}
}
