package peertest

import (
	"fmt"
	"sync"

	"github.com/zeusync/vicodyn/internal/core/transport"
)

// Stalled accepts connections and never reads from them, so every write
// towards it blocks.
type Stalled struct {
	Endpoint string

	listener transport.Listener

	mu     sync.Mutex
	conns  []transport.Conn
	closed bool
}

// NewStalled listens on a fresh memory endpoint.
func NewStalled() (*Stalled, error) {
	endpoint := fmt.Sprintf("%s://stalled-%d", transport.SchemeMemory, sequence.Add(1))
	l, err := transport.Listen(endpoint, transport.DefaultOptions())
	if err != nil {
		return nil, err
	}
	s := &Stalled{Endpoint: endpoint, listener: l}
	go s.acceptLoop()
	return s, nil
}

// Accepted is the number of connections held.
func (s *Stalled) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops listening and drops every held connection.
func (s *Stalled) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return err
}

func (s *Stalled) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}
}
