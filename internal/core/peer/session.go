package peer

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// Session multiplexes invocations over one backend connection. Each
// invocation gets its own channel id; backend frames are routed back by it.
type Session struct {
	conn    transport.Conn
	reader  *protocol.FrameReader
	logger  log.Log
	onLost  func(err error)
	writeMu sync.Mutex
	buf     []byte
	// writeTimeout bounds every frame write, zero leaves writes unbounded
	writeTimeout time.Duration

	mu          sync.Mutex
	nextChannel uint64
	channels    map[uint64]*Invocation
	closed      bool
	done        chan struct{}
}

// NewSession wraps conn. onLost is called once when the connection breaks,
// but not after Close. A write blocked longer than writeTimeout breaks the
// connection.
func NewSession(conn transport.Conn, maxFrameSize int, writeTimeout time.Duration, logger log.Log, onLost func(err error)) *Session {
	return &Session{
		conn:         conn,
		reader:       protocol.NewFrameReader(conn, maxFrameSize),
		logger:       logger,
		onLost:       onLost,
		writeTimeout: writeTimeout,
		nextChannel:  1,
		channels:     make(map[uint64]*Invocation),
		done:         make(chan struct{}),
	}
}

// Start runs the reader goroutine.
func (s *Session) Start() {
	go s.readLoop()
}

// Done is closed when the session is over.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send opens a channel for inv, writes its first message and attaches its
// stream. Errors are returned only when inv could not be registered; once
// registered, failures reach inv.Handler.
func (s *Session) Send(inv *Invocation) error {
	inv.mu.Lock()
	if inv.revoked {
		inv.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		inv.mu.Unlock()
		return protocol.NewError(protocol.ErrorCodeConnectionClosed, "session is closed", protocol.ErrConnectionClosed)
	}
	channel := s.nextChannel
	s.nextChannel++
	s.channels[channel] = inv
	s.mu.Unlock()

	inv.session, inv.channel, inv.bound = s, channel, true
	inv.mu.Unlock()

	if err := s.write(channel, inv.Message); err != nil {
		s.release(channel)
		inv.fail(err)
		return nil
	}
	if inv.Stream != nil {
		// a refused entry means the connection broke; fail() reports it
		_ = inv.Stream.Attach(channelSender{session: s, channel: channel})
	}
	return nil
}

// Inflight is the number of open channels.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Close shuts the connection. Open channels fail with ErrConnectionClosed.
func (s *Session) Close() error {
	s.shutdown(protocol.NewError(protocol.ErrorCodeConnectionClosed, "session closed", protocol.ErrConnectionClosed), false)
	return nil
}

func (s *Session) write(channel uint64, msg protocol.Message) error {
	s.writeMu.Lock()
	var err error
	s.buf, err = protocol.AppendFrame(s.buf[:0], protocol.Frame{Channel: channel, Message: msg})
	if err == nil {
		if s.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		_, err = s.conn.Write(s.buf)
	}
	s.writeMu.Unlock()

	if err != nil && protocol.GetErrorCode(err) != protocol.ErrorCodeInvalidMessage {
		err = lost(err)
		s.shutdown(err, true)
	}
	return err
}

func (s *Session) release(channel uint64) {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			s.shutdown(lost(err), true)
			return
		}

		s.mu.Lock()
		inv, ok := s.channels[frame.Channel]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("Dropping frame for unknown channel",
				log.Uint64("channel", frame.Channel),
				log.Uint64("event_id", frame.EventID))
			continue
		}

		if inv.Handler.Deliver(frame.Message) {
			s.release(frame.Channel)
		}
	}
}

func (s *Session) shutdown(cause error, unexpected bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[uint64]*Invocation)
	s.mu.Unlock()

	_ = s.conn.Close()
	close(s.done)

	if unexpected {
		s.logger.Warn("Backend connection lost",
			log.Error(cause),
			log.Int("inflight", len(channels)))
	}
	// shutdown may run under a queue flush; handlers and owners are told
	// without any lock held
	go func() {
		for _, inv := range channels {
			inv.fail(cause)
		}
		if unexpected && s.onLost != nil {
			s.onLost(cause)
		}
	}()
}

func lost(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return protocol.NewError(protocol.ErrorCodeConnectionLost, "backend closed the connection", protocol.ErrConnectionLost)
	}
	return protocol.NewError(protocol.ErrorCodeConnectionLost, "backend connection lost", err)
}

// channelSender writes follow-up messages of one invocation.
type channelSender struct {
	session *Session
	channel uint64
}

func (c channelSender) Send(msg protocol.Message) error {
	return c.session.write(c.channel, msg)
}
