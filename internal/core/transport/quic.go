package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ALPN negotiated by quic endpoints.
const quicProtocol = "vicodyn-quic"

func quicConfig(opts Options) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        30 * time.Second,
		MaxIncomingStreams:    16,
		MaxIncomingUniStreams: -1,
		KeepAlivePeriod:       opts.KeepAlive,
	}
}

// quicConn carries one stream per connection; channels are multiplexed by
// the frame codec, not by quic streams.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	closed sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	var err error
	c.closed.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "connection closed")
	})
	return err
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func dialQUIC(ctx context.Context, addr string, opts Options) (Conn, error) {
	tlsConf := opts.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicProtocol},
		}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(opts))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, errors.Wrap(err, "failed to open stream")
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

type quicListener struct {
	listener *quic.Listener
	conns    chan Conn
	ctx      context.Context
	cancel   context.CancelFunc
}

func listenQUIC(addr string, opts Options) (Listener, error) {
	tlsConf := opts.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = selfSignedTLS(quicProtocol); err != nil {
			return nil, err
		}
	}
	l, err := quic.ListenAddr(addr, tlsConf, quicConfig(opts))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &quicListener{
		listener: l,
		conns:    make(chan Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
	go ql.acceptLoop()
	return ql, nil
}

// A quic stream becomes visible to the peer with its first byte, so streams
// are awaited per connection without blocking other handshakes.
func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			return
		}
		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			select {
			case l.conns <- &quicConn{conn: conn, stream: stream}:
			case <-l.ctx.Done():
				_ = conn.CloseWithError(0, "listener closed")
			}
		}()
	}
}

func (l *quicListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() error {
	l.cancel()
	return l.listener.Close()
}
