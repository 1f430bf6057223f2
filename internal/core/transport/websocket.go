package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsConn turns a websocket into a byte stream: each Write is one binary
// message, reads continue across message boundaries.
type wsConn struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, errors.Wrap(err, "failed to read message")
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.Wrap(err, "failed to write message")
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func wsPath(opts Options) string {
	if opts.Path == "" {
		return "/"
	}
	return opts.Path
}

func dialWebSocket(ctx context.Context, addr string, opts Options) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	url := "ws://" + addr
	if !strings.Contains(addr, "/") {
		url += wsPath(opts)
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

type wsListener struct {
	listener net.Listener
	server   *http.Server
	conns    chan Conn
	closed   chan struct{}
	closing  sync.Once
}

func listenWebSocket(addr string, opts Options) (Listener, error) {
	if host, path, found := strings.Cut(addr, "/"); found {
		addr, opts.Path = host, "/"+path
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ws := &wsListener{
		listener: l,
		conns:    make(chan Conn),
		closed:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath(opts), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case ws.conns <- newWSConn(conn):
		case <-ws.closed:
			_ = conn.Close()
		}
	})
	ws.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = ws.server.Serve(l)
	}()
	return ws, nil
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *wsListener) Close() error {
	var err error
	l.closing.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}
