package transport

import (
	"context"
	"net"
)

func dialTCP(ctx context.Context, addr string, opts Options) (Conn, error) {
	d := net.Dialer{KeepAlive: opts.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

type tcpListener struct {
	net.Listener
}

func listenTCP(addr string, _ Options) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpListener{l}, nil
}

func (l tcpListener) Accept() (Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}
