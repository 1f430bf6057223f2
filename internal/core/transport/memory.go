package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// memory:// endpoints live inside the process. Dialing a name connects to
// the listener registered under it through net.Pipe.

var (
	memoryMu        sync.Mutex
	memoryListeners = map[string]*memoryListener{}
)

type memoryAddr string

func (a memoryAddr) Network() string { return SchemeMemory }
func (a memoryAddr) String() string  { return string(a) }

type memoryListener struct {
	name    string
	conns   chan net.Conn
	closed  chan struct{}
	closing sync.Once
}

func listenMemory(name string, _ Options) (Listener, error) {
	memoryMu.Lock()
	defer memoryMu.Unlock()

	if _, exists := memoryListeners[name]; exists {
		return nil, errors.Errorf("memory endpoint %q already in use", name)
	}
	l := &memoryListener{
		name:   name,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	memoryListeners[name] = l
	return l, nil
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Addr() net.Addr {
	return memoryAddr(l.name)
}

func (l *memoryListener) Close() error {
	l.closing.Do(func() {
		memoryMu.Lock()
		if memoryListeners[l.name] == l {
			delete(memoryListeners, l.name)
		}
		memoryMu.Unlock()
		close(l.closed)
	})
	return nil
}

func dialMemory(ctx context.Context, name string, _ Options) (Conn, error) {
	memoryMu.Lock()
	l, ok := memoryListeners[name]
	memoryMu.Unlock()
	if !ok {
		return nil, errors.Wrapf(net.ErrClosed, "memory endpoint %q", name)
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
	case <-ctx.Done():
	}
	_ = client.Close()
	_ = server.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, errors.Wrapf(net.ErrClosed, "memory endpoint %q", name)
}
