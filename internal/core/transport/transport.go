// Package transport opens byte streams to backends and accepts them from
// clients. Endpoints are URLs whose scheme selects the implementation:
// tcp://, ws://, quic:// and memory://. An endpoint without a scheme is tcp.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeusync/vicodyn/internal/core/protocol"
)

const (
	SchemeTCP       = "tcp"
	SchemeWebSocket = "ws"
	SchemeQUIC      = "quic"
	SchemeMemory    = "memory"
)

// Conn is a bidirectional byte stream. Every Write carries whole frames.
type Conn interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// SetWriteDeadline fails writes still blocked at t. The zero time
	// clears it.
	SetWriteDeadline(t time.Time) error
}

// Listener accepts client streams until closed.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// Options tune dialing and listening.
type Options struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
	// WriteTimeout bounds a single write on a backend connection. Zero
	// means no bound.
	WriteTimeout time.Duration
	// TLS is used by quic. A self-signed certificate is generated for
	// listeners when it is nil.
	TLS *tls.Config
	// Path is the HTTP path of websocket endpoints.
	Path string
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:  5 * time.Second,
		KeepAlive:    15 * time.Second,
		WriteTimeout: 10 * time.Second,
		Path:         "/",
	}
}

type DialFunc func(ctx context.Context, addr string, opts Options) (Conn, error)

type ListenFunc func(addr string, opts Options) (Listener, error)

type entry struct {
	dial   DialFunc
	listen ListenFunc
}

var (
	registryMu sync.RWMutex
	registry   = map[string]entry{
		SchemeTCP:       {dialTCP, listenTCP},
		SchemeWebSocket: {dialWebSocket, listenWebSocket},
		SchemeQUIC:      {dialQUIC, listenQUIC},
		SchemeMemory:    {dialMemory, listenMemory},
	}
)

// Register adds or replaces the implementation of scheme.
func Register(scheme string, dial DialFunc, listen ListenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = entry{dial: dial, listen: listen}
}

// Has reports whether scheme is registered.
func Has(scheme string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[scheme]
	return ok
}

// Schemes lists registered schemes in lexical order.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for scheme := range registry {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// SplitEndpoint separates the scheme from the address.
func SplitEndpoint(endpoint string) (scheme, addr string, err error) {
	if endpoint == "" {
		return "", "", protocol.NewError(protocol.ErrorCodeInvalidConfig, "empty endpoint", nil)
	}
	scheme, addr, found := strings.Cut(endpoint, "://")
	if !found {
		return SchemeTCP, endpoint, nil
	}
	if addr == "" {
		return "", "", protocol.Errorf(protocol.ErrorCodeInvalidConfig, "endpoint %q has no address", endpoint)
	}
	return strings.ToLower(scheme), addr, nil
}

func lookup(endpoint string) (entry, string, error) {
	scheme, addr, err := SplitEndpoint(endpoint)
	if err != nil {
		return entry{}, "", err
	}
	registryMu.RLock()
	e, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return entry{}, "", protocol.NewError(protocol.ErrorCodeTransportNotSupported,
			fmt.Sprintf("scheme %q is not supported", scheme), protocol.ErrTransportNotSupported)
	}
	return e, addr, nil
}

// Dial connects to endpoint. Failures carry ErrorCodeDialFailed so callers
// can treat them as recoverable.
func Dial(ctx context.Context, endpoint string, opts Options) (Conn, error) {
	e, addr, err := lookup(endpoint)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	conn, err := e.dial(ctx, addr, opts)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorCodeDialFailed, "dial "+endpoint, err)
	}
	return conn, nil
}

// Listen opens a listener on endpoint.
func Listen(endpoint string, opts Options) (Listener, error) {
	e, addr, err := lookup(endpoint)
	if err != nil {
		return nil, err
	}
	l, err := e.listen(addr, opts)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorCodeListenFailed, "listen "+endpoint, err)
	}
	return l, nil
}
