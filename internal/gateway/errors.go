package gateway

import "errors"

// Gateway-specific errors
var (
	ErrGatewayClosed     = errors.New("gateway is closed")
	ErrInvalidName       = errors.New("service name is empty")
	ErrNoEndpoints       = errors.New("registration has no endpoints")
	ErrInvalidUUID       = errors.New("registration has no uuid")
	ErrVersionMismatch   = errors.New("service registered with another protocol version")
	ErrAcceptorFailed    = errors.New("failed to start client acceptor")
	ErrServiceNotFound   = errors.New("service not found")
	ErrPeerNotRegistered = errors.New("peer is not registered")
)
