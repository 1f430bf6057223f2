package control

import "errors"

var (
	ErrServerClosed         = errors.New("control: server is closed")
	ErrServerAlreadyRunning = errors.New("control: server is already running")
	ErrServerNotRunning     = errors.New("control: server is not running")
	ErrListenFailed         = errors.New("control: failed to listen")
)
