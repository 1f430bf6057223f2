package peer

import (
	"sync"

	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/queue"
)

// Handler receives the backward half of a conversation.
type Handler interface {
	// Deliver is called from the session reader for every backend message.
	// Returning true releases the channel.
	Deliver(msg protocol.Message) (done bool)
	// Fail is called at most once when the channel is lost before Deliver
	// reported completion.
	Fail(err error)
}

// Invocation is one client call headed for a backend: the opening message,
// the stream of follow-up messages and the receiver of responses.
type Invocation struct {
	Message protocol.Message
	// Stream buffers follow-up messages until a channel exists. May be nil
	// for one-shot calls.
	Stream  *queue.Send[protocol.Message]
	Handler Handler

	mu      sync.Mutex
	session *Session
	channel uint64
	bound   bool
	revoked bool
	failed  bool
}

func NewInvocation(msg protocol.Message, handler Handler) *Invocation {
	return &Invocation{
		Message: msg,
		Stream:  queue.NewSend[protocol.Message](),
		Handler: handler,
	}
}

// Channel returns the backend channel once the invocation has been sent.
func (inv *Invocation) Channel() (uint64, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.channel, inv.bound
}

// Revoke stops delivery of backend responses. A queued invocation is
// skipped when its queue is flushed.
func (inv *Invocation) Revoke() {
	inv.mu.Lock()
	inv.revoked = true
	session, channel, bound := inv.session, inv.channel, inv.bound
	inv.mu.Unlock()

	if inv.Stream != nil {
		inv.Stream.Detach()
	}
	if bound && session != nil {
		session.release(channel)
	}
}

// Revoked reports whether Revoke was called.
func (inv *Invocation) Revoked() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.revoked
}

func (inv *Invocation) fail(err error) {
	inv.mu.Lock()
	if inv.failed || inv.revoked {
		inv.mu.Unlock()
		return
	}
	inv.failed = true
	inv.mu.Unlock()

	if inv.Stream != nil {
		inv.Stream.Detach()
	}
	if inv.Handler != nil {
		inv.Handler.Fail(err)
	}
}
