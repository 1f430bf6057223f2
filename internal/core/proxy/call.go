package proxy

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/peer"
	"github.com/zeusync/vicodyn/internal/core/protocol"
)

// Call is one client conversation. It owns the position of both directions
// in the graph and the backend attempt currently serving it.
type Call struct {
	id      string
	proxy   *Proxy
	sink    Sink
	first   protocol.Message
	started time.Time

	sendMu sync.Mutex

	mu        sync.Mutex
	forward   *graph.Cursor
	backward  *graph.Cursor
	replay    []protocol.Message
	responded bool
	firstByte time.Duration
	tried     []string
	attempts  int
	current   *attempt
	lastErr   error
	remoteErr *protocol.Error
	finished  bool
	discarded bool
}

func newCall(p *Proxy, msg protocol.Message, sink Sink) *Call {
	c := &Call{
		id:       uuid.NewString(),
		proxy:    p,
		sink:     sink,
		first:    msg,
		started:  p.now(),
		forward:  graph.NewCursor(p.graph.Root, graph.Forward, p.name),
		backward: graph.NewCursor(p.graph.Root, graph.Backward, p.name),
	}
	c.forward.Step(msg.EventID)
	c.backward.Step(msg.EventID)
	return c
}

func (c *Call) ID() string { return c.id }

// Attempts is the number of placements made so far, the first included.
func (c *Call) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Tried lists the peers the call was placed on, in order.
func (c *Call) Tried() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tried)
}

func (c *Call) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Call) start() error {
	if err := c.place(); err != nil {
		c.finish(err, false)
		return err
	}

	// one-way events expect nothing back
	c.mu.Lock()
	oneWay := c.backward.Done()
	c.mu.Unlock()
	if oneWay {
		c.finish(nil, true)
	}
	return nil
}

// place puts the call on the next peer the balancer offers, retrying
// recoverable refusals until the attempt budget runs out.
func (c *Call) place() error {
	bal := c.proxy.balancer
	limit := max(bal.RetryCount(), 1)

	for {
		c.mu.Lock()
		if c.finished {
			c.mu.Unlock()
			return nil
		}
		if c.attempts >= limit {
			cause := c.lastErr
			c.mu.Unlock()
			return exhausted(cause, limit)
		}
		c.attempts++
		req := c.requestLocked()
		c.mu.Unlock()

		member, err := c.proxy.pool.Choose(req)
		if err != nil {
			return protocol.NewError(protocol.ErrorCodeServiceNotAvailable, "no peer to place call on", err)
		}

		att := &attempt{call: c, peer: member.UUID()}
		att.inv = peer.NewInvocation(c.first, att)

		c.mu.Lock()
		if c.finished {
			c.mu.Unlock()
			return nil
		}
		for _, msg := range c.replay {
			_ = att.inv.Stream.Append(msg)
		}
		c.tried = append(c.tried, member.UUID())
		c.current = att
		c.mu.Unlock()

		handle, err := member.Invoke(att.inv)
		if err == nil {
			c.proxy.logger.Debug("Call placed",
				log.String("call_id", c.id),
				log.String("peer", handle.Peer),
				log.Bool("queued", handle.Queued()),
			)
			return nil
		}

		bal.OnError(member, err)
		c.mu.Lock()
		c.lastErr = err
		if c.current == att {
			c.current = nil
		}
		c.mu.Unlock()
		if !bal.IsRecoverable(err) {
			return err
		}
	}
}

func (c *Call) requestLocked() balancer.Request {
	return balancer.Request{
		EventID: c.first.EventID,
		Headers: c.first.Headers,
		Tried:   slices.Clone(c.tried),
	}
}

// Process forwards a follow-up client message. An event the graph does not
// allow at the current position ends the call with SlotNotFound.
func (c *Call) Process(msg protocol.Message) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrCallFinished
	}
	t := c.forward.Step(msg.EventID)
	if t.Kind == graph.UnknownEvent {
		c.mu.Unlock()
		err := protocol.NewError(protocol.ErrorCodeSlotNotFound, "slot not found", protocol.ErrSlotNotFound).
			WithContext("event_id", msg.EventID).
			WithContext("path", c.forward.Path())
		c.finish(err, false)
		return err
	}
	if !c.responded {
		c.replay = append(c.replay, msg)
	}
	att := c.current
	c.mu.Unlock()

	if att != nil {
		// a write failure reaches the attempt through Fail
		_ = att.inv.Stream.Append(msg)
	}
	return nil
}

// Discard abandons the call because the client went away.
func (c *Call) Discard() {
	c.mu.Lock()
	c.discarded = true
	c.mu.Unlock()
	c.finish(nil, false)
}

func (c *Call) abort(err error) {
	c.finish(err, true)
}

// deliver handles one backend message of att. It reports whether the
// backend channel is done.
func (c *Call) deliver(att *attempt, msg protocol.Message) bool {
	c.mu.Lock()
	if c.finished || c.current != att {
		c.mu.Unlock()
		return true
	}
	t := c.backward.Step(msg.EventID)
	if t.Kind == graph.UnknownEvent {
		path := c.backward.Path()
		c.mu.Unlock()
		c.finish(protocol.NewError(protocol.ErrorCodeProtocolViolation, "backend sent an unexpected event", protocol.ErrProtocolViolation).
			WithContext("event_id", msg.EventID).
			WithContext("path", path), true)
		return true
	}

	if t.Name == graph.ErrorEdge && !c.responded {
		cause := protocol.ErrorFromArgs(msg.Args)
		if c.proxy.balancer.IsRecoverable(cause) {
			c.lastErr = cause
			if limit := max(c.proxy.balancer.RetryCount(), 1); c.attempts >= limit {
				c.mu.Unlock()
				c.finish(exhausted(cause, limit), true)
				return true
			}
			c.resetBackwardLocked()
			c.current = nil
			c.mu.Unlock()

			att.inv.Revoke()
			c.proxy.logger.Debug("Backend refused call, replaying",
				log.String("call_id", c.id),
				log.String("peer", att.peer),
				log.Error(cause),
			)
			go c.retry()
			return true
		}
	}

	if t.Name == graph.ErrorEdge {
		c.remoteErr = protocol.ErrorFromArgs(msg.Args)
	}
	if !c.responded {
		c.responded = true
		c.replay = nil
		c.firstByte = c.proxy.now().Sub(c.started)
	}
	done := c.backward.Done()
	c.mu.Unlock()

	c.sendMu.Lock()
	err := c.sink.Send(msg)
	c.sendMu.Unlock()
	if err != nil {
		c.Discard()
		return true
	}
	if done {
		c.finish(nil, true)
	}
	return done
}

// fail handles the loss of att's backend channel.
func (c *Call) fail(att *attempt, err error) {
	c.mu.Lock()
	if c.finished || c.current != att {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.current = nil
	retry := !c.responded && c.proxy.balancer.IsRecoverable(err)
	if retry {
		c.resetBackwardLocked()
	}
	c.mu.Unlock()

	if !retry {
		c.finish(err, true)
		return
	}
	c.retry()
}

func (c *Call) retry() {
	if err := c.place(); err != nil {
		c.finish(err, true)
	}
}

func exhausted(cause error, attempts int) error {
	return protocol.NewError(protocol.ErrorCodeServiceNotAvailable, "retries exhausted", cause).
		WithContext("attempts", attempts)
}

func (c *Call) resetBackwardLocked() {
	c.backward = graph.NewCursor(c.proxy.graph.Root, graph.Backward, c.proxy.name)
	c.backward.Step(c.first.EventID)
}

// finish ends the call once. notify controls whether the sink learns
// about it; Invoke reports start failures through its return value.
func (c *Call) finish(err error, notify bool) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	att := c.current
	rec := accessRecord{
		Call:      c.id,
		Event:     c.first.EventID,
		Peers:     slices.Clone(c.tried),
		Attempts:  c.attempts,
		Forward:   c.forward.Path(),
		Backward:  c.backward.Path(),
		FirstByte: c.firstByte,
		Took:      c.proxy.now().Sub(c.started),
		Err:       err,
		Discarded: c.discarded,
	}
	if rec.Err == nil && c.remoteErr != nil {
		rec.Err = c.remoteErr
	}
	c.replay = nil
	c.mu.Unlock()

	if att != nil && (err != nil || rec.Discarded) {
		att.inv.Revoke()
	}
	c.proxy.forget(c)
	c.proxy.record(rec)

	if notify {
		c.sendMu.Lock()
		c.sink.Close(err)
		c.sendMu.Unlock()
	}
}

// attempt binds one placement of a call to its invocation so that late
// callbacks of a superseded placement are ignored.
type attempt struct {
	call *Call
	peer string
	inv  *peer.Invocation
}

func (a *attempt) Deliver(msg protocol.Message) bool {
	return a.call.deliver(a, msg)
}

// Fail may run under peer and queue locks, so the retry happens elsewhere.
func (a *attempt) Fail(err error) {
	go a.call.fail(a, err)
}
