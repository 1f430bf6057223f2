package proxy

import (
	"time"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/observability/metrics"
	"github.com/zeusync/vicodyn/internal/core/protocol"
)

// Outcomes besides error code names.
const (
	OutcomeOK        = "ok"
	OutcomeDiscarded = "discarded"
)

type accessRecord struct {
	Call      string
	Event     uint64
	Peers     []string
	Attempts  int
	Forward   string
	Backward  string
	FirstByte time.Duration
	Took      time.Duration
	Err       error
	Discarded bool
}

func (r accessRecord) outcome() string {
	switch {
	case r.Discarded:
		return OutcomeDiscarded
	case r.Err != nil:
		return protocol.GetErrorCode(r.Err).String()
	default:
		return OutcomeOK
	}
}

func (r accessRecord) retries() int {
	return max(r.Attempts-1, 0)
}

func (p *Proxy) record(r accessRecord) {
	outcome := r.outcome()
	metrics.ObserveCall(p.name, outcome, r.retries(), r.Took)

	fields := []log.Field{
		log.String("call_id", r.Call),
		log.Uint64("event_id", r.Event),
		log.Strings("peers", r.Peers),
		log.Int("retries", r.retries()),
		log.String("forward", r.Forward),
		log.String("backward", r.Backward),
		log.Duration("first_response", r.FirstByte),
		log.Duration("duration", r.Took),
		log.String("outcome", outcome),
	}
	if r.Err != nil {
		fields = append(fields, log.Error(r.Err))
		p.access.Warn("Call failed", fields...)
		return
	}
	p.access.Info("Call finished", fields...)
}
