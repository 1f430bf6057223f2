package balancer

import (
	"math/rand/v2"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/peer"
	"github.com/zeusync/vicodyn/internal/core/protocol"
)

const DefaultRetryCount = 3

// Simple picks a random peer, preferring connected peers the call has not
// tried. Unconnected peers are used only when fallbackToUnconnected is set.
type Simple struct {
	retryCount            int
	fallbackToUnconnected bool
	logger                log.Log
}

func NewSimple(cfg Config, logger log.Log) (Balancer, error) {
	return newSimple(cfg, logger)
}

func newSimple(cfg Config, logger log.Log) (*Simple, error) {
	fallback, err := boolArg(cfg.Args, "fallback_to_unconnected", true)
	if err != nil {
		return nil, err
	}
	retries := cfg.RetryCount
	if retries <= 0 {
		retries = DefaultRetryCount
	}
	return &Simple{
		retryCount:            retries,
		fallbackToUnconnected: fallback,
		logger:                logger,
	}, nil
}

// tiers groups candidates by preference; frozen peers are never included.
func (s *Simple) tiers(req Request, peers Peers) [][]*peer.Peer {
	var connected, connecting, idle, triedConnected, triedConnecting, triedIdle []*peer.Peer
	for _, p := range peers {
		tried := req.HasTried(p.UUID())
		switch p.State() {
		case peer.Connected:
			if tried {
				triedConnected = append(triedConnected, p)
			} else {
				connected = append(connected, p)
			}
		case peer.Connecting:
			if tried {
				triedConnecting = append(triedConnecting, p)
			} else {
				connecting = append(connecting, p)
			}
		case peer.Disconnected:
			if !s.fallbackToUnconnected {
				continue
			}
			if tried {
				triedIdle = append(triedIdle, p)
			} else {
				idle = append(idle, p)
			}
		}
	}
	return [][]*peer.Peer{connected, connecting, idle, triedConnected, triedConnecting, triedIdle}
}

func (s *Simple) ChoosePeer(req Request, peers Peers) (*peer.Peer, error) {
	for _, tier := range s.tiers(req, peers) {
		if len(tier) > 0 {
			return tier[rand.IntN(len(tier))], nil
		}
	}
	return nil, protocol.ErrServiceNotAvailable
}

func (s *Simple) ChooseInterceptPeer(peers Peers) (*peer.Peer, error) {
	var connected, connecting, idle []*peer.Peer
	for _, p := range peers {
		switch p.State() {
		case peer.Connected:
			connected = append(connected, p)
		case peer.Connecting:
			connecting = append(connecting, p)
		case peer.Disconnected:
			idle = append(idle, p)
		}
	}
	for _, tier := range [][]*peer.Peer{connected, connecting, idle} {
		if len(tier) > 0 {
			return tier[rand.IntN(len(tier))], nil
		}
	}
	return nil, protocol.ErrServiceNotAvailable
}

func (s *Simple) RetryCount() int {
	return s.retryCount
}

func (s *Simple) IsRecoverable(err error) bool {
	return protocol.IsRecoverable(err)
}

func (s *Simple) OnError(p *peer.Peer, err error) {
	s.logger.Debug("Peer reported an error",
		log.String("peer", p.UUID()),
		log.Error(err))
}
