package balancer

import (
	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/peer"
)

const DefaultRouteHeader = "x-vicodyn-route-key"

// Hash routes calls carrying the same route key to the same connected peer
// with rendezvous hashing. Calls without the header, or whose preferred
// peers were all tried, are placed by Simple.
type Hash struct {
	*Simple
	header string
}

func NewHash(cfg Config, logger log.Log) (Balancer, error) {
	simple, err := newSimple(cfg, logger)
	if err != nil {
		return nil, err
	}
	header, err := stringArg(cfg.Args, "header", DefaultRouteHeader)
	if err != nil {
		return nil, err
	}
	return &Hash{Simple: simple, header: header}, nil
}

func (h *Hash) ChoosePeer(req Request, peers Peers) (*peer.Peer, error) {
	key, ok := req.Headers.Get(h.header)
	if !ok || len(key) == 0 {
		return h.Simple.ChoosePeer(req, peers)
	}

	var (
		best      *peer.Peer
		bestScore uint64
	)
	for _, p := range peers {
		if p.State() != peer.Connected || req.HasTried(p.UUID()) {
			continue
		}
		if score := rendezvous(key, p.UUID()); best == nil || score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return h.Simple.ChoosePeer(req, peers)
	}
	return best, nil
}

func rendezvous(key []byte, uuid string) uint64 {
	d := xxhash.New()
	_, _ = d.Write(key)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(uuid)
	return d.Sum64()
}
