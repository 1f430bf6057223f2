package control

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/gateway"
)

// ServiceName prefixes every method, e.g. "vicodyn.Info".
const ServiceName = "vicodyn"

// Method names as sent by clients.
const (
	MethodInfo    = ServiceName + ".Info"
	MethodPeers   = ServiceName + ".Peers"
	MethodApps    = ServiceName + ".Apps"
	MethodResolve = ServiceName + ".Resolve"
)

// Gateway is the part of the gateway the control service reads.
type Gateway interface {
	ID() string
	Apps(app string) ([]gateway.AppInfo, error)
	Peers(uuid string) ([]gateway.PeerInfo, error)
	Resolve(app string) (gateway.Resolution, error)
}

type InfoArgs struct{}

type InfoReply struct {
	ID     string             `json:"id"`
	Uptime string             `json:"uptime"`
	Apps   []gateway.AppInfo  `json:"apps"`
	Peers  []gateway.PeerInfo `json:"peers"`
}

type PeersArgs struct {
	UUID string `json:"uuid,omitempty"`
}

type PeersReply struct {
	Peers []gateway.PeerInfo `json:"peers"`
}

type AppsArgs struct {
	Name string `json:"name,omitempty"`
}

type AppsReply struct {
	Apps []gateway.AppInfo `json:"apps"`
}

type ResolveArgs struct {
	Name string `json:"name"`
}

type ResolveReply struct {
	gateway.Resolution
}

// Service exposes gateway state over JSON-RPC 2.0.
type Service struct {
	gw      Gateway
	logger  log.Log
	started time.Time
}

func NewService(gw Gateway, logger log.Log) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{gw: gw, logger: logger, started: time.Now()}
}

func (s *Service) Info(_ *http.Request, _ *InfoArgs, reply *InfoReply) error {
	apps, err := s.gw.Apps("")
	if err != nil {
		return rpcError(err)
	}
	peers, err := s.gw.Peers("")
	if err != nil {
		return rpcError(err)
	}
	reply.ID = s.gw.ID()
	reply.Uptime = time.Since(s.started).Truncate(time.Second).String()
	reply.Apps = apps
	reply.Peers = peers
	return nil
}

func (s *Service) Peers(_ *http.Request, args *PeersArgs, reply *PeersReply) error {
	peers, err := s.gw.Peers(args.UUID)
	if err != nil {
		return rpcError(err)
	}
	reply.Peers = peers
	return nil
}

func (s *Service) Apps(_ *http.Request, args *AppsArgs, reply *AppsReply) error {
	apps, err := s.gw.Apps(args.Name)
	if err != nil {
		return rpcError(err)
	}
	reply.Apps = apps
	return nil
}

func (s *Service) Resolve(_ *http.Request, args *ResolveArgs, reply *ResolveReply) error {
	res, err := s.gw.Resolve(args.Name)
	if err != nil {
		s.logger.Debug("Resolve failed", log.String("app", args.Name), log.Error(err))
		return rpcError(err)
	}
	reply.Resolution = res
	return nil
}

// rpcError keeps the numeric code of protocol errors visible to clients.
func rpcError(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return &json2.Error{
			Code:    json2.ErrorCode(perr.Code),
			Message: perr.Message,
			Data:    perr.Context,
		}
	}
	switch {
	case errors.Is(err, gateway.ErrServiceNotFound), errors.Is(err, gateway.ErrPeerNotRegistered):
		return &json2.Error{Code: json2.E_INVALID_REQ, Message: err.Error()}
	}
	return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
}
