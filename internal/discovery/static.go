package discovery

import (
	"context"

	"github.com/google/uuid"

	"github.com/zeusync/vicodyn/internal/config"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
)

// Static registers a fixed list of replicas and removes them on shutdown.
type Static struct {
	services []Announcement
	logger   log.Log
}

// NewStatic assigns a uuid to every entry that has none.
func NewStatic(services []config.StaticService, logger log.Log) *Static {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Static{logger: logger.With(log.Component("discovery.static"))}
	for _, svc := range services {
		id := svc.UUID
		if id == "" {
			id = uuid.NewString()
		}
		a := Announcement{
			UUID:      id,
			Name:      svc.Name,
			Version:   svc.Version,
			Protocol:  svc.Protocol,
			Endpoints: svc.Endpoints,
		}
		if svc.Local {
			a.Extra = map[string]string{"local": "true"}
		}
		s.services = append(s.services, a)
	}
	return s
}

func (s *Static) Announcements() []Announcement {
	return s.services
}

func (s *Static) Run(ctx context.Context, sink Sink) error {
	for _, a := range s.services {
		if err := apply(sink, a); err != nil {
			return err
		}
		s.logger.Info("Registered static backend",
			log.String("app", a.Name),
			log.String("uuid", a.UUID),
			log.Strings("endpoints", a.Endpoints))
	}

	<-ctx.Done()

	for _, a := range s.services {
		sink.Cleanup(a.UUID, a.Name)
	}
	return nil
}
