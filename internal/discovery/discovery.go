// Package discovery feeds backend registrations into the gateway from a
// static list, an etcd prefix or a memberlist cluster.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeusync/vicodyn/internal/core/graph"
)

var (
	ErrInvalidAnnouncement = errors.New("discovery: invalid announcement")
	ErrUnknownProtocol     = errors.New("discovery: unknown protocol")
)

// Sink receives membership changes.
type Sink interface {
	Consume(uuid, app string, version int, endpoints []string, g graph.Graph, extra map[string]string) error
	Cleanup(uuid, app string) bool
	CleanupAll(uuid string) int
}

// Source pushes registrations into a sink until ctx is done.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Announcement is what a backend publishes about one of its services.
type Announcement struct {
	UUID      string            `json:"uuid"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Protocol  string            `json:"protocol,omitempty"`
	Graph     *graph.Graph      `json:"graph,omitempty"`
	Endpoints []string          `json:"endpoints"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (a Announcement) Validate() error {
	switch {
	case a.UUID == "":
		return fmt.Errorf("%w: missing uuid", ErrInvalidAnnouncement)
	case a.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidAnnouncement)
	case len(a.Endpoints) == 0:
		return fmt.Errorf("%w: %s has no endpoints", ErrInvalidAnnouncement, a.Name)
	}
	return nil
}

// ProtocolGraph returns the inline graph or the built-in one named by
// Protocol.
func (a Announcement) ProtocolGraph() (graph.Graph, error) {
	if a.Graph != nil {
		return *a.Graph, nil
	}
	g, ok := graph.Lookup(a.Protocol)
	if !ok {
		return graph.Graph{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, a.Protocol)
	}
	return g, nil
}

// Key identifies the registration inside a sink.
func (a Announcement) Key() string {
	return a.UUID + "/" + a.Name
}

func decodeAnnouncement(raw []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}
	return a, a.Validate()
}

// apply registers a with sink.
func apply(sink Sink, a Announcement) error {
	if err := a.Validate(); err != nil {
		return err
	}
	g, err := a.ProtocolGraph()
	if err != nil {
		return err
	}
	return sink.Consume(a.UUID, a.Name, a.Version, a.Endpoints, g, a.Extra)
}
