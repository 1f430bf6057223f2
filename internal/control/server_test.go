package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/gateway"
)

type fakeGateway struct {
	apps  []gateway.AppInfo
	peers []gateway.PeerInfo
}

func (f *fakeGateway) ID() string { return "gw-1" }

func (f *fakeGateway) Apps(app string) ([]gateway.AppInfo, error) {
	if app == "" {
		return f.apps, nil
	}
	for _, a := range f.apps {
		if a.Name == app {
			return []gateway.AppInfo{a}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", gateway.ErrServiceNotFound, app)
}

func (f *fakeGateway) Peers(uuid string) ([]gateway.PeerInfo, error) {
	if uuid == "" {
		return f.peers, nil
	}
	for _, p := range f.peers {
		if p.UUID == uuid {
			return []gateway.PeerInfo{p}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", gateway.ErrPeerNotRegistered, uuid)
}

func (f *fakeGateway) Resolve(app string) (gateway.Resolution, error) {
	if app != "orders" {
		return gateway.Resolution{}, protocol.NewError(protocol.ErrorCodeServiceNotAvailable,
			"service not available", protocol.ErrServiceNotAvailable).WithContext("app", app)
	}
	return gateway.Resolution{
		Endpoints: []string{"tcp://127.0.0.1:9000"},
		Backends:  []string{"tcp://10.0.0.1:7000"},
		Graph:     graph.App(),
		Version:   3,
	}, nil
}

func newTestServer(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	gw := &fakeGateway{
		apps: []gateway.AppInfo{
			{Name: "billing", Proxy: "virtual::billing", Version: 1, Protocol: graph.ProtocolApp},
			{Name: "orders", Proxy: "virtual::orders", Version: 3, Protocol: graph.ProtocolApp},
		},
		peers: []gateway.PeerInfo{
			{UUID: "u1", Apps: []string{"billing", "orders"}},
			{UUID: "u2", Apps: []string{"orders"}},
		},
	}
	srv, err := New(DefaultConfig(), gw, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL), ts
}

func TestInfo(t *testing.T) {
	client, _ := newTestServer(t)

	info, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gw-1", info.ID)
	assert.Len(t, info.Apps, 2)
	assert.Len(t, info.Peers, 2)
	assert.NotEmpty(t, info.Uptime)
}

func TestPeers(t *testing.T) {
	client, _ := newTestServer(t)

	all, err := client.Peers(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all.Peers, 2)

	one, err := client.Peers(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, one.Peers, 1)
	assert.Equal(t, []string{"orders"}, one.Peers[0].Apps)

	_, err = client.Peers(context.Background(), "missing")
	var rpcErr *json2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, json2.E_INVALID_REQ, rpcErr.Code)
}

func TestApps(t *testing.T) {
	client, _ := newTestServer(t)

	reply, err := client.Apps(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, reply.Apps, 1)
	assert.Equal(t, "virtual::orders", reply.Apps[0].Proxy)
	assert.Equal(t, 3, reply.Apps[0].Version)
}

func TestResolve(t *testing.T) {
	client, _ := newTestServer(t)

	reply, err := client.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://127.0.0.1:9000"}, reply.Endpoints)
	assert.Equal(t, []string{"tcp://10.0.0.1:7000"}, reply.Backends)
	assert.Equal(t, 3, reply.Version)
	assert.Equal(t, graph.Continue, graph.Advance(reply.Graph.Root, graph.EventEnqueue, graph.Forward).Kind)
}

func TestResolveUnknownKeepsErrorCode(t *testing.T) {
	client, _ := newTestServer(t)

	_, err := client.Resolve(context.Background(), "nope")
	var rpcErr *json2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, json2.ErrorCode(protocol.ErrorCodeServiceNotAvailable), rpcErr.Code)
	assert.Equal(t, "service not available", rpcErr.Message)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + PathHealth)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Services)
}

func TestMetricsEndpoint(t *testing.T) {
	client, ts := newTestServer(t)
	_, err := client.Info(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(raw), "vicodyn_control_requests_total"))
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := New(cfg, &fakeGateway{}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)
	require.NoError(t, srv.Start())
	require.ErrorIs(t, srv.Start(), ErrServerAlreadyRunning)

	client := NewClient(srv.Addr())
	info, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gw-1", info.ID)

	require.NoError(t, srv.Stop(context.Background()))
	require.ErrorIs(t, srv.Start(), ErrServerClosed)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := New(cfg, &fakeGateway{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewClientURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7480/rpc", NewClient("127.0.0.1:7480").url)
	assert.Equal(t, "https://gw.local/rpc", NewClient("https://gw.local/").url)
	assert.Equal(t, "http://gw/rpc", NewClient("http://gw/rpc").url)
}
