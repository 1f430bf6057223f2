package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

// Client calls the control service of a running gateway.
type Client struct {
	url  string
	http *http.Client
}

// NewClient accepts either host:port or a full URL.
func NewClient(addr string) *Client {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, PathRPC) {
		url = strings.TrimSuffix(url, "/") + PathRPC
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Call sends one JSON-RPC request. Server-side failures come back as
// *json2.Error.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

func (c *Client) Info(ctx context.Context) (*InfoReply, error) {
	var reply InfoReply
	if err := c.Call(ctx, MethodInfo, &InfoArgs{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Peers(ctx context.Context, uuid string) (*PeersReply, error) {
	var reply PeersReply
	if err := c.Call(ctx, MethodPeers, &PeersArgs{UUID: uuid}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Apps(ctx context.Context, name string) (*AppsReply, error) {
	var reply AppsReply
	if err := c.Call(ctx, MethodApps, &AppsArgs{Name: name}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Resolve(ctx context.Context, name string) (*ResolveReply, error) {
	var reply ResolveReply
	if err := c.Call(ctx, MethodResolve, &ResolveArgs{Name: name}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// closeBody drains the body so the connection can be reused.
func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
