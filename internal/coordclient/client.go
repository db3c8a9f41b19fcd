// Package coordclient is the HTTP client every node role uses to talk to
// the coordinator: registration, heartbeats, topology reads and provider
// selection. Node list feeds are signature-checked when a coordinator
// public key is pinned.
package coordclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"onionrpc/pkg/crypto"
	"onionrpc/pkg/proto"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	feedPub    ed25519.PublicKey
}

// New builds a client for the coordinator at baseURL. pinnedPubB64 is an
// optional base64 coordinator signing key; when set, every node list feed
// must verify against it.
func New(baseURL string, pinnedPubB64 string) (*Client, error) {
	c := &Client{
		baseURL:    normalizeHTTPURL(baseURL),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	if pinnedPubB64 != "" {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(pinnedPubB64))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid pinned coordinator pubkey")
		}
		c.feedPub = ed25519.PublicKey(raw)
	}
	return c, nil
}

func normalizeHTTPURL(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return v
	}
	return "http://" + v
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator %s status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator %s status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) RegisterNode(ctx context.Context, n proto.Node) error {
	var ack proto.AckResponse
	if err := c.postJSON(ctx, "/nodes", proto.NodeRegisterRequest{Node: n}, &ack); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("register node: %s", ack.Error)
	}
	return nil
}

func (c *Client) UpdateNodeStatus(ctx context.Context, id proto.NodeID, status proto.NodeStatus) error {
	var ack proto.AckResponse
	if err := c.postJSON(ctx, "/nodes/status", proto.NodeStatusRequest{NodeID: id, Status: status}, &ack); err != nil {
		return fmt.Errorf("update node status: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("update node status: %s", ack.Error)
	}
	return nil
}

// AvailableNodes fetches online nodes for a role. When a coordinator key
// is pinned the feed signature and expiry are enforced; a bad feed is an
// error, never an empty result, so callers can tell tampering from a thin
// topology.
func (c *Client) AvailableNodes(ctx context.Context, role proto.NodeRole) ([]proto.Node, error) {
	var feed proto.NodeListResponse
	if err := c.getJSON(ctx, "/nodes/available/"+string(role), &feed); err != nil {
		return nil, err
	}
	if c.feedPub != nil {
		sig := feed.Signature
		feed.Signature = ""
		if err := crypto.VerifyJSON(feed, sig, c.feedPub); err != nil {
			return nil, fmt.Errorf("node feed for %s: %w", role, err)
		}
		feed.Signature = sig
		if feed.ExpiresAt > 0 && time.Now().Unix() > feed.ExpiresAt {
			return nil, fmt.Errorf("node feed for %s expired", role)
		}
	}
	return feed.Nodes, nil
}

func (c *Client) NodeInfo(ctx context.Context, id proto.NodeID) (*proto.Node, error) {
	var out proto.NodeInfoResponse
	if err := c.getJSON(ctx, "/nodes/info?id="+string(id), &out); err != nil {
		return nil, err
	}
	return out.Node, nil
}

func (c *Client) RegisterProvider(ctx context.Context, p proto.RpcProvider) error {
	var ack proto.AckResponse
	if err := c.postJSON(ctx, "/providers", proto.ProviderRegisterRequest{Provider: p}, &ack); err != nil {
		return fmt.Errorf("register provider: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("register provider: %s", ack.Error)
	}
	return nil
}

func (c *Client) BestProvider(ctx context.Context) (*proto.RpcProvider, error) {
	var out proto.BestProviderResponse
	if err := c.getJSON(ctx, "/providers/best", &out); err != nil {
		return nil, err
	}
	return out.Provider, nil
}

// ActiveProviders returns active providers ranked best first.
func (c *Client) ActiveProviders(ctx context.Context) ([]proto.RpcProvider, error) {
	var out proto.ProviderListResponse
	if err := c.getJSON(ctx, "/providers/active", &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

func (c *Client) ReportProbe(ctx context.Context, rep proto.ProbeReport) error {
	var ack proto.AckResponse
	if err := c.postJSON(ctx, "/rpc/health", rep, &ack); err != nil {
		return fmt.Errorf("report probe: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("report probe: %s", ack.Error)
	}
	return nil
}

// Heartbeat re-registers the node on an interval so the coordinator keeps
// a fresh last_seen. Blocks until ctx is done.
func (c *Client) Heartbeat(ctx context.Context, n proto.Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.RegisterNode(ctx, n); err != nil {
			log.Printf("%s heartbeat failed node=%s: %v", n.Role, n.ID, err)
		}
	}
}
