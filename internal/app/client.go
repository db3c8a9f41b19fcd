package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"onionrpc/pkg/proto"
)

// Client is the demo traffic driver: it periodically sends a JSON-RPC
// request through the entry node and logs the relayed answer. Useful for
// smoke-testing a running deployment end to end.
type Client struct {
	entryURL   string
	apiKey     string
	method     string
	interval   time.Duration
	httpClient *http.Client
}

func NewClient() *Client {
	entryURL := os.Getenv("ENTRY_URL")
	if entryURL == "" {
		entryURL = "http://127.0.0.1:8083"
	}
	method := os.Getenv("CLIENT_METHOD")
	if method == "" {
		method = "getHealth"
	}
	intervalSec := 5
	if v, err := strconv.Atoi(os.Getenv("CLIENT_INTERVAL_SEC")); err == nil && v > 0 {
		intervalSec = v
	}
	return &Client{
		entryURL:   entryURL,
		apiKey:     os.Getenv("CLIENT_API_KEY"),
		method:     method,
		interval:   time.Duration(intervalSec) * time.Second,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Run(ctx context.Context) error {
	log.Printf("client role enabled: entry=%s method=%s interval=%s", c.entryURL, c.method, c.interval)
	if c.apiKey == "" {
		return fmt.Errorf("client role requires CLIENT_API_KEY")
	}

	if err := c.send(ctx); err != nil {
		log.Printf("client request failed: %v", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.send(ctx); err != nil {
				log.Printf("client request failed: %v", err)
			}
		}
	}
}

func (c *Client) send(ctx context.Context) error {
	payload, err := json.Marshal(proto.RpcRequest{
		APIKey: c.apiKey,
		Method: c.method,
		Params: []json.RawMessage{},
		ID:     json.RawMessage("1"),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.entryURL+"/", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out proto.RpcResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Error != nil {
		return fmt.Errorf("relay error: %s", *out.Error)
	}
	log.Printf("client relayed method=%s result=%s", c.method, string(out.Result))
	return nil
}
