package entry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"onionrpc/pkg/proto"
)

func postRPC(t *testing.T, url string, req proto.RpcRequest) (*http.Response, proto.RpcResult) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(url+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out proto.RpcResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func TestRPCRejectsUnknownAPIKey(t *testing.T) {
	coord := startCoordinator(t)
	s := newTestEntry(t, coord.URL)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, out := postRPC(t, ts.URL, proto.RpcRequest{
		APIKey: "nope",
		Method: "getHealth",
		ID:     json.RawMessage("1"),
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if out.Error == nil || *out.Error != "invalid api key" {
		t.Fatalf("error = %v", out.Error)
	}
}

func TestRPCRejectsInactiveSubscription(t *testing.T) {
	coord := startCoordinator(t)
	s := newTestEntry(t, coord.URL)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, out := postRPC(t, ts.URL, proto.RpcRequest{
		APIKey: "key-dead",
		Method: "getHealth",
		ID:     json.RawMessage("1"),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if out.Error == nil || *out.Error != "subscription inactive" {
		t.Fatalf("error = %v", out.Error)
	}
}

func TestRPCRejectsMissingMethod(t *testing.T) {
	coord := startCoordinator(t)
	s := newTestEntry(t, coord.URL)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, out := postRPC(t, ts.URL, proto.RpcRequest{
		APIKey: "key-live",
		ID:     json.RawMessage("1"),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out.Error == nil {
		t.Fatal("error missing")
	}
}

func TestRPCSurfacesEmptyTopology(t *testing.T) {
	coord := startCoordinator(t)
	s := newTestEntry(t, coord.URL)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, out := postRPC(t, ts.URL, proto.RpcRequest{
		APIKey: "key-live",
		Method: "getHealth",
		ID:     json.RawMessage("1"),
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if out.Error == nil || *out.Error != "no available nodes with role routing" {
		t.Fatalf("error = %v", out.Error)
	}
}

func TestReceiveUnknownRequest(t *testing.T) {
	coord := startCoordinator(t)
	s := newTestEntry(t, coord.URL)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body, _ := json.Marshal(proto.ReceiveRequest{Response: proto.Response{
		RequestID: proto.NewRequestID(),
		CircuitID: proto.NewCircuitID(),
	}})
	resp, err := http.Post(ts.URL+"/receive", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var ack proto.AckResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Success {
		t.Fatal("unknown response acknowledged as delivered")
	}
}

func TestHealthEndpoint(t *testing.T) {
	coord := startCoordinator(t)
	s := newTestEntry(t, coord.URL)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
