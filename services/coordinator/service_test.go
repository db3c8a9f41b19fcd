package coordinator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"onionrpc/pkg/crypto"
	"onionrpc/pkg/proto"
)

func newTestService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	s := New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestRegisterNodeAndSignedFeed(t *testing.T) {
	_, ts := newTestService(t)

	for _, n := range []proto.Node{
		testNode("r1", proto.RoleRouting, proto.StatusOnline),
		testNode("r2", proto.RoleRouting, ""),
		testNode("e1", proto.RoleEntry, proto.StatusOnline),
	} {
		resp := postJSON(t, ts.URL+"/nodes", proto.NodeRegisterRequest{Node: n})
		var ack proto.AckResponse
		decodeJSON(t, resp, &ack)
		if !ack.Success {
			t.Fatalf("register %s failed: %s", n.ID, ack.Error)
		}
	}

	resp, err := http.Get(ts.URL + "/nodes/available/routing")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	var feed proto.NodeListResponse
	decodeJSON(t, resp, &feed)
	if len(feed.Nodes) != 2 {
		t.Fatalf("feed has %d nodes, want 2", len(feed.Nodes))
	}
	if feed.Signature == "" || feed.ExpiresAt <= feed.GeneratedAt {
		t.Fatalf("feed metadata = %+v", feed)
	}

	resp, err = http.Get(ts.URL + "/pubkey")
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	var pk map[string]string
	decodeJSON(t, resp, &pk)
	pub, err := base64.RawURLEncoding.DecodeString(pk["pub_key"])
	if err != nil {
		t.Fatalf("pubkey decode: %v", err)
	}

	sig := feed.Signature
	feed.Signature = ""
	if err := crypto.VerifyJSON(feed, sig, pub); err != nil {
		t.Fatalf("feed signature rejected: %v", err)
	}

	feed.Nodes[0].Address = "10.0.0.66"
	if err := crypto.VerifyJSON(feed, sig, pub); err == nil {
		t.Fatal("tampered feed accepted")
	}
}

func TestRegisterNodeValidation(t *testing.T) {
	_, ts := newTestService(t)

	bad := []proto.Node{
		{Role: proto.RoleEntry, Address: "127.0.0.1", Port: 9000},            // no id
		testNode("x1", "submarine", proto.StatusOnline),                      // bad role
		{ID: "x2", Role: proto.RoleExit, Address: "127.0.0.1"},               // no port
	}
	for _, n := range bad {
		resp := postJSON(t, ts.URL+"/nodes", proto.NodeRegisterRequest{Node: n})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("node %+v accepted with status %d", n, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/nodes/available/submarine")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad role feed status = %d, want 400", resp.StatusCode)
	}
}

func TestNodeInfoEndpoint(t *testing.T) {
	_, ts := newTestService(t)

	n := testNode("n1", proto.RoleEntry, proto.StatusOnline)
	postJSON(t, ts.URL+"/nodes", proto.NodeRegisterRequest{Node: n}).Body.Close()

	resp, err := http.Get(ts.URL + "/nodes/info?id=n1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var info proto.NodeInfoResponse
	decodeJSON(t, resp, &info)
	if info.Node == nil || info.Node.ID != "n1" {
		t.Fatalf("info = %+v", info)
	}

	resp, err = http.Get(ts.URL + "/nodes/info?id=ghost")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	decodeJSON(t, resp, &info)
	if info.Node != nil {
		t.Fatalf("unknown node info = %+v", info.Node)
	}
}

func TestProviderEndpoints(t *testing.T) {
	_, ts := newTestService(t)

	a := testProvider("provider-a", true, 0.99, 20e6)
	b := testProvider("provider-b", true, 0.98, 10e6)
	for _, p := range []proto.RpcProvider{a, b} {
		resp := postJSON(t, ts.URL+"/providers", proto.ProviderRegisterRequest{Provider: p})
		var ack proto.AckResponse
		decodeJSON(t, resp, &ack)
		if !ack.Success {
			t.Fatalf("register %s failed: %s", p.ID, ack.Error)
		}
	}

	var best proto.BestProviderResponse
	resp, err := http.Get(ts.URL + "/providers/best")
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	decodeJSON(t, resp, &best)
	if best.Provider == nil || best.Provider.ID != "provider-a" {
		t.Fatalf("best = %+v, want provider-a", best.Provider)
	}

	postJSON(t, ts.URL+"/providers/status", proto.ProviderStatusRequest{ProviderID: "provider-a", Active: false}).Body.Close()
	resp, _ = http.Get(ts.URL + "/providers/best")
	decodeJSON(t, resp, &best)
	if best.Provider == nil || best.Provider.ID != "provider-b" {
		t.Fatalf("best after deactivation = %+v, want provider-b", best.Provider)
	}

	postJSON(t, ts.URL+"/providers/status", proto.ProviderStatusRequest{ProviderID: "provider-b", Active: false}).Body.Close()
	resp, _ = http.Get(ts.URL + "/providers/best")
	decodeJSON(t, resp, &best)
	if best.Provider != nil {
		t.Fatalf("best with all inactive = %+v, want null", best.Provider)
	}

	resp, _ = http.Get(ts.URL + "/providers/active")
	var list proto.ProviderListResponse
	decodeJSON(t, resp, &list)
	if len(list.Providers) != 0 {
		t.Fatalf("active list = %+v, want empty", list.Providers)
	}
}

func TestRPCHealthReportFoldsIntoStats(t *testing.T) {
	s, ts := newTestService(t)

	p := testProvider("p1", true, 0, 0)
	postJSON(t, ts.URL+"/providers", proto.ProviderRegisterRequest{Provider: p}).Body.Close()

	resp := postJSON(t, ts.URL+"/rpc/health", proto.ProbeReport{ProviderID: "p1", Success: true, LatencyMS: 30})
	var ack proto.AckResponse
	decodeJSON(t, resp, &ack)
	if !ack.Success {
		t.Fatalf("report rejected: %s", ack.Error)
	}

	got, _, _ := s.store.Provider(context.Background(), "p1")
	if got.LastChecked.IsZero() {
		t.Fatal("report did not touch provider")
	}

	resp = postJSON(t, ts.URL+"/rpc/health", proto.ProbeReport{ProviderID: "ghost", Success: true})
	decodeJSON(t, resp, &ack)
	if ack.Success {
		t.Fatal("report for unknown provider accepted")
	}
}

func TestNodeProbeHysteresis(t *testing.T) {
	t.Setenv("COORDINATOR_NODE_FAIL_THRESHOLD", "2")
	s := New()
	ctx := context.Background()

	var healthy atomic.Bool
	healthy.Store(true)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer target.Close()

	host, portStr, err := net.SplitHostPort(target.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	n := proto.Node{ID: "n1", Role: proto.RoleRouting, Status: proto.StatusOnline, Address: host, Port: port}
	if err := s.store.RegisterNode(ctx, n); err != nil {
		t.Fatalf("register: %v", err)
	}

	// One failure is below threshold and must not demote.
	healthy.Store(false)
	s.HealthPass(ctx)
	got, _, _ := s.store.Node(ctx, "n1")
	if got.Status != proto.StatusOnline {
		t.Fatalf("status after one failure = %s, want online", got.Status)
	}

	s.HealthPass(ctx)
	got, _, _ = s.store.Node(ctx, "n1")
	if got.Status != proto.StatusOffline {
		t.Fatalf("status after threshold failures = %s, want offline", got.Status)
	}

	healthy.Store(true)
	s.HealthPass(ctx)
	got, _, _ = s.store.Node(ctx, "n1")
	if got.Status != proto.StatusOnline {
		t.Fatalf("status after recovery = %s, want online", got.Status)
	}
}

func TestReRegisterPreservesOperatorStatus(t *testing.T) {
	_, ts := newTestService(t)

	n := testNode("r1", proto.RoleRouting, proto.StatusOnline)
	postJSON(t, ts.URL+"/nodes", proto.NodeRegisterRequest{Node: n}).Body.Close()

	resp := postJSON(t, ts.URL+"/nodes/status", proto.NodeStatusRequest{NodeID: "r1", Status: proto.StatusMaintenance})
	var ack proto.AckResponse
	decodeJSON(t, resp, &ack)
	if !ack.Success {
		t.Fatalf("status update rejected: %s", ack.Error)
	}

	// A heartbeat re-registers the same record with status online; the
	// stored status must survive it.
	postJSON(t, ts.URL+"/nodes", proto.NodeRegisterRequest{Node: n}).Body.Close()

	resp, err := http.Get(ts.URL + "/nodes/info?id=r1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var info proto.NodeInfoResponse
	decodeJSON(t, resp, &info)
	if info.Node == nil || info.Node.Status != proto.StatusMaintenance {
		t.Fatalf("status after re-register = %+v, want maintenance", info.Node)
	}

	// And the node stays out of the selection feed the whole time.
	resp, err = http.Get(ts.URL + "/nodes/available/routing")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	var feed proto.NodeListResponse
	decodeJSON(t, resp, &feed)
	if len(feed.Nodes) != 0 {
		t.Fatalf("feed = %+v, maintenance node must not be selectable", feed.Nodes)
	}
}

func TestFailedProbesDoNotDemoteMaintenanceNode(t *testing.T) {
	t.Setenv("COORDINATOR_NODE_FAIL_THRESHOLD", "1")
	s := New()
	ctx := context.Background()

	// Port 1 refuses connections, so every probe fails.
	n := proto.Node{ID: "m2", Role: proto.RoleRouting, Status: proto.StatusMaintenance, Address: "127.0.0.1", Port: 1}
	if err := s.store.RegisterNode(ctx, n); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.HealthPass(ctx)
	s.HealthPass(ctx)
	got, _, _ := s.store.Node(ctx, "m2")
	if got.Status != proto.StatusMaintenance {
		t.Fatalf("status = %s, failed probes must not demote maintenance", got.Status)
	}
}

func TestHealthPassLeavesMaintenanceAlone(t *testing.T) {
	t.Setenv("COORDINATOR_NODE_FAIL_THRESHOLD", "1")
	s := New()
	ctx := context.Background()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	host, portStr, _ := net.SplitHostPort(target.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	n := proto.Node{ID: "m1", Role: proto.RoleExit, Status: proto.StatusMaintenance, Address: host, Port: port}
	if err := s.store.RegisterNode(ctx, n); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.HealthPass(ctx)
	got, _, _ := s.store.Node(ctx, "m1")
	if got.Status != proto.StatusMaintenance {
		t.Fatalf("status = %s, maintenance must be sticky", got.Status)
	}
}

func TestTopologyUpdateAck(t *testing.T) {
	_, ts := newTestService(t)
	resp := postJSON(t, ts.URL+"/topology/update", struct{}{})
	var ack proto.AckResponse
	decodeJSON(t, resp, &ack)
	if !ack.Success {
		t.Fatalf("topology update rejected: %s", ack.Error)
	}
}
