// Package entry implements the client-facing node: it authenticates API
// keys, sanitizes JSON-RPC payloads, builds and caches circuits, wraps
// requests in onion layers and correlates the asynchronous responses that
// flow back through the circuit.
package entry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"onionrpc/internal/coordclient"
	"onionrpc/internal/identity"
	"onionrpc/pkg/onion"
	"onionrpc/pkg/proto"
	"onionrpc/pkg/sanitize"
	"onionrpc/pkg/users"
)

const circuitCacheSize = 4096

type Service struct {
	addr           string
	id             identity.Identity
	users          users.Lookup
	sanitizer      sanitize.Sanitizer
	coord          *coordclient.Client
	circuits       *expirable.LRU[string, *circuitState]
	corr           *correlationTable
	httpClient     *http.Client
	circuitTTL     time.Duration
	routingHops    int
	requestTimeout time.Duration
	heartbeat      time.Duration
	srv            *http.Server
}

func New() (*Service, error) {
	addr := os.Getenv("ENTRY_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8083"
	}
	coordURL := os.Getenv("COORDINATOR_URL")
	if coordURL == "" {
		coordURL = "http://127.0.0.1:8080"
	}
	coord, err := coordclient.New(coordURL, os.Getenv("COORDINATOR_PUB"))
	if err != nil {
		return nil, err
	}
	id, err := identity.Load("ENTRY")
	if err != nil {
		return nil, err
	}
	circuitTTL := time.Duration(envInt("CIRCUIT_TTL_SEC", 3600)) * time.Second
	return &Service{
		addr:           addr,
		id:             id,
		users:          users.FromEnv(),
		sanitizer:      sanitize.JSONRPC{},
		coord:          coord,
		circuits:       expirable.NewLRU[string, *circuitState](circuitCacheSize, nil, circuitTTL),
		corr:           newCorrelationTable(),
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		circuitTTL:     circuitTTL,
		routingHops:    envInt("CIRCUIT_ROUTING_HOPS", 2),
		requestTimeout: time.Duration(envInt("ENTRY_REQUEST_TIMEOUT_SEC", 30)) * time.Second,
		heartbeat:      time.Duration(envInt("ENTRY_HEARTBEAT_SEC", 20)) * time.Second,
	}, nil
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil && v > 0 {
		return v
	}
	return def
}

// selfNode is this entry's own topology record, also the first hop of
// every circuit it builds.
func (s *Service) selfNode() proto.Node {
	host, portStr, err := net.SplitHostPort(s.addr)
	port := 0
	if err == nil {
		port, _ = strconv.Atoi(portStr)
	} else {
		host = s.addr
	}
	return proto.Node{
		ID:        s.id.ID,
		Role:      proto.RoleEntry,
		Status:    proto.StatusOnline,
		PublicKey: s.id.Pub,
		Address:   host,
		Port:      port,
		Region:    s.id.Region,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/receive", s.handleReceive)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	log.Printf("entry listening on %s node=%s routing_hops=%d circuit_ttl=%s request_timeout=%s",
		s.addr, s.id.ID, s.routingHops, s.circuitTTL, s.requestTimeout)
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	self := s.selfNode()
	if err := s.coord.RegisterNode(ctx, self); err != nil {
		log.Printf("entry initial registration failed: %v", err)
	}
	go s.coord.Heartbeat(ctx, self, s.heartbeat)
	go s.sweepLoop(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.corr.sweep(now); n > 0 {
				log.Printf("entry expired %d pending requests", n)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func rpcError(w http.ResponseWriter, status int, id json.RawMessage, msg string) {
	writeJSON(w, status, proto.RpcResult{ID: id, Error: &msg})
}

func (s *Service) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.RpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rpcError(w, http.StatusBadRequest, nil, "invalid json")
		return
	}

	if _, err := users.Authenticate(s.users, req.APIKey); err != nil {
		status := http.StatusUnauthorized
		msg := "invalid api key"
		if errors.Is(err, proto.ErrSubscriptionInactive) {
			status = http.StatusForbidden
			msg = "subscription inactive"
		}
		rpcError(w, status, req.ID, msg)
		return
	}

	raw, err := json.Marshal(map[string]json.RawMessage{
		"id":     req.ID,
		"method": json.RawMessage(strconv.Quote(req.Method)),
		"params": marshalParams(req.Params),
	})
	if err != nil {
		rpcError(w, http.StatusBadRequest, req.ID, "invalid request")
		return
	}
	sanitized, err := s.sanitizer.SanitizeRequest(raw)
	if err != nil {
		rpcError(w, http.StatusBadRequest, req.ID, "malformed rpc request")
		return
	}

	cs, err := s.circuitFor(r.Context(), req.APIKey)
	if err != nil {
		var noNodes proto.NoNodesError
		if errors.As(err, &noNodes) {
			log.Printf("entry circuit build failed: %v", err)
			rpcError(w, http.StatusServiceUnavailable, req.ID, noNodes.Error())
			return
		}
		log.Printf("entry circuit build failed: %v", err)
		rpcError(w, http.StatusServiceUnavailable, req.ID, "circuit unavailable")
		return
	}

	result, err := s.relay(r.Context(), cs, sanitized)
	if err != nil {
		if errors.Is(err, proto.ErrRequestTimeout) {
			s.invalidateCircuit(req.APIKey, cs)
			rpcError(w, http.StatusGatewayTimeout, req.ID, "request timed out")
			return
		}
		// Decrypt and transport failures surface as one generic error;
		// the detail stays in the local log.
		log.Printf("entry relay failed circuit=%s: %v", cs.circuit.ID, err)
		s.invalidateCircuit(req.APIKey, cs)
		rpcError(w, http.StatusBadGateway, req.ID, "relay failure")
		return
	}

	prepared, err := s.sanitizer.PrepareResponse(result)
	if err != nil {
		log.Printf("entry response sanitation failed circuit=%s: %v", cs.circuit.ID, err)
		rpcError(w, http.StatusBadGateway, req.ID, "relay failure")
		return
	}
	var out proto.RpcResult
	if err := json.Unmarshal(prepared, &out); err != nil {
		rpcError(w, http.StatusBadGateway, req.ID, "relay failure")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func marshalParams(params []json.RawMessage) json.RawMessage {
	if params == nil {
		return json.RawMessage("[]")
	}
	b, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

// relay wraps the sanitized payload for the circuit, peels the entry's own
// outermost layer, hands the remainder to the first routing hop and blocks
// until the correlated response returns or times out.
func (s *Service) relay(ctx context.Context, cs *circuitState, payload []byte) ([]byte, error) {
	outer, err := onion.WrapForward(payload, cs.layerKeys, cs.routeAAD)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	peeled, err := onion.Peel(outer, cs.layerKeys[0])
	if err != nil {
		return nil, fmt.Errorf("peel own layer: %w", err)
	}
	firstLayer, err := onion.ParseLayer(peeled)
	if err != nil {
		return nil, err
	}

	req := proto.Request{
		ID:        proto.NewRequestID(),
		CircuitID: cs.circuit.ID,
		Payload:   firstLayer,
		Timestamp: time.Now().UTC(),
	}
	wait := s.corr.register(req.ID, req.CircuitID, s.requestTimeout)

	if err := s.dispatch(ctx, cs.firstHop, req); err != nil {
		s.corr.drop(req.ID)
		return nil, fmt.Errorf("dispatch to first hop: %w", err)
	}

	select {
	case <-ctx.Done():
		s.corr.drop(req.ID)
		return nil, ctx.Err()
	case res := <-wait:
		if res.err != nil {
			return nil, res.err
		}
		return onion.UnwrapReverse(res.resp.Payload, cs.layerKeys[1:])
	}
}

func (s *Service) dispatch(ctx context.Context, hopURL string, req proto.Request) error {
	payload, err := json.Marshal(proto.ForwardRequest{Request: req})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, hopURL+"/forward", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hop returned status %d", resp.StatusCode)
	}
	var ack proto.ForwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("hop rejected request: %s", ack.Error)
	}
	return nil
}

// handleReceive is the reverse-path terminus: the first routing hop pushes
// fully accumulated responses here.
func (s *Service) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.ReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.corr.resolve(req.Response.RequestID, req.Response); err != nil {
		log.Printf("entry dropped response request=%s circuit=%s: %v",
			req.Response.RequestID, req.Response.CircuitID, err)
		writeJSON(w, http.StatusOK, proto.AckResponse{Success: false, Error: "unknown request"})
		return
	}
	writeJSON(w, http.StatusOK, proto.AckResponse{Success: true})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
