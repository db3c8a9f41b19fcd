// Package exit implements the last hop: it removes the final onion layer,
// dispatches the cleartext JSON-RPC request to the healthiest upstream
// provider and seals the provider's answer for the trip back.
package exit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"onionrpc/internal/coordclient"
	"onionrpc/internal/identity"
	"onionrpc/pkg/onion"
	"onionrpc/pkg/proto"
	"onionrpc/pkg/sanitize"
)

const maxProviderResponseBytes = 4 << 20

type Service struct {
	addr            string
	id              identity.Identity
	coord           *coordclient.Client
	sanitizer       sanitize.Sanitizer
	httpClient      *http.Client
	providerRetries int
	heartbeat       time.Duration
	srv             *http.Server
}

func New() (*Service, error) {
	addr := os.Getenv("EXIT_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8082"
	}
	coordURL := os.Getenv("COORDINATOR_URL")
	if coordURL == "" {
		coordURL = "http://127.0.0.1:8080"
	}
	coord, err := coordclient.New(coordURL, os.Getenv("COORDINATOR_PUB"))
	if err != nil {
		return nil, err
	}
	id, err := identity.Load("EXIT")
	if err != nil {
		return nil, err
	}
	retries := 2
	if v, err := strconv.Atoi(os.Getenv("EXIT_PROVIDER_RETRIES")); err == nil && v >= 0 {
		retries = v
	}
	heartbeat := 20 * time.Second
	if v, err := strconv.Atoi(os.Getenv("EXIT_HEARTBEAT_SEC")); err == nil && v > 0 {
		heartbeat = time.Duration(v) * time.Second
	}
	timeout := 10 * time.Second
	if v, err := strconv.Atoi(os.Getenv("EXIT_PROVIDER_TIMEOUT_SEC")); err == nil && v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	return &Service{
		addr:            addr,
		id:              id,
		coord:           coord,
		sanitizer:       sanitize.JSONRPC{},
		httpClient:      &http.Client{Timeout: timeout},
		providerRetries: retries,
		heartbeat:       heartbeat,
	}, nil
}

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
		Role:      proto.RoleExit,
		Status:    proto.StatusOnline,
		PublicKey: s.id.Pub,
		Address:   host,
		Port:      port,
		Region:    s.id.Region,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDispatch)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	log.Printf("exit listening on %s node=%s provider_retries=%d", s.addr, s.id.ID, s.providerRetries)
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	self := s.selfNode()
	if err := s.coord.RegisterNode(ctx, self); err != nil {
		log.Printf("exit initial registration failed: %v", err)
	}
	go s.coord.Heartbeat(ctx, self, s.heartbeat)

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

func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	route, err := onion.ParseRoute(req.Request.Payload.AAD)
	if err != nil {
		log.Printf("exit rejected request=%s: %v", req.Request.ID, err)
		http.Error(w, "relay failure", http.StatusBadRequest)
		return
	}
	if req.Request.CircuitID != route.CircuitID {
		log.Printf("exit rejected request=%s: envelope circuit %s does not match route circuit %s",
			req.Request.ID, req.Request.CircuitID, route.CircuitID)
		http.Error(w, "relay failure", http.StatusBadRequest)
		return
	}
	pos, ok := route.Position(s.id.ID)
	if !ok || !route.IsExit(pos) {
		log.Printf("exit rejected request=%s circuit=%s: node %s not the exit of this route",
			req.Request.ID, route.CircuitID, s.id.ID)
		http.Error(w, "relay failure", http.StatusBadRequest)
		return
	}
	key, err := route.HopKey(pos, s.id.Priv)
	if err != nil {
		log.Printf("exit key derivation failed request=%s circuit=%s: %v", req.Request.ID, route.CircuitID, err)
		http.Error(w, "relay failure", http.StatusBadRequest)
		return
	}
	plaintext, err := onion.Peel(req.Request.Payload, key)
	if err != nil {
		log.Printf("exit final layer decrypt failed request=%s circuit=%s", req.Request.ID, route.CircuitID)
		http.Error(w, "relay failure", http.StatusBadRequest)
		return
	}

	body := s.dispatchToProvider(r.Context(), req.Request.ID, plaintext)
	sealed, err := onion.ReverseSeal(body, key, req.Request.Payload.AAD)
	if err != nil {
		log.Printf("exit reverse seal failed request=%s circuit=%s: %v", req.Request.ID, route.CircuitID, err)
		http.Error(w, "relay failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proto.ExitResponse{Response: proto.Response{
		RequestID: req.Request.ID,
		CircuitID: req.Request.CircuitID,
		Payload:   sealed,
		Timestamp: time.Now().UTC(),
	}})
}

// dispatchToProvider walks providers best-first and returns the first
// successful response body. Every attempt is reported back to the
// coordinator so provider statistics reflect real traffic, not just
// synthetic probes. When every provider fails the client still gets a
// correlated JSON-RPC error envelope.
func (s *Service) dispatchToProvider(ctx context.Context, reqID proto.RequestID, payload []byte) []byte {
	providers, err := s.coord.ActiveProviders(ctx)
	if err != nil {
		log.Printf("exit provider listing failed request=%s: %v", reqID, err)
	}
	if len(providers) == 0 {
		log.Printf("exit has no active providers request=%s", reqID)
		return errorEnvelope(payload, proto.ErrNoProviders.Error())
	}

	attempts := s.providerRetries + 1
	if attempts > len(providers) {
		attempts = len(providers)
	}
	for _, p := range providers[:attempts] {
		body, latency, err := s.callProvider(ctx, p, payload)
		s.reportProbe(p.ID, err == nil, latency)
		if err != nil {
			log.Printf("exit provider dispatch failed request=%s provider=%s: %v", reqID, p.ID, err)
			continue
		}
		return body
	}
	return errorEnvelope(payload, proto.ErrProviderUnavailable.Error())
}

func (s *Service) callProvider(ctx context.Context, p proto.RpcProvider, payload []byte) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, elapsed, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, elapsed, err
	}
	prepared, err := s.sanitizer.PrepareResponse(body)
	if err != nil {
		return nil, elapsed, fmt.Errorf("provider response unparseable: %w", err)
	}
	return prepared, elapsed, nil
}

func (s *Service) reportProbe(id proto.ProviderID, success bool, latency time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.coord.ReportProbe(ctx, proto.ProbeReport{
			ProviderID: id,
			Success:    success,
			LatencyMS:  latency.Milliseconds(),
		}); err != nil {
			log.Printf("exit probe report failed provider=%s: %v", id, err)
		}
	}()
}

// errorEnvelope builds the JSON-RPC error reply for a request that never
// reached a provider, echoing the request id.
func errorEnvelope(request []byte, msg string) []byte {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(request, &env)
	if len(env.ID) == 0 {
		env.ID = json.RawMessage("null")
	}
	out, err := json.Marshal(proto.RpcResult{ID: env.ID, Error: &msg})
	if err != nil {
		return []byte(`{"id":null,"result":null,"error":"` + msg + `"}`)
	}
	return out
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
