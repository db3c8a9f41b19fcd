// Package coordinator maintains the authoritative topology: which nodes
// and RPC providers exist, how healthy they are, and which of them a
// circuit builder should use.
package coordinator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"onionrpc/pkg/crypto"
	"onionrpc/pkg/proto"
)

type Service struct {
	addr           string
	store          Store
	signPub        ed25519.PublicKey
	signPriv       ed25519.PrivateKey
	httpClient     *http.Client
	healthInterval time.Duration
	probeTimeout   time.Duration
	failThreshold  int
	probeMethod    string
	feedTTL        time.Duration
	kick           chan struct{}
	srv            *http.Server

	failMu    sync.Mutex
	nodeFails map[proto.NodeID]int
}

func New() *Service {
	addr := os.Getenv("COORDINATOR_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	var store Store = NewMemoryStore()
	if redisAddr := os.Getenv("COORDINATOR_REDIS_ADDR"); redisAddr != "" {
		rs := NewRedisStore(redisAddr)
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Printf("coordinator redis unavailable at %s, using in-memory store: %v", redisAddr, err)
		} else {
			log.Printf("coordinator using redis store at %s", redisAddr)
			store = rs
		}
	}

	signPub, signPriv := loadSigningKey()

	probeMethod := os.Getenv("COORDINATOR_PROBE_METHOD")
	if probeMethod == "" {
		probeMethod = "getHealth"
	}

	return &Service{
		addr:           addr,
		store:          store,
		signPub:        signPub,
		signPriv:       signPriv,
		httpClient:     &http.Client{Timeout: time.Duration(envInt("COORDINATOR_PROBE_TIMEOUT_SEC", 5)) * time.Second},
		healthInterval: time.Duration(envInt("COORDINATOR_HEALTH_INTERVAL_SEC", 30)) * time.Second,
		probeTimeout:   time.Duration(envInt("COORDINATOR_PROBE_TIMEOUT_SEC", 5)) * time.Second,
		failThreshold:  envInt("COORDINATOR_NODE_FAIL_THRESHOLD", 3),
		probeMethod:    probeMethod,
		feedTTL:        time.Duration(envInt("COORDINATOR_FEED_TTL_SEC", 60)) * time.Second,
		kick:           make(chan struct{}, 1),
		nodeFails:      make(map[proto.NodeID]int),
	}
}

func loadSigningKey() (ed25519.PublicKey, ed25519.PrivateKey) {
	if raw := os.Getenv("COORDINATOR_SIGNING_KEY"); raw != "" {
		seed, err := base64.RawURLEncoding.DecodeString(raw)
		if err == nil && len(seed) == ed25519.SeedSize {
			priv := ed25519.NewKeyFromSeed(seed)
			return priv.Public().(ed25519.PublicKey), priv
		}
		log.Printf("coordinator ignoring malformed COORDINATOR_SIGNING_KEY")
	}
	pub, priv, err := crypto.GenerateSigningKeypair()
	if err != nil {
		log.Fatalf("coordinator signing keygen: %v", err)
	}
	log.Printf("coordinator generated signing key pub=%s", base64.RawURLEncoding.EncodeToString(pub))
	return pub, priv
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/nodes", s.handleRegisterNode)
	mux.HandleFunc("/nodes/status", s.handleNodeStatus)
	mux.HandleFunc("/nodes/available/", s.handleAvailableNodes)
	mux.HandleFunc("/nodes/info", s.handleNodeInfo)
	mux.HandleFunc("/providers", s.handleRegisterProvider)
	mux.HandleFunc("/providers/status", s.handleProviderStatus)
	mux.HandleFunc("/providers/active", s.handleActiveProviders)
	mux.HandleFunc("/providers/best", s.handleBestProvider)
	mux.HandleFunc("/topology/update", s.handleTopologyUpdate)
	mux.HandleFunc("/rpc/health", s.handleRPCHealth)
	mux.HandleFunc("/pubkey", s.handlePubKey)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	log.Printf("coordinator listening on %s health_interval=%s fail_threshold=%d probe_method=%s",
		s.addr, s.healthInterval, s.failThreshold, s.probeMethod)
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	go s.healthLoop(ctx)

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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.NodeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	n := req.Node
	if n.ID == "" || n.Address == "" || n.Port == 0 {
		http.Error(w, "node id, address and port are required", http.StatusBadRequest)
		return
	}
	if _, err := proto.ParseRole(string(n.Role)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Re-registration (heartbeats included) refreshes address, keys and
	// last_seen but never the status: that belongs to /nodes/status and
	// the probe loop. Otherwise a heartbeat would revert an operator's
	// maintenance within one interval.
	if existing, ok, err := s.store.Node(r.Context(), n.ID); err == nil && ok {
		n.Status = existing.Status
	} else if n.Status == "" {
		n.Status = proto.StatusOnline
	}
	n.LastSeen = time.Now().UTC()
	if err := s.store.RegisterNode(r.Context(), n); err != nil {
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	log.Printf("coordinator registered node id=%s role=%s addr=%s:%d region=%s", n.ID, n.Role, n.Address, n.Port, n.Region)
	writeJSON(w, proto.AckResponse{Success: true})
}

func (s *Service) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.NodeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if _, err := proto.ParseStatus(string(req.Status)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateNodeStatus(r.Context(), req.NodeID, req.Status); err != nil {
		writeJSON(w, proto.AckResponse{Success: false, Error: "unknown node"})
		return
	}
	writeJSON(w, proto.AckResponse{Success: true})
}

func (s *Service) handleAvailableNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role, err := proto.ParseRole(strings.TrimPrefix(r.URL.Path, "/nodes/available/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nodes, err := s.store.AvailableNodes(r.Context(), role)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	now := time.Now().UTC()
	feed := proto.NodeListResponse{
		Nodes:       nodes,
		GeneratedAt: now.Unix(),
		ExpiresAt:   now.Add(s.feedTTL).Unix(),
	}
	sig, err := crypto.SignJSON(feed, s.signPriv)
	if err != nil {
		http.Error(w, "failed to sign node feed", http.StatusInternalServerError)
		return
	}
	feed.Signature = sig
	writeJSON(w, feed)
}

func (s *Service) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := proto.NodeID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	n, ok, err := s.store.Node(r.Context(), id)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	resp := proto.NodeInfoResponse{}
	if ok {
		resp.Node = &n
	}
	writeJSON(w, resp)
}

func (s *Service) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.ProviderRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p := req.Provider
	if p.URL == "" {
		http.Error(w, "provider url required", http.StatusBadRequest)
		return
	}
	if p.ID == "" {
		p.ID = proto.NewProviderID()
	}
	if err := s.store.RegisterProvider(r.Context(), p); err != nil {
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	log.Printf("coordinator registered provider id=%s type=%s active=%t", p.ID, p.ProviderType, p.Active)
	writeJSON(w, proto.AckResponse{Success: true})
}

func (s *Service) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.ProviderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.store.SetProviderActive(r.Context(), req.ProviderID, req.Active); err != nil {
		writeJSON(w, proto.AckResponse{Success: false, Error: "unknown provider"})
		return
	}
	writeJSON(w, proto.AckResponse{Success: true})
}

func (s *Service) handleActiveProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providers, err := s.store.ActiveProviders(r.Context())
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, proto.ProviderListResponse{Providers: rankProviders(providers)})
}

func (s *Service) handleBestProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providers, err := s.store.ActiveProviders(r.Context())
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, proto.BestProviderResponse{Provider: bestProvider(providers)})
}

func (s *Service) handleTopologyUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	writeJSON(w, proto.AckResponse{Success: true})
}

// handleRPCHealth folds dispatch outcomes reported by exit gateways into
// provider statistics, same math as the probe loop.
func (s *Service) handleRPCHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rep proto.ProbeReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if rep.ProviderID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	latency := time.Duration(rep.LatencyMS) * time.Millisecond
	if err := s.store.RecordProviderProbe(r.Context(), rep.ProviderID, rep.Success, latency, time.Now().UTC()); err != nil {
		writeJSON(w, proto.AckResponse{Success: false, Error: "unknown provider"})
		return
	}
	writeJSON(w, proto.AckResponse{Success: true})
}

func (s *Service) handlePubKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"pub_key": base64.RawURLEncoding.EncodeToString(s.signPub)})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.healthPass(ctx)
	}
}

func (s *Service) healthPass(ctx context.Context) {
	s.probeProviders(ctx)
	s.probeNodes(ctx)
}

func (s *Service) probeProviders(ctx context.Context) {
	providers, err := s.store.Providers(ctx)
	if err != nil {
		log.Printf("coordinator provider listing failed: %v", err)
		return
	}
	for _, p := range providers {
		success, latency := s.probeProvider(ctx, p)
		if err := s.store.RecordProviderProbe(ctx, p.ID, success, latency, time.Now().UTC()); err != nil {
			log.Printf("coordinator probe record failed provider=%s: %v", p.ID, err)
		}
	}
}

func (s *Service) probeProvider(ctx context.Context, p proto.RpcProvider) (bool, time.Duration) {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  s.probeMethod,
		"params":  []any{},
	})
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, elapsed
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, elapsed
}

// probeNodes demotes a node to offline only after failThreshold straight
// failures and restores it on the first success, so transient blips never
// flap the status.
func (s *Service) probeNodes(ctx context.Context) {
	nodes, err := s.store.Nodes(ctx)
	if err != nil {
		log.Printf("coordinator node listing failed: %v", err)
		return
	}
	for _, n := range nodes {
		if n.Role == proto.RoleCoordinator {
			continue
		}
		if s.probeNode(ctx, n) {
			s.recordNodeSuccess(ctx, n)
		} else {
			s.recordNodeFailure(ctx, n)
		}
	}
}

func (s *Service) probeNode(ctx context.Context, n proto.Node) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, n.Endpoint()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Service) recordNodeSuccess(ctx context.Context, n proto.Node) {
	s.failMu.Lock()
	hadFailures := s.nodeFails[n.ID] > 0
	delete(s.nodeFails, n.ID)
	s.failMu.Unlock()
	if err := s.store.TouchNode(ctx, n.ID, n.Load, time.Now().UTC()); err != nil {
		log.Printf("coordinator touch failed node=%s: %v", n.ID, err)
	}
	// Only a probe-demoted node is promoted back; maintenance and busy
	// are operator states the health loop must not override.
	if n.Status == proto.StatusOffline {
		if err := s.store.UpdateNodeStatus(ctx, n.ID, proto.StatusOnline); err != nil {
			log.Printf("coordinator restore failed node=%s: %v", n.ID, err)
			return
		}
		log.Printf("coordinator restored node id=%s after successful probe (had_failures=%t)", n.ID, hadFailures)
	}
}

func (s *Service) recordNodeFailure(ctx context.Context, n proto.Node) {
	s.failMu.Lock()
	s.nodeFails[n.ID]++
	fails := s.nodeFails[n.ID]
	s.failMu.Unlock()
	// Only online nodes are demoted. Offline is already demoted, and
	// maintenance/busy are operator states the probe loop must not
	// launder into offline and back.
	if fails < s.failThreshold || n.Status != proto.StatusOnline {
		return
	}
	if err := s.store.UpdateNodeStatus(ctx, n.ID, proto.StatusOffline); err != nil {
		log.Printf("coordinator demote failed node=%s: %v", n.ID, err)
		return
	}
	log.Printf("coordinator demoted node id=%s after %d consecutive probe failures", n.ID, fails)
}

// HealthPass runs one probe cycle immediately. Exposed for the topology
// update hook and tests; Run drives it on a timer.
func (s *Service) HealthPass(ctx context.Context) {
	s.healthPass(ctx)
}
