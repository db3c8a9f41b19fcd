// Package routing implements the middle hop of a circuit. It holds no
// per-circuit state: every message carries its route header as AAD, and
// the hop derives only its own layer key from that header and its node
// private key.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
)

type Service struct {
	addr       string
	id         identity.Identity
	coord      *coordclient.Client
	httpClient *http.Client
	heartbeat  time.Duration
	srv        *http.Server
}

func New() (*Service, error) {
	addr := os.Getenv("ROUTING_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8081"
	}
	coordURL := os.Getenv("COORDINATOR_URL")
	if coordURL == "" {
		coordURL = "http://127.0.0.1:8080"
	}
	coord, err := coordclient.New(coordURL, os.Getenv("COORDINATOR_PUB"))
	if err != nil {
		return nil, err
	}
	id, err := identity.Load("ROUTING")
	if err != nil {
		return nil, err
	}
	heartbeat := 20 * time.Second
	if v, err := strconv.Atoi(os.Getenv("ROUTING_HEARTBEAT_SEC")); err == nil && v > 0 {
		heartbeat = time.Duration(v) * time.Second
	}
	return &Service{
		addr:       addr,
		id:         id,
		coord:      coord,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		heartbeat:  heartbeat,
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
		Role:      proto.RoleRouting,
		Status:    proto.StatusOnline,
		PublicKey: s.id.Pub,
		Address:   host,
		Port:      port,
		Region:    s.id.Region,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/receive", s.handleReceive)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	log.Printf("routing listening on %s node=%s", s.addr, s.id.ID)
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	self := s.selfNode()
	if err := s.coord.RegisterNode(ctx, self); err != nil {
		log.Printf("routing initial registration failed: %v", err)
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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// locate parses the route header off an encrypted payload and finds this
// node's position and layer key in it.
func (s *Service) locate(enc proto.EncryptedData) (onion.Route, int, proto.CryptoKey, error) {
	route, err := onion.ParseRoute(enc.AAD)
	if err != nil {
		return onion.Route{}, 0, nil, err
	}
	pos, ok := route.Position(s.id.ID)
	if !ok {
		return onion.Route{}, 0, nil, fmt.Errorf("node %s is not on route for circuit %s", s.id.ID, route.CircuitID)
	}
	if pos == 0 || route.IsExit(pos) {
		return onion.Route{}, 0, nil, fmt.Errorf("node %s holds a terminal position on circuit %s", s.id.ID, route.CircuitID)
	}
	key, err := route.HopKey(pos, s.id.Priv)
	if err != nil {
		return onion.Route{}, 0, nil, err
	}
	return route, pos, key, nil
}

// handleForward peels this hop's layer and acks, then moves the request
// toward the exit off the request cycle. The ack only confirms the layer
// was valid; delivery failures travel back as missing responses, which the
// entry times out.
func (s *Service) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	route, pos, key, err := s.locate(req.Request.Payload)
	if err != nil {
		log.Printf("routing rejected forward circuit=%s request=%s: %v", req.Request.CircuitID, req.Request.ID, err)
		writeJSON(w, proto.ForwardResponse{Success: false, Error: "relay failure"})
		return
	}
	inner, err := onion.Peel(req.Request.Payload, key)
	if err != nil {
		log.Printf("routing layer decrypt failed circuit=%s request=%s pos=%d", req.Request.CircuitID, req.Request.ID, pos)
		writeJSON(w, proto.ForwardResponse{Success: false, Error: "relay failure"})
		return
	}
	nextLayer, err := onion.ParseLayer(inner)
	if err != nil {
		log.Printf("routing inner layer undecodable circuit=%s request=%s pos=%d", req.Request.CircuitID, req.Request.ID, pos)
		writeJSON(w, proto.ForwardResponse{Success: false, Error: "relay failure"})
		return
	}

	writeJSON(w, proto.ForwardResponse{Success: true})

	next := proto.Request{
		ID:        req.Request.ID,
		CircuitID: req.Request.CircuitID,
		Payload:   nextLayer,
		Timestamp: time.Now().UTC(),
	}
	go s.forwardOnward(route, pos, key, next)
}

// forwardOnward either relays to the next routing hop or, when the next
// hop is the exit, performs the synchronous exit exchange and starts the
// response on its way back.
func (s *Service) forwardOnward(route onion.Route, pos int, key proto.CryptoKey, req proto.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !route.IsExit(pos + 1) {
		if err := s.postForward(ctx, route.URL(pos+1), req); err != nil {
			log.Printf("routing forward to next hop failed circuit=%s request=%s: %v", req.CircuitID, req.ID, err)
		}
		return
	}

	resp, err := s.callExit(ctx, route.URL(pos+1), req)
	if err != nil {
		log.Printf("routing exit exchange failed circuit=%s request=%s: %v", req.CircuitID, req.ID, err)
		return
	}
	wrapped, err := onion.AddReverseLayer(resp.Payload, key, resp.Payload.AAD)
	if err != nil {
		log.Printf("routing reverse wrap failed circuit=%s request=%s: %v", req.CircuitID, req.ID, err)
		return
	}
	resp.Payload = wrapped
	resp.Timestamp = time.Now().UTC()
	if err := s.postReceive(ctx, backwardURL(route, pos), resp); err != nil {
		log.Printf("routing reverse push failed circuit=%s request=%s: %v", req.CircuitID, req.ID, err)
	}
}

// handleReceive adds this hop's reverse layer and pushes the response one
// hop closer to the entry.
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

	route, pos, key, err := s.locate(req.Response.Payload)
	if err != nil {
		log.Printf("routing rejected receive circuit=%s request=%s: %v", req.Response.CircuitID, req.Response.RequestID, err)
		writeJSON(w, proto.AckResponse{Success: false, Error: "relay failure"})
		return
	}
	wrapped, err := onion.AddReverseLayer(req.Response.Payload, key, req.Response.Payload.AAD)
	if err != nil {
		log.Printf("routing reverse wrap failed circuit=%s request=%s: %v", req.Response.CircuitID, req.Response.RequestID, err)
		writeJSON(w, proto.AckResponse{Success: false, Error: "relay failure"})
		return
	}

	writeJSON(w, proto.AckResponse{Success: true})

	resp := proto.Response{
		RequestID: req.Response.RequestID,
		CircuitID: req.Response.CircuitID,
		Payload:   wrapped,
		Timestamp: time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.postReceive(ctx, backwardURL(route, pos), resp); err != nil {
			log.Printf("routing reverse push failed circuit=%s request=%s: %v", resp.CircuitID, resp.RequestID, err)
		}
	}()
}

// backwardURL is where a response goes next: the previous routing hop's
// receive endpoint, or the entry's when this is the first routing hop.
func backwardURL(route onion.Route, pos int) string {
	return route.URL(pos-1) + "/receive"
}

func (s *Service) postForward(ctx context.Context, hopURL string, req proto.Request) error {
	var ack proto.ForwardResponse
	if err := s.postJSON(ctx, hopURL+"/forward", proto.ForwardRequest{Request: req}, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("next hop rejected request: %s", ack.Error)
	}
	return nil
}

func (s *Service) callExit(ctx context.Context, exitURL string, req proto.Request) (proto.Response, error) {
	var out proto.ExitResponse
	if err := s.postJSON(ctx, exitURL+"/", proto.ForwardRequest{Request: req}, &out); err != nil {
		return proto.Response{}, err
	}
	return out.Response, nil
}

func (s *Service) postReceive(ctx context.Context, url string, resp proto.Response) error {
	var ack proto.AckResponse
	if err := s.postJSON(ctx, url, proto.ReceiveRequest{Response: resp}, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("receive rejected: %s", ack.Error)
	}
	return nil
}

func (s *Service) postJSON(ctx context.Context, url string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
