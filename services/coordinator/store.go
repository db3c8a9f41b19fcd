package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"onionrpc/pkg/proto"
)

// Store is the persistence port for the authoritative node and provider
// sets. The coordinator never depends on a concrete backend; the in-memory
// implementation below is the default and a redis-backed one is selected
// by configuration.
type Store interface {
	RegisterNode(ctx context.Context, n proto.Node) error
	UpdateNodeStatus(ctx context.Context, id proto.NodeID, status proto.NodeStatus) error
	TouchNode(ctx context.Context, id proto.NodeID, load float64, now time.Time) error
	Node(ctx context.Context, id proto.NodeID) (proto.Node, bool, error)
	Nodes(ctx context.Context) ([]proto.Node, error)
	AvailableNodes(ctx context.Context, role proto.NodeRole) ([]proto.Node, error)

	RegisterProvider(ctx context.Context, p proto.RpcProvider) error
	SetProviderActive(ctx context.Context, id proto.ProviderID, active bool) error
	Provider(ctx context.Context, id proto.ProviderID) (proto.RpcProvider, bool, error)
	Providers(ctx context.Context) ([]proto.RpcProvider, error)
	ActiveProviders(ctx context.Context) ([]proto.RpcProvider, error)
	RecordProviderProbe(ctx context.Context, id proto.ProviderID, success bool, latency time.Duration, now time.Time) error
}

const defaultProbeAlpha = 0.2

// ewma folds one sample into a smoothed value. A zero previous value is
// treated as uninitialized and replaced by the sample.
func ewma(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

func applyProbe(p *proto.RpcProvider, success bool, latency time.Duration, alpha float64, now time.Time) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if p.LastChecked.IsZero() {
		p.SuccessRate = outcome
	} else {
		p.SuccessRate = alpha*outcome + (1-alpha)*p.SuccessRate
	}
	if success {
		p.AvgLatency = time.Duration(ewma(float64(p.AvgLatency), float64(latency), alpha))
	}
	p.LastChecked = now
}

// bestProvider is the arg-max by success rate over active providers, with
// a deterministic tie-break (lower latency, then lower id) so selection is
// reproducible.
func bestProvider(providers []proto.RpcProvider) *proto.RpcProvider {
	var best *proto.RpcProvider
	for i := range providers {
		p := &providers[i]
		if !p.Active {
			continue
		}
		if best == nil || providerLess(*p, *best) {
			best = p
		}
	}
	return best
}

func providerLess(a, b proto.RpcProvider) bool {
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.AvgLatency != b.AvgLatency {
		return a.AvgLatency < b.AvgLatency
	}
	return a.ID < b.ID
}

func rankProviders(providers []proto.RpcProvider) []proto.RpcProvider {
	ranked := append([]proto.RpcProvider{}, providers...)
	sort.Slice(ranked, func(i, j int) bool { return providerLess(ranked[i], ranked[j]) })
	return ranked
}

const storeShards = 16

type memoryShard struct {
	mu        sync.RWMutex
	nodes     map[proto.NodeID]proto.Node
	providers map[proto.ProviderID]proto.RpcProvider
}

// MemoryStore spreads entities over sharded maps so updates to unrelated
// nodes or providers never contend on one lock.
type MemoryStore struct {
	shards [storeShards]*memoryShard
	alpha  float64
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{alpha: defaultProbeAlpha}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			nodes:     make(map[proto.NodeID]proto.Node),
			providers: make(map[proto.ProviderID]proto.RpcProvider),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%storeShards]
}

func (s *MemoryStore) RegisterNode(_ context.Context, n proto.Node) error {
	sh := s.shardFor(string(n.ID))
	sh.mu.Lock()
	sh.nodes[n.ID] = n
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateNodeStatus(_ context.Context, id proto.NodeID, status proto.NodeStatus) error {
	sh := s.shardFor(string(id))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, ok := sh.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	n.Status = status
	sh.nodes[id] = n
	return nil
}

func (s *MemoryStore) TouchNode(_ context.Context, id proto.NodeID, load float64, now time.Time) error {
	sh := s.shardFor(string(id))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, ok := sh.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	n.Load = load
	n.LastSeen = now
	sh.nodes[id] = n
	return nil
}

func (s *MemoryStore) Node(_ context.Context, id proto.NodeID) (proto.Node, bool, error) {
	sh := s.shardFor(string(id))
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	n, ok := sh.nodes[id]
	return n, ok, nil
}

func (s *MemoryStore) Nodes(_ context.Context) ([]proto.Node, error) {
	var out []proto.Node
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, n := range sh.nodes {
			out = append(out, n)
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

func (s *MemoryStore) AvailableNodes(ctx context.Context, role proto.NodeRole) ([]proto.Node, error) {
	all, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []proto.Node
	for _, n := range all {
		if n.Role == role && n.Status == proto.StatusOnline {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *MemoryStore) RegisterProvider(_ context.Context, p proto.RpcProvider) error {
	sh := s.shardFor(string(p.ID))
	sh.mu.Lock()
	sh.providers[p.ID] = p
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetProviderActive(_ context.Context, id proto.ProviderID, active bool) error {
	sh := s.shardFor(string(id))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.providers[id]
	if !ok {
		return fmt.Errorf("unknown provider %s", id)
	}
	p.Active = active
	sh.providers[id] = p
	return nil
}

func (s *MemoryStore) Provider(_ context.Context, id proto.ProviderID) (proto.RpcProvider, bool, error) {
	sh := s.shardFor(string(id))
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.providers[id]
	return p, ok, nil
}

func (s *MemoryStore) Providers(_ context.Context) ([]proto.RpcProvider, error) {
	var out []proto.RpcProvider
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.providers {
			out = append(out, p)
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

func (s *MemoryStore) ActiveProviders(ctx context.Context) ([]proto.RpcProvider, error) {
	all, err := s.Providers(ctx)
	if err != nil {
		return nil, err
	}
	var out []proto.RpcProvider
	for _, p := range all {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordProviderProbe(_ context.Context, id proto.ProviderID, success bool, latency time.Duration, now time.Time) error {
	sh := s.shardFor(string(id))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.providers[id]
	if !ok {
		return fmt.Errorf("unknown provider %s", id)
	}
	applyProbe(&p, success, latency, s.alpha, now)
	sh.providers[id] = p
	return nil
}
