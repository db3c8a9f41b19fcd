package entry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"onionrpc/pkg/crypto"
	"onionrpc/pkg/onion"
	"onionrpc/pkg/proto"
)

// circuitState is everything the entry retains about a built circuit: the
// immutable descriptor, the marshaled route header used as AAD, and the
// derived layer keys. layerKeys[0] is the entry's own layer; layerKeys[1:]
// are the reverse-unwrap keys, outermost first.
type circuitState struct {
	circuit   proto.Circuit
	route     onion.Route
	routeAAD  []byte
	layerKeys []proto.CryptoKey
	firstHop  string
}

func (cs *circuitState) expired(now time.Time) bool {
	return cs.circuit.Expired(now)
}

// buildCircuit assembles a fresh circuit from the coordinator's current
// topology. Nothing is cached on failure; a client retry sees a clean
// build attempt.
func (s *Service) buildCircuit(ctx context.Context) (*circuitState, error) {
	routing, err := s.coord.AvailableNodes(ctx, proto.RoleRouting)
	if err != nil {
		return nil, fmt.Errorf("fetch routing nodes: %w", err)
	}
	if len(routing) < s.routingHops {
		return nil, proto.NoNodesError{Role: proto.RoleRouting}
	}
	exits, err := s.coord.AvailableNodes(ctx, proto.RoleExit)
	if err != nil {
		return nil, fmt.Errorf("fetch exit nodes: %w", err)
	}
	if len(exits) == 0 {
		return nil, proto.NoNodesError{Role: proto.RoleExit}
	}

	selectedRouting := selectRoutingNodes(routing, s.routingHops, s.selfNode().Region)
	exit := selectExitNode(exits)

	now := time.Now().UTC()
	c := proto.Circuit{
		ID:        proto.NewCircuitID(),
		EntryNode: s.id.ID,
		ExitNode:  exit.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.circuitTTL),
	}
	nodes := map[proto.NodeID]proto.Node{s.id.ID: s.selfNode(), exit.ID: exit}
	for _, n := range selectedRouting {
		c.RoutingNodes = append(c.RoutingNodes, n.ID)
		nodes[n.ID] = n
	}

	// One fresh ephemeral keypair per hop. The public half rides in the
	// route header; the layer key derived here never leaves this node.
	order := append([]proto.NodeID{c.EntryNode}, c.RoutingNodes...)
	order = append(order, c.ExitNode)
	layerKeys := make([]proto.CryptoKey, 0, len(order))
	for _, id := range order {
		ephPub, ephPriv, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("hop keygen: %w", err)
		}
		layerKey, err := crypto.SharedKey(ephPriv, nodes[id].PublicKey)
		if err != nil {
			return nil, fmt.Errorf("hop key derivation for %s: %w", id, err)
		}
		c.SymmetricKeys = append(c.SymmetricKeys, ephPub)
		layerKeys = append(layerKeys, layerKey)
	}

	route, err := onion.BuildRoute(c, nodes)
	if err != nil {
		return nil, err
	}
	aad, err := route.Marshal()
	if err != nil {
		return nil, err
	}

	log.Printf("entry built circuit id=%s hops=%d exit=%s ttl=%s", c.ID, c.HopCount(), c.ExitNode, s.circuitTTL)
	return &circuitState{
		circuit:   c,
		route:     route,
		routeAAD:  aad,
		layerKeys: layerKeys,
		firstHop:  route.URL(1),
	}, nil
}

// selectRoutingNodes orders candidates by load then id and walks the list
// greedily, skipping a candidate in the same region as the previously
// picked hop whenever a differently placed alternative remains. Selection
// is deterministic for a given topology.
func selectRoutingNodes(candidates []proto.Node, hops int, entryRegion string) []proto.Node {
	pool := append([]proto.Node{}, candidates...)
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Load != pool[j].Load {
			return pool[i].Load < pool[j].Load
		}
		return pool[i].ID < pool[j].ID
	})

	selected := make([]proto.Node, 0, hops)
	prevRegion := entryRegion
	for len(selected) < hops && len(pool) > 0 {
		pick := -1
		for i, n := range pool {
			if n.Region != prevRegion {
				pick = i
				break
			}
		}
		if pick < 0 {
			pick = 0
		}
		n := pool[pick]
		selected = append(selected, n)
		prevRegion = n.Region
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return selected
}

func selectExitNode(candidates []proto.Node) proto.Node {
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.Load < best.Load || (n.Load == best.Load && n.ID < best.ID) {
			best = n
		}
	}
	return best
}

// circuitFor returns the caller's cached circuit, building and caching a
// fresh one when none exists or the cached one has expired.
func (s *Service) circuitFor(ctx context.Context, apiKey string) (*circuitState, error) {
	if cs, ok := s.circuits.Get(apiKey); ok && !cs.expired(time.Now()) {
		return cs, nil
	}
	cs, err := s.buildCircuit(ctx)
	if err != nil {
		return nil, err
	}
	s.circuits.Add(apiKey, cs)
	return cs, nil
}

// invalidateCircuit evicts a circuit that failed in flight so the next
// request rebuilds instead of retrying a dead path.
func (s *Service) invalidateCircuit(apiKey string, cs *circuitState) {
	if cur, ok := s.circuits.Get(apiKey); ok && cur == cs {
		s.circuits.Remove(apiKey)
	}
}
