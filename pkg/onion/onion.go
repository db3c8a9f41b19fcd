// Package onion builds and peels the layered encryption that carries a
// request through a circuit. The forward onion nests one AEAD layer per
// hop, outermost entry, innermost exit; the reverse path accumulates
// layers in hop order that only the entry node can fully remove.
package onion

import (
	"encoding/json"
	"fmt"

	"onionrpc/pkg/crypto"
	"onionrpc/pkg/proto"
)

// RouteHop is the public slice of circuit state one hop needs: where the
// neighbors live and the ephemeral public key its own layer key derives
// from. Deriving that key still requires the hop's node private key, so
// carrying the full list reveals no other hop's key.
type RouteHop struct {
	NodeID  proto.NodeID    `json:"node_id"`
	Address string          `json:"address"`
	Port    int             `json:"port"`
	EPub    proto.CryptoKey `json:"epub"`
}

// Route travels as AAD under every layer, ordered entry first, exit last.
type Route struct {
	CircuitID proto.CircuitID `json:"circuit_id"`
	Hops      []RouteHop      `json:"hops"`
}

// BuildRoute assembles the route header for a freshly built circuit.
// nodes must contain every hop of the circuit.
func BuildRoute(c proto.Circuit, nodes map[proto.NodeID]proto.Node) (Route, error) {
	order := make([]proto.NodeID, 0, c.HopCount())
	order = append(order, c.EntryNode)
	order = append(order, c.RoutingNodes...)
	order = append(order, c.ExitNode)
	if len(c.SymmetricKeys) != len(order) {
		return Route{}, fmt.Errorf("circuit %s: %d keys for %d hops", c.ID, len(c.SymmetricKeys), len(order))
	}
	r := Route{CircuitID: c.ID, Hops: make([]RouteHop, 0, len(order))}
	for i, id := range order {
		n, ok := nodes[id]
		if !ok {
			return Route{}, fmt.Errorf("circuit %s: no node record for hop %s", c.ID, id)
		}
		r.Hops = append(r.Hops, RouteHop{
			NodeID:  id,
			Address: n.Address,
			Port:    n.Port,
			EPub:    c.SymmetricKeys[i],
		})
	}
	return r, nil
}

func (r Route) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal route: %w", err)
	}
	return b, nil
}

func ParseRoute(aad []byte) (Route, error) {
	var r Route
	if err := json.Unmarshal(aad, &r); err != nil {
		return Route{}, fmt.Errorf("parse route header: %w", err)
	}
	if len(r.Hops) < 3 {
		return Route{}, fmt.Errorf("route header has %d hops, need at least 3", len(r.Hops))
	}
	return r, nil
}

// Position locates a node in the route. A hop that cannot find itself
// must drop the message.
func (r Route) Position(id proto.NodeID) (int, bool) {
	for i, h := range r.Hops {
		if h.NodeID == id {
			return i, true
		}
	}
	return 0, false
}

func (r Route) IsExit(pos int) bool { return pos == len(r.Hops)-1 }

func (r Route) URL(pos int) string {
	h := r.Hops[pos]
	return fmt.Sprintf("http://%s:%d", h.Address, h.Port)
}

// HopKey derives the layer key for position pos from that hop's node
// private key.
func (r Route) HopKey(pos int, nodePriv proto.CryptoKey) (proto.CryptoKey, error) {
	if pos < 0 || pos >= len(r.Hops) {
		return nil, fmt.Errorf("hop position %d out of range", pos)
	}
	return crypto.SharedKey(nodePriv, r.Hops[pos].EPub)
}

// WrapForward nests payload under one layer per key, keys ordered entry
// to exit. The innermost layer belongs to the last key (the exit); the
// returned outermost layer belongs to keys[0] (the entry's own layer,
// which the entry removes itself before dispatching).
func WrapForward(payload []byte, keys []proto.CryptoKey, aad []byte) (proto.EncryptedData, error) {
	if len(keys) == 0 {
		return proto.EncryptedData{}, fmt.Errorf("wrap: no layer keys")
	}
	cur := payload
	var outer proto.EncryptedData
	for i := len(keys) - 1; i >= 0; i-- {
		enc, err := crypto.Seal(cur, keys[i], aad)
		if err != nil {
			return proto.EncryptedData{}, fmt.Errorf("wrap layer %d: %w", i, err)
		}
		outer = enc
		if i > 0 {
			b, err := json.Marshal(enc)
			if err != nil {
				return proto.EncryptedData{}, fmt.Errorf("encode layer %d: %w", i, err)
			}
			cur = b
		}
	}
	return outer, nil
}

// Peel removes exactly one layer. Every failure collapses to
// ErrLayerDecrypt so the caller cannot leak which aspect failed.
func Peel(enc proto.EncryptedData, key proto.CryptoKey) ([]byte, error) {
	inner, err := crypto.Open(enc, key)
	if err != nil {
		return nil, proto.ErrLayerDecrypt
	}
	return inner, nil
}

// ParseLayer decodes the bytes a non-final hop peels into the next hop's
// layer.
func ParseLayer(b []byte) (proto.EncryptedData, error) {
	var enc proto.EncryptedData
	if err := json.Unmarshal(b, &enc); err != nil {
		return proto.EncryptedData{}, fmt.Errorf("%w: inner layer undecodable", proto.ErrLayerDecrypt)
	}
	return enc, nil
}

// ReverseSeal starts the return path: the exit wraps the raw provider
// response under its own layer key.
func ReverseSeal(payload []byte, key proto.CryptoKey, aad []byte) (proto.EncryptedData, error) {
	return crypto.Seal(payload, key, aad)
}

// AddReverseLayer wraps an in-flight reverse payload under one more hop
// key. Responses accumulate layers on the way back; only the entry holds
// every key needed to strip them.
func AddReverseLayer(enc proto.EncryptedData, key proto.CryptoKey, aad []byte) (proto.EncryptedData, error) {
	b, err := json.Marshal(enc)
	if err != nil {
		return proto.EncryptedData{}, fmt.Errorf("encode reverse layer: %w", err)
	}
	return crypto.Seal(b, key, aad)
}

// UnwrapReverse strips every reverse layer at the entry. keys are ordered
// outermost first: first routing hop, ..., last routing hop, exit.
func UnwrapReverse(enc proto.EncryptedData, keys []proto.CryptoKey) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("unwrap: no layer keys")
	}
	cur := enc
	for i, key := range keys {
		b, err := crypto.Open(cur, key)
		if err != nil {
			return nil, proto.ErrLayerDecrypt
		}
		if i == len(keys)-1 {
			return b, nil
		}
		next, err := ParseLayer(b)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return nil, proto.ErrLayerDecrypt
}
