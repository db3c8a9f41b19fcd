package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NodeID string

type CircuitID string

type ProviderID string

type RequestID string

func NewNodeID() NodeID { return NodeID(uuid.NewString()) }

func NewCircuitID() CircuitID { return CircuitID(uuid.NewString()) }

func NewProviderID() ProviderID { return ProviderID(uuid.NewString()) }

func NewRequestID() RequestID { return RequestID(uuid.NewString()) }

type NodeRole string

const (
	RoleEntry       NodeRole = "entry"
	RoleRouting     NodeRole = "routing"
	RoleExit        NodeRole = "exit"
	RoleCoordinator NodeRole = "coordinator"
)

func ParseRole(s string) (NodeRole, error) {
	switch NodeRole(s) {
	case RoleEntry, RoleRouting, RoleExit, RoleCoordinator:
		return NodeRole(s), nil
	}
	return "", fmt.Errorf("unknown node role %q", s)
}

type NodeStatus string

const (
	StatusOnline      NodeStatus = "online"
	StatusBusy        NodeStatus = "busy"
	StatusOffline     NodeStatus = "offline"
	StatusMaintenance NodeStatus = "maintenance"
)

func ParseStatus(s string) (NodeStatus, error) {
	switch NodeStatus(s) {
	case StatusOnline, StatusBusy, StatusOffline, StatusMaintenance:
		return NodeStatus(s), nil
	}
	return "", fmt.Errorf("unknown node status %q", s)
}

// CryptoKey is an opaque key. Whether it is a public, private, or derived
// symmetric key is fixed by the call site; the kinds are never mixed.
type CryptoKey []byte

type EncryptedData struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	AAD        []byte `json:"aad,omitempty"`
}

type Node struct {
	ID        NodeID     `json:"id"`
	Role      NodeRole   `json:"role"`
	Status    NodeStatus `json:"status"`
	PublicKey CryptoKey  `json:"public_key"`
	Address   string     `json:"address"`
	Port      int        `json:"port"`
	LastSeen  time.Time  `json:"last_seen"`
	Region    string     `json:"region"`
	Load      float64    `json:"load"`
}

func (n Node) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", n.Address, n.Port)
}

type RpcProvider struct {
	ID           ProviderID    `json:"id"`
	URL          string        `json:"url"`
	ProviderType string        `json:"provider_type"`
	Active       bool          `json:"active"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastChecked  time.Time     `json:"last_checked"`
}

// Circuit is immutable after construction; a stale circuit is replaced,
// never mutated. SymmetricKeys holds one ephemeral public key per hop,
// ordered entry, routing..., exit.
type Circuit struct {
	ID            CircuitID   `json:"id"`
	EntryNode     NodeID      `json:"entry_node"`
	RoutingNodes  []NodeID    `json:"routing_nodes"`
	ExitNode      NodeID      `json:"exit_node"`
	SymmetricKeys []CryptoKey `json:"symmetric_keys"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

func (c Circuit) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

func (c Circuit) HopCount() int {
	return len(c.RoutingNodes) + 2
}

type Request struct {
	ID        RequestID     `json:"id"`
	CircuitID CircuitID     `json:"circuit_id"`
	Payload   EncryptedData `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

type Response struct {
	RequestID RequestID     `json:"request_id"`
	CircuitID CircuitID     `json:"circuit_id"`
	Payload   EncryptedData `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}
