package proto

import "encoding/json"

// Client-facing envelope accepted by the entry node.
type RpcRequest struct {
	APIKey string            `json:"api_key"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

// RpcResult is the JSON-RPC shaped reply returned to the client. Error is
// deliberately not omitempty: callers rely on an explicit null on success.
type RpcResult struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

type ForwardRequest struct {
	Request Request `json:"request"`
}

type ForwardResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ReceiveRequest struct {
	Response Response `json:"response"`
}

type ExitResponse struct {
	Response Response `json:"response"`
}

type NodeRegisterRequest struct {
	Node Node `json:"node"`
}

type NodeStatusRequest struct {
	NodeID NodeID     `json:"node_id"`
	Status NodeStatus `json:"status"`
}

// NodeListResponse is signed by the coordinator so entry nodes can detect
// tampered topology answers.
type NodeListResponse struct {
	Nodes       []Node `json:"nodes"`
	GeneratedAt int64  `json:"generated_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

type NodeInfoResponse struct {
	Node *Node `json:"node,omitempty"`
}

type ProviderRegisterRequest struct {
	Provider RpcProvider `json:"provider"`
}

type ProviderStatusRequest struct {
	ProviderID ProviderID `json:"provider_id"`
	Active     bool       `json:"active"`
}

type ProviderListResponse struct {
	Providers []RpcProvider `json:"providers"`
}

type BestProviderResponse struct {
	Provider *RpcProvider `json:"provider,omitempty"`
}

// ProbeReport feeds a dispatch outcome observed elsewhere (typically by an
// exit gateway) into the coordinator's provider statistics.
type ProbeReport struct {
	ProviderID ProviderID `json:"provider_id"`
	Success    bool       `json:"success"`
	LatencyMS  int64      `json:"latency_ms"`
}

type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
