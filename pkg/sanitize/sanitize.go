// Package sanitize scrubs RPC payloads at the trust boundary: requests
// before they enter the circuit, provider responses before they reach the
// client. Only the allow-listed JSON-RPC envelope fields survive.
package sanitize

import (
	"encoding/json"
	"fmt"
)

type Sanitizer interface {
	SanitizeRequest(raw []byte) ([]byte, error)
	PrepareResponse(raw []byte) ([]byte, error)
}

type JSONRPC struct{}

type requestEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type responseEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// SanitizeRequest drops everything but jsonrpc/id/method/params and pins
// the version field, so client-side extensions never leave the entry node.
func (JSONRPC) SanitizeRequest(raw []byte) ([]byte, error) {
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("sanitize request: %w", err)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("sanitize request: missing method")
	}
	env.JSONRPC = "2.0"
	if len(env.Params) == 0 {
		env.Params = json.RawMessage("[]")
	}
	return json.Marshal(env)
}

// PrepareResponse strips provider-specific extension fields down to the
// plain {id, result, error} triple.
func (JSONRPC) PrepareResponse(raw []byte) ([]byte, error) {
	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("prepare response: %w", err)
	}
	return json.Marshal(env)
}
