package proto

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAPIKey        = errors.New("invalid api key")
	ErrSubscriptionInactive = errors.New("subscription inactive")
	ErrNoProviders          = errors.New("no available rpc providers")
	ErrLayerDecrypt         = errors.New("layer decrypt failure")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrRequestTimeout       = errors.New("request timeout")
	ErrProviderUnavailable  = errors.New("rpc provider unavailable")
)

// NoNodesError reports an empty selection pool for one role.
type NoNodesError struct {
	Role NodeRole
}

func (e NoNodesError) Error() string {
	return fmt.Sprintf("no available nodes with role %s", e.Role)
}

func IsNoNodes(err error) bool {
	var nn NoNodesError
	return errors.As(err, &nn)
}
