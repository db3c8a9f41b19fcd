package users

import (
	"errors"
	"testing"

	"onionrpc/pkg/proto"
)

func TestParseAndAuthenticate(t *testing.T) {
	s := Parse("k1:alice:active, k2:bob:inactive ,k3:carol,bad,:missing")

	u, err := Authenticate(s, "k1")
	if err != nil {
		t.Fatalf("k1 should authenticate: %v", err)
	}
	if u.Subject != "alice" {
		t.Fatalf("subject %q", u.Subject)
	}

	if _, err := Authenticate(s, "k2"); !errors.Is(err, proto.ErrSubscriptionInactive) {
		t.Fatalf("expected ErrSubscriptionInactive, got %v", err)
	}
	if _, err := Authenticate(s, "k3"); err != nil {
		t.Fatalf("two-field entry defaults to active: %v", err)
	}
	if _, err := Authenticate(s, "nope"); !errors.Is(err, proto.ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}
