package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"onionrpc/pkg/proto"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr())
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return s
}

func TestRedisStoreNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	n := testNode("n1", proto.RoleExit, proto.StatusOnline)
	n.Region = "us-east"
	if err := s.RegisterNode(ctx, n); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok, err := s.Node(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("node lookup: ok=%t err=%v", ok, err)
	}
	if got.Role != proto.RoleExit || got.Region != "us-east" {
		t.Fatalf("node = %+v", got)
	}

	if _, ok, _ := s.Node(ctx, "ghost"); ok {
		t.Fatal("unknown node reported as present")
	}
}

func TestRedisStoreAvailableNodesFiltering(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	if err := s.RegisterNode(ctx, testNode("r1", proto.RoleRouting, proto.StatusOnline)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterNode(ctx, testNode("r2", proto.RoleRouting, proto.StatusMaintenance)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterNode(ctx, testNode("e1", proto.RoleEntry, proto.StatusOnline)); err != nil {
		t.Fatalf("register: %v", err)
	}

	routing, err := s.AvailableNodes(ctx, proto.RoleRouting)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(routing) != 1 || routing[0].ID != "r1" {
		t.Fatalf("available routing = %+v, want only r1", routing)
	}

	if err := s.UpdateNodeStatus(ctx, "r2", proto.StatusOnline); err != nil {
		t.Fatalf("status: %v", err)
	}
	routing, _ = s.AvailableNodes(ctx, proto.RoleRouting)
	if len(routing) != 2 {
		t.Fatalf("available routing after promote = %d, want 2", len(routing))
	}

	if err := s.UpdateNodeStatus(ctx, "ghost", proto.StatusOnline); err == nil {
		t.Fatal("status update on unknown node succeeded")
	}
}

func TestRedisStoreProviderProbe(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	p := testProvider("p1", true, 0, 0)
	p.LastChecked = time.Time{}
	if err := s.RegisterProvider(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Now().UTC()
	if err := s.RecordProviderProbe(ctx, "p1", true, 25*time.Millisecond, now); err != nil {
		t.Fatalf("probe: %v", err)
	}
	got, ok, err := s.Provider(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("provider lookup: ok=%t err=%v", ok, err)
	}
	if got.SuccessRate != 1.0 || got.AvgLatency != 25*time.Millisecond {
		t.Fatalf("provider after probe = %+v", got)
	}

	if err := s.SetProviderActive(ctx, "p1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := s.ActiveProviders(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active after deactivate = %+v, want none", active)
	}

	if err := s.RecordProviderProbe(ctx, "ghost", true, 0, now); err == nil {
		t.Fatal("probe on unknown provider succeeded")
	}
}
