package entry

import (
	"errors"
	"testing"
	"time"

	"onionrpc/pkg/proto"
)

func TestCorrelationResolveExactlyOnce(t *testing.T) {
	table := newCorrelationTable()
	id := proto.NewRequestID()
	circuit := proto.NewCircuitID()
	wait := table.register(id, circuit, time.Minute)

	resp := proto.Response{RequestID: id, CircuitID: circuit}
	if err := table.resolve(id, resp); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if err := table.resolve(id, resp); err == nil {
		t.Fatal("second resolve succeeded")
	}

	res := <-wait
	if res.err != nil {
		t.Fatalf("waiter got error: %v", res.err)
	}
	if res.resp.RequestID != id {
		t.Fatalf("waiter got response for %s, want %s", res.resp.RequestID, id)
	}
}

func TestCorrelationUnknownRequest(t *testing.T) {
	table := newCorrelationTable()
	if err := table.resolve(proto.NewRequestID(), proto.Response{}); err == nil {
		t.Fatal("resolve of unregistered request succeeded")
	}
}

func TestCorrelationRejectsCircuitMismatch(t *testing.T) {
	table := newCorrelationTable()
	id := proto.NewRequestID()
	circuit := proto.NewCircuitID()
	wait := table.register(id, circuit, time.Minute)

	// A response carrying the right request id on the wrong circuit is
	// rejected and must not consume the waiter.
	forged := proto.Response{RequestID: id, CircuitID: proto.NewCircuitID()}
	if err := table.resolve(id, forged); !errors.Is(err, errCircuitMismatch) {
		t.Fatalf("forged resolve error = %v, want circuit mismatch", err)
	}
	select {
	case res := <-wait:
		t.Fatalf("waiter resolved by forged response: %+v", res)
	default:
	}

	if err := table.resolve(id, proto.Response{RequestID: id, CircuitID: circuit}); err != nil {
		t.Fatalf("legitimate resolve after forgery failed: %v", err)
	}
	res := <-wait
	if res.resp.CircuitID != circuit {
		t.Fatalf("waiter got circuit %s, want %s", res.resp.CircuitID, circuit)
	}
}

func TestCorrelationSweepTimesOut(t *testing.T) {
	table := newCorrelationTable()
	id := proto.NewRequestID()
	circuit := proto.NewCircuitID()
	wait := table.register(id, circuit, 10*time.Millisecond)

	if n := table.sweep(time.Now()); n != 0 {
		t.Fatalf("sweep before deadline expired %d entries", n)
	}
	if n := table.sweep(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("sweep after deadline expired %d entries, want 1", n)
	}

	res := <-wait
	if !errors.Is(res.err, proto.ErrRequestTimeout) {
		t.Fatalf("waiter error = %v, want ErrRequestTimeout", res.err)
	}

	// The swept entry is gone; a late response finds nothing.
	if err := table.resolve(id, proto.Response{RequestID: id, CircuitID: circuit}); err == nil {
		t.Fatal("late response resolved a swept request")
	}
}

func TestCorrelationDrop(t *testing.T) {
	table := newCorrelationTable()
	id := proto.NewRequestID()
	circuit := proto.NewCircuitID()
	table.register(id, circuit, time.Minute)
	table.drop(id)
	if err := table.resolve(id, proto.Response{RequestID: id, CircuitID: circuit}); err == nil {
		t.Fatal("resolve succeeded after drop")
	}
}
