package fabricclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmitContextReturnsResult(t *testing.T) {
	submit := func(name string, args ...string) ([]byte, error) {
		if name != "RecordSettlement" || len(args) != 1 || args[0] != "{}" {
			t.Errorf("unexpected call %s %v", name, args)
		}
		return []byte("ok"), nil
	}
	out, err := submitContext(context.Background(), submit, "RecordSettlement", "{}")
	if err != nil || string(out) != "ok" {
		t.Fatalf("unexpected result %q, %v", out, err)
	}
}

func TestSubmitContextStopsWaitingOnDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	submit := func(string, ...string) ([]byte, error) {
		<-release
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := submitContext(ctx, submit, "RecordSettlement", "{}")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("waited %s for a hung submit", waited)
	}
}

func TestAnchorSettlementHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := &Client{submit: func(string, ...string) ([]byte, error) {
		<-release
		return nil, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.AnchorSettlement(ctx, SettlementProof{ReservationID: "OFFLINE_TX_1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
