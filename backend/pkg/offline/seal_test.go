package offline

import (
	"errors"
	"testing"
	"time"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("relay-key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := Payload{Amount: d("30"), Recipient: bob, Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	sealed, err := s.Seal("OFFLINE_TX_1", in)
	if err != nil {
		t.Fatalf("unexpected seal error: %v", err)
	}
	out, err := s.Open("OFFLINE_TX_1", sealed)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if !out.Amount.Equal(in.Amount) || out.Recipient != in.Recipient || !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("payload changed in transit: %+v", out)
	}

	t.Run("bound to reservation id", func(t *testing.T) {
		if _, err := s.Open("OFFLINE_TX_2", sealed); !errors.Is(err, ErrTampered) {
			t.Fatalf("expected ErrTampered, got %v", err)
		}
	})
	t.Run("other key", func(t *testing.T) {
		other, _ := NewSealer([]byte("another-key"))
		if _, err := other.Open("OFFLINE_TX_1", sealed); !errors.Is(err, ErrTampered) {
			t.Fatalf("expected ErrTampered, got %v", err)
		}
	})
	t.Run("garbage", func(t *testing.T) {
		if _, err := s.Open("OFFLINE_TX_1", "not base64!"); !errors.Is(err, ErrTampered) {
			t.Fatalf("expected ErrTampered, got %v", err)
		}
	})
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewSealer(nil); err == nil {
			t.Fatal("expected an error for an empty secret")
		}
	})
}
