package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/offline"
	"github.com/shopspring/decimal"
)

func sampleState() *State {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &State{
		Ledger: ledger.Snapshot{
			Accounts: []ledger.Account{
				{ID: "+254700000001", Balance: decimal.RequireFromString("59.6"), Active: true, CreatedAt: now},
				{ID: "+254700000002", Balance: decimal.RequireFromString("140"), Active: true, CreatedAt: now},
			},
			Transactions: []ledger.Transaction{
				{ID: "TX_1", Type: ledger.TxTransfer, Amount: decimal.NewFromInt(40), Timestamp: now, BlockHeight: 1},
				{ID: "TX_2", Type: ledger.TxFee, Amount: decimal.RequireFromString("0.4"), Timestamp: now, BlockHeight: 1, RelatedTx: "TX_1"},
			},
			BlockHeight: 1,
		},
		Reservations: []offline.Reservation{
			{ID: "OFFLINE_TX_1", Amount: decimal.NewFromInt(30), Status: offline.StatusPending, CreatedAt: now},
		},
		SavedAt: now,
	}
}

func TestMemoryEmptyLoad(t *testing.T) {
	m := NewMemory()
	s, err := m.Load(context.Background())
	if err != nil || s != nil {
		t.Fatalf("expected nil state from an empty store, got %v, %v", s, err)
	}
}

func TestMemoryDoesNotAlias(t *testing.T) {
	m := NewMemory()
	in := sampleState()
	if err := m.Save(context.Background(), in); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	in.Ledger.BlockHeight = 99

	out, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if out.Ledger.BlockHeight != 1 {
		t.Fatal("saved state must not change with the caller's copy")
	}
	if !out.Ledger.Accounts[0].Balance.Equal(decimal.RequireFromString("59.6")) {
		t.Fatalf("unexpected balance %s", out.Ledger.Accounts[0].Balance)
	}
	if m.Saves() != 1 {
		t.Fatalf("expected 1 save, got %d", m.Saves())
	}
}

func TestBuildSaveSnapshot(t *testing.T) {
	query, args, err := buildSaveSnapshot(sampleState())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "on conflict (id) do update") {
		t.Fatalf("expected upsert query")
	}
	if len(args) != 7 {
		t.Fatalf("expected 7 args, got %d", len(args))
	}
	if args[0] != snapshotID || args[2] != int64(1) || args[3] != 2 || args[4] != 2 || args[5] != 1 {
		t.Fatalf("unexpected args: %v", args[:6])
	}
	body, ok := args[1].(string)
	if !ok {
		t.Fatalf("expected json string arg for state")
	}
	var decoded State
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("state arg is not valid json: %v", err)
	}
	if len(decoded.Reservations) != 1 || decoded.Reservations[0].ID != "OFFLINE_TX_1" {
		t.Fatalf("unexpected reservations %+v", decoded.Reservations)
	}
}
