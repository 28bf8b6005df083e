package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const snapshotID = 1

// Postgres keeps the snapshot in the ledger_snapshots table created by
// migrations/ledger.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func buildSaveSnapshot(s *State) (string, []any, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return "", nil, err
	}
	args := []any{
		snapshotID,
		string(body),
		s.Ledger.BlockHeight,
		len(s.Ledger.Accounts),
		len(s.Ledger.Transactions),
		len(s.Reservations),
		s.SavedAt,
	}
	query := `
insert into ledger_snapshots (
  id,
  state,
  block_height,
  account_count,
  transaction_count,
  reservation_count,
  saved_at
) values ($1,$2::jsonb,$3,$4,$5,$6,$7)
on conflict (id) do update set
  state = excluded.state,
  block_height = excluded.block_height,
  account_count = excluded.account_count,
  transaction_count = excluded.transaction_count,
  reservation_count = excluded.reservation_count,
  saved_at = excluded.saved_at
`
	return query, args, nil
}

func (p *Postgres) Save(ctx context.Context, s *State) error {
	query, args, err := buildSaveSnapshot(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) (*State, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `select state from ledger_snapshots where id = $1`, snapshotID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var s State
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}
