package ledger

import (
	"sort"
)

// Snapshot is the persisted form of the ledger.
type Snapshot struct {
	Accounts     []Account     `json:"accounts"`
	Transactions []Transaction `json:"transactions"`
	BlockHeight  int64         `json:"block_height"`
}

// Snapshot copies the full ledger state. Transactions keep insertion order.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Snapshot{
		Accounts:     make([]Account, 0, len(l.accounts)),
		Transactions: make([]Transaction, 0, len(l.order)),
		BlockHeight:  l.blockHeight,
	}
	for _, acc := range l.accounts {
		s.Accounts = append(s.Accounts, acc.clone())
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].ID < s.Accounts[j].ID })
	for _, id := range l.order {
		s.Transactions = append(s.Transactions, *l.txs[id])
	}
	return s
}

// Restore replaces the ledger state with s. The settled-reservation index is
// rebuilt from offline transactions and the fee collector is recreated if
// the snapshot lacks it. Commit hooks do not fire.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*Account, len(s.Accounts))
	l.txs = make(map[string]*Transaction, len(s.Transactions))
	l.order = make([]string, 0, len(s.Transactions))
	l.settled = make(map[string]string)
	for i := range s.Accounts {
		acc := s.Accounts[i].clone()
		l.accounts[acc.ID] = &acc
	}
	for i := range s.Transactions {
		tx := s.Transactions[i]
		l.txs[tx.ID] = &tx
		l.order = append(l.order, tx.ID)
		if tx.Type == TxOfflineTransfer && tx.OfflineID != "" {
			l.settled[tx.OfflineID] = tx.ID
		}
	}
	l.blockHeight = s.BlockHeight
	l.ensureFeeCollector()
}
