package testhelpers

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/floroz/livebid/pkg/database"
)

// FakeTx is a pgx.Tx for unit tests that only tracks Commit and Rollback.
// Any other pgx.Tx method panics.
type FakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	Committed  bool
	RolledBack bool
	CommitErr  error
}

func (tx *FakeTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.Committed || tx.RolledBack {
		return pgx.ErrTxClosed
	}
	if tx.CommitErr != nil {
		tx.RolledBack = true
		return tx.CommitErr
	}
	tx.Committed = true
	return nil
}

func (tx *FakeTx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.Committed || tx.RolledBack {
		return pgx.ErrTxClosed
	}
	tx.RolledBack = true
	return nil
}

// FakeTxManager hands out a fresh FakeTx per BeginTx call and remembers them
type FakeTxManager struct {
	mu       sync.Mutex
	Txs      []*FakeTx
	BeginErr error
	Options  []pgx.TxOptions
}

var _ database.TransactionManager = (*FakeTxManager)(nil)

func (m *FakeTxManager) BeginTx(ctx context.Context, opts ...database.TxOption) (pgx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BeginErr != nil {
		return nil, m.BeginErr
	}
	var txOpts pgx.TxOptions
	for _, opt := range opts {
		opt(&txOpts)
	}
	m.Options = append(m.Options, txOpts)
	tx := &FakeTx{}
	m.Txs = append(m.Txs, tx)
	return tx, nil
}

// Last returns the most recently started transaction
func (m *FakeTxManager) Last() *FakeTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Txs) == 0 {
		return nil
	}
	return m.Txs[len(m.Txs)-1]
}
