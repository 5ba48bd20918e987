package account

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrTransactionDone is returned when a transaction is committed after it
// was already committed or rolled back.
var ErrTransactionDone = errors.New("transaction already finished")

// Transaction is an explicitly scoped database transaction. The usual
// pattern is
//
//	tx, err := store.Begin(ctx)
//	if err != nil { ... }
//	defer tx.Rollback()
//	...
//	return tx.Commit()
//
// so every path that does not reach Commit rolls back.
type Transaction struct {
	mu   sync.Mutex
	tx   *gorm.DB
	done bool
}

func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "beginning transaction")
	}
	return &Transaction{tx: tx}, nil
}

// DB returns the handle to run statements inside the transaction with.
func (t *Transaction) DB() *gorm.DB { return t.tx }

// Commit commits the transaction. It can succeed at most once.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	if err := t.tx.Commit().Error; err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

// Rollback rolls the transaction back unless it already finished, in
// which case it does nothing.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback().Error; err != nil {
		return errors.Wrap(err, "rolling back transaction")
	}
	return nil
}
