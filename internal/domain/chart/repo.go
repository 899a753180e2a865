package chart

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error)
	// CompareAndSwap writes next only if the stored row is still in
	// expectedState at expectedVersion; otherwise ErrConcurrencyConflict.
	CompareAndSwap(ctx context.Context, next *Record, expectedState State, expectedVersion int) error

	// AppendAudit inserts e and assigns its Seq. Entries are never updated.
	AppendAudit(ctx context.Context, e *AuditEntry) error
	// LastAudit returns the newest entry for a record, or nil when it has none.
	LastAudit(ctx context.Context, recordID uuid.UUID) (*AuditEntry, error)
	ListAudit(ctx context.Context, recordID uuid.UUID) ([]*AuditEntry, error)

	CreateAddendum(ctx context.Context, a *AddendumEntry) error
	ListAddenda(ctx context.Context, recordID uuid.UUID) ([]*AddendumEntry, error)
}

// Transactor runs fn atomically. Repository calls made with the ctx passed
// to fn join the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
