package state

import (
	"context"

	"github.com/google/uuid"

	"github.com/filemill/filemill/internal/domain"
)

// Store is the local durable record of ingestion progress: pending files,
// completed files, flushed-but-unconfirmed transactions, and the writer identity.
// It is the sole source of truth for what has been durably ingested.
// Implementations: BoltDB (primary).
type Store interface {
	// GetCompletedFiles returns all fully ingested files, sorted by file name
	GetCompletedFiles(ctx context.Context) ([]domain.CompletedFile, error)

	// AddPendingFiles inserts files into the pending queue. Files already
	// pending or completed are ignored.
	AddPendingFiles(ctx context.Context, files []domain.FileNameWithOffset) error

	// GetNextPendingFile returns the earliest pending file in name order along
	// with the first sequence number to assign to its events. The returned
	// offset is the resume position (end offset of the file's last completed
	// segment, or the stored pending offset). Returns nil when the queue is empty.
	// The pending row is not removed; AddCompletedFile removes it.
	GetNextPendingFile(ctx context.Context) (*domain.FileNameWithOffset, int64, error)

	// AddCompletedFile atomically upserts the completed row, removes the
	// matching pending row, and records the pending commit when txnID is
	// non-nil. Partial application would break recovery, so the three writes
	// happen in a single durable transaction.
	AddCompletedFile(ctx context.Context, fileName string, beginOffset, endOffset, nextSequenceNumber int64, txnID *uuid.UUID) error

	// PendingCommits returns all flushed transactions awaiting commit
	// confirmation. The single-transaction invariant means at most one.
	PendingCommits(ctx context.Context) ([]domain.PendingCommit, error)

	// DeleteTransactionToCommit clears a pending commit once the sink confirms
	// the commit. No-op when txnID is nil.
	DeleteTransactionToCommit(ctx context.Context, txnID *uuid.UUID) error

	// DeleteCompletedFile removes a completed row after the file itself has
	// been deleted from disk.
	DeleteCompletedFile(ctx context.Context, fileName string) error

	// WriterID returns the durable writer identity, creating it on first call.
	// Immutable afterwards; the sink uses it to recognize this writer's
	// transactions across restarts.
	WriterID(ctx context.Context) (uuid.UUID, error)

	// Close closes the store
	Close() error
}
