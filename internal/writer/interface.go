package writer

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// TxnStatus is the sink's view of a transaction queried during recovery
type TxnStatus int

const (
	// TxnStatusUnknown means the sink no longer knows the transaction
	// (expired or never seen). Recovery treats this as unresolvable.
	TxnStatusUnknown TxnStatus = iota
	// TxnStatusOpen means the transaction is flushed but not finalized
	TxnStatusOpen
	// TxnStatusCommitted means the transaction is durably committed
	TxnStatusCommitted
	// TxnStatusAborted means the sink discarded the transaction
	TxnStatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnStatusOpen:
		return "open"
	case TxnStatusCommitted:
		return "committed"
	case TxnStatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrTransactionsUnsupported is returned by sinks that never expose
// transaction ids: their Flush is already exactly-once on its own, so
// recovery has no transaction to query or finalize.
var ErrTransactionsUnsupported = errors.New("sink does not track transactions by id")

// EventWriter is the transactional facade over the sink stream. Writes buffer
// into an implicit transaction begun lazily on the first write; Flush makes
// the buffered events durable on the sink side and returns the transaction id
// when the sink uses explicit transactions; Commit makes them visible to
// consumers. A sink that returns a nil id from Flush must have already
// published the events by the time Flush returns: no pending commit is
// recorded for it, so nothing would finalize the batch after a crash.
type EventWriter interface {
	// WriteEvent buffers one event into the open transaction
	WriteEvent(ctx context.Context, routingKey string, payload []byte) error

	// Flush forces buffered events durable and returns the transaction id, if any
	Flush(ctx context.Context) (*uuid.UUID, error)

	// Commit finalizes the flushed transaction
	Commit(ctx context.Context) error

	// CommitTransaction finalizes a flushed transaction by id during recovery
	CommitTransaction(ctx context.Context, txnID uuid.UUID) error

	// TransactionStatus reports the sink's view of a transaction during recovery
	TransactionStatus(ctx context.Context, txnID uuid.UUID) (TxnStatus, error)

	// Abort discards any transaction that has not been committed yet
	Abort(ctx context.Context) error

	// Close releases the sink connection
	Close() error
}
