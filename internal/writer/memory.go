package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StoredEvent is an event as held by the in-memory sink
type StoredEvent struct {
	RoutingKey string
	Payload    []byte
}

// MemoryWriter is an in-process sink with explicit transactions: writes open a
// transaction, Flush assigns it an id and makes it durable, Commit publishes
// it. It backs dry-run mode and the recovery paths that need a sink with
// resumable transaction ids.
type MemoryWriter struct {
	mu sync.Mutex

	open      []StoredEvent // current unflushed transaction
	inTxn     bool
	current   *uuid.UUID // flushed but uncommitted transaction
	flushed   map[uuid.UUID][]StoredEvent
	aborted   map[uuid.UUID]bool
	committed []StoredEvent // the visible stream, in commit order
	commits   map[uuid.UUID]bool
}

// NewMemoryWriter creates an in-memory sink
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		flushed: make(map[uuid.UUID][]StoredEvent),
		aborted: make(map[uuid.UUID]bool),
		commits: make(map[uuid.UUID]bool),
	}
}

// WriteEvent buffers one event into the open transaction, beginning one lazily
func (w *MemoryWriter) WriteEvent(ctx context.Context, routingKey string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p := make([]byte, len(payload))
	copy(p, payload)

	w.inTxn = true
	w.open = append(w.open, StoredEvent{RoutingKey: routingKey, Payload: p})
	return nil
}

// Flush makes the open transaction durable and returns its id
func (w *MemoryWriter) Flush(ctx context.Context) (*uuid.UUID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inTxn {
		return nil, nil
	}
	if w.current != nil {
		return nil, fmt.Errorf("transaction %s is still awaiting commit", w.current)
	}

	id := uuid.New()
	w.flushed[id] = w.open
	w.open = nil
	w.inTxn = false
	w.current = &id
	return &id, nil
}

// Commit publishes the flushed transaction to the stream
func (w *MemoryWriter) Commit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	id := *w.current
	w.current = nil
	return w.commitLocked(id)
}

// CommitTransaction publishes a flushed transaction by id. Committing an
// already committed transaction is a no-op; an unknown id is an error.
func (w *MemoryWriter) CommitTransaction(ctx context.Context, txnID uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.commits[txnID] {
		return nil
	}
	if w.current != nil && *w.current == txnID {
		w.current = nil
	}
	return w.commitLocked(txnID)
}

func (w *MemoryWriter) commitLocked(txnID uuid.UUID) error {
	events, ok := w.flushed[txnID]
	if !ok {
		return fmt.Errorf("unknown transaction %s", txnID)
	}
	delete(w.flushed, txnID)
	w.committed = append(w.committed, events...)
	w.commits[txnID] = true
	return nil
}

// TransactionStatus reports the sink's view of a transaction
func (w *MemoryWriter) TransactionStatus(ctx context.Context, txnID uuid.UUID) (TxnStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.commits[txnID]:
		return TxnStatusCommitted, nil
	case w.aborted[txnID]:
		return TxnStatusAborted, nil
	default:
		if _, ok := w.flushed[txnID]; ok {
			return TxnStatusOpen, nil
		}
		return TxnStatusUnknown, nil
	}
}

// Abort discards the open transaction and any flushed but uncommitted one
func (w *MemoryWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.open = nil
	w.inTxn = false
	if w.current != nil {
		delete(w.flushed, *w.current)
		w.aborted[*w.current] = true
		w.current = nil
	}
	return nil
}

// Close is a no-op
func (w *MemoryWriter) Close() error {
	return nil
}

// Committed returns the visible stream contents in commit order
func (w *MemoryWriter) Committed() []StoredEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]StoredEvent, len(w.committed))
	copy(out, w.committed)
	return out
}

// ExpireTransaction drops a flushed transaction as a sink-side timeout would,
// leaving its id unknown to later status queries.
func (w *MemoryWriter) ExpireTransaction(txnID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.flushed, txnID)
	if w.current != nil && *w.current == txnID {
		w.current = nil
	}
}

// DetachCurrent forgets the writer-side handle of the flushed transaction
// without touching the sink state, as a process crash between flush and
// commit would.
func (w *MemoryWriter) DetachCurrent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = nil
}
