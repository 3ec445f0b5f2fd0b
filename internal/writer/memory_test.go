package writer

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryWriterTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter()

	if err := w.WriteEvent(ctx, "rk", []byte("one")); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteEvent(ctx, "rk", []byte("two")); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	// Nothing visible before commit
	if got := len(w.Committed()); got != 0 {
		t.Fatalf("expected empty stream before commit, got %d events", got)
	}

	txnID, err := w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if txnID == nil {
		t.Fatal("expected a transaction id")
	}

	status, err := w.TransactionStatus(ctx, *txnID)
	if err != nil {
		t.Fatalf("TransactionStatus: %v", err)
	}
	if status != TxnStatusOpen {
		t.Fatalf("expected open, got %s", status)
	}

	if err := w.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	status, err = w.TransactionStatus(ctx, *txnID)
	if err != nil {
		t.Fatalf("TransactionStatus: %v", err)
	}
	if status != TxnStatusCommitted {
		t.Fatalf("expected committed, got %s", status)
	}

	events := w.Committed()
	if len(events) != 2 || string(events[0].Payload) != "one" || string(events[1].Payload) != "two" {
		t.Fatalf("unexpected stream contents: %+v", events)
	}

	// Committing the same transaction again is idempotent
	if err := w.CommitTransaction(ctx, *txnID); err != nil {
		t.Fatalf("CommitTransaction (repeat): %v", err)
	}
	if got := len(w.Committed()); got != 2 {
		t.Fatalf("repeat commit duplicated events: %d", got)
	}
}

func TestMemoryWriterAbortDiscardsOpenTransaction(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter()

	if err := w.WriteEvent(ctx, "rk", []byte("doomed")); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	txnID, err := w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if txnID != nil {
		t.Fatalf("expected no transaction after abort, got %s", txnID)
	}
	if got := len(w.Committed()); got != 0 {
		t.Fatalf("aborted events became visible: %d", got)
	}
}

func TestMemoryWriterAbortDiscardsFlushedTransaction(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter()

	if err := w.WriteEvent(ctx, "rk", []byte("doomed")); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	txnID, err := w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	status, err := w.TransactionStatus(ctx, *txnID)
	if err != nil {
		t.Fatalf("TransactionStatus: %v", err)
	}
	if status != TxnStatusAborted {
		t.Fatalf("expected aborted, got %s", status)
	}
	if err := w.CommitTransaction(ctx, *txnID); err == nil {
		t.Fatal("expected commit of aborted transaction to fail")
	}
}

func TestMemoryWriterUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter()

	id := uuid.New()
	status, err := w.TransactionStatus(ctx, id)
	if err != nil {
		t.Fatalf("TransactionStatus: %v", err)
	}
	if status != TxnStatusUnknown {
		t.Fatalf("expected unknown, got %s", status)
	}
	if err := w.CommitTransaction(ctx, id); err == nil {
		t.Fatal("expected commit of unknown transaction to fail")
	}
}
