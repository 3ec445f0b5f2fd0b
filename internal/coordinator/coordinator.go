package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/filemill/filemill/internal/state"
	"github.com/filemill/filemill/internal/writer"
)

// ErrTransactionLost marks a pending commit whose transaction the sink no
// longer knows. The events may be unrecoverably lost, so this must reach the
// operator instead of being retried: re-ingesting would risk duplicates,
// discarding would risk a gap.
var ErrTransactionLost = errors.New("pending transaction is unknown to the sink")

// Coordinator bridges the local ingestion ledger and the sink's transaction
// lifecycle. The completed row and pending commit are written before the
// transaction is committed, so after a crash the ledger alone determines what
// still has to be finalized; no bytes are ever re-sent during recovery.
type Coordinator struct {
	store  state.Store
	writer writer.EventWriter
}

// New creates a transaction coordinator
func New(store state.Store, w writer.EventWriter) *Coordinator {
	return &Coordinator{store: store, writer: w}
}

// PerformRecovery reconciles pending commits with the sink's transaction
// outcomes. Called at startup and before each file's ingestion begins.
func (c *Coordinator) PerformRecovery(ctx context.Context) error {
	commits, err := c.store.PendingCommits(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending commits: %w", err)
	}

	for _, pc := range commits {
		txnID := pc.TransactionID

		status, err := c.writer.TransactionStatus(ctx, txnID)
		if err != nil {
			return fmt.Errorf("failed to query transaction %s: %w", txnID, err)
		}

		switch status {
		case writer.TxnStatusCommitted:
			// Crash happened after commit but before local cleanup
			log.Info().
				Str("transaction_id", txnID.String()).
				Msg("Pending transaction already committed, clearing record")

		case writer.TxnStatusOpen:
			// Crash happened after flush but before commit. The completed row
			// was durably written before the flush was recorded, so
			// finalizing the same transaction cannot duplicate events.
			log.Info().
				Str("transaction_id", txnID.String()).
				Msg("Committing pending transaction from previous run")
			if err := c.writer.CommitTransaction(ctx, txnID); err != nil {
				return fmt.Errorf("%w: commit of %s failed: %v", ErrTransactionLost, txnID, err)
			}

		default:
			// Aborted or expired on the sink side: the flushed events are gone
			log.Error().
				Str("transaction_id", txnID.String()).
				Str("status", status.String()).
				Msg("Pending transaction cannot be recovered; operator intervention required")
			return fmt.Errorf("%w: transaction %s has status %s", ErrTransactionLost, txnID, status)
		}

		if err := c.store.DeleteTransactionToCommit(ctx, &txnID); err != nil {
			return fmt.Errorf("failed to clear pending commit %s: %w", txnID, err)
		}
	}

	return nil
}
