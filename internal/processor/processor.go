package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filemill/filemill/internal/coordinator"
	"github.com/filemill/filemill/internal/domain"
	"github.com/filemill/filemill/internal/generator"
	"github.com/filemill/filemill/internal/scanner"
	"github.com/filemill/filemill/internal/state"
	"github.com/filemill/filemill/internal/writer"
)

// Config holds the per-directory ingestion settings
type Config struct {
	WatchDir             string
	FileExtension        string
	DeleteCompletedFiles bool
}

// Processor drives the ingestion loop: recover, discover, ingest pending
// files one at a time in name order, and delete fully committed files.
type Processor struct {
	cfg    Config
	store  state.Store
	writer writer.EventWriter
	coord  *coordinator.Coordinator
	gen    generator.Generator

	// beforeCommit runs between recording completion and committing the
	// transaction. Set only by tests to simulate a crash at that point.
	beforeCommit func() error
}

// New creates a processor
func New(cfg Config, store state.Store, w writer.EventWriter, coord *coordinator.Coordinator, gen generator.Generator) *Processor {
	return &Processor{
		cfg:    cfg,
		store:  store,
		writer: w,
		coord:  coord,
		gen:    gen,
	}
}

// IngestFiles runs one full pass: delete leftover completed files, discover
// new ones, then drain the pending queue.
func (p *Processor) IngestFiles(ctx context.Context) error {
	if p.cfg.DeleteCompletedFiles {
		p.deleteCompletedFiles(ctx)
	}
	if err := p.findAndRecordNewFiles(ctx); err != nil {
		return err
	}
	return p.processPendingFiles(ctx)
}

// findAndRecordNewFiles diffs the directory listing against the completed set
// and queues what is new. Membership is by file name only: a file that grew
// after completion is not revisited.
func (p *Processor) findAndRecordNewFiles(ctx context.Context) error {
	listing, err := scanner.List(p.cfg.WatchDir, p.cfg.FileExtension)
	if err != nil {
		return fmt.Errorf("failed to list directory: %w", err)
	}

	completed, err := p.store.GetCompletedFiles(ctx)
	if err != nil {
		return err
	}
	completedNames := make(map[string]bool, len(completed))
	for _, cf := range completed {
		completedNames[cf.FileName] = true
	}

	var newFiles []domain.FileNameWithOffset
	for _, f := range listing {
		if !completedNames[f.FileName] {
			newFiles = append(newFiles, domain.FileNameWithOffset{FileName: f.FileName, Offset: 0})
		}
	}

	return p.store.AddPendingFiles(ctx, newFiles)
}

// processPendingFiles ingests pending files strictly in name order. A failing
// file ends the pass (it blocks the queue to keep sequence allocation
// deterministic) and is retried from its last committed offset next pass.
func (p *Processor) processPendingFiles(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, firstSequenceNumber, err := p.store.GetNextPendingFile(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			log.Debug().Msg("No more files to ingest")
			return nil
		}

		if err := p.processFile(ctx, *next, firstSequenceNumber); err != nil {
			if errors.Is(err, coordinator.ErrTransactionLost) {
				return err
			}
			log.Error().
				Err(err).
				Str("file_name", next.FileName).
				Msg("File ingestion failed, will retry on the next pass")
			return nil
		}
	}
}

// processFile ingests one file's remaining byte range to full completion
func (p *Processor) processFile(ctx context.Context, file domain.FileNameWithOffset, firstSequenceNumber int64) error {
	log.Info().
		Str("file_name", file.FileName).
		Int64("begin_offset", file.Offset).
		Int64("first_sequence_number", firstSequenceNumber).
		Msg("Ingesting file")

	start := time.Now()

	// A previous iteration may have crashed: finish any flushed transaction
	// first, then clear whatever was left open without being flushed.
	if err := p.coord.PerformRecovery(ctx); err != nil {
		return err
	}
	if err := p.writer.Abort(ctx); err != nil {
		return fmt.Errorf("failed to abort stale transaction: %w", err)
	}

	f, err := os.Open(file.FileName)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if file.Offset > 0 {
		if _, err := f.Seek(file.Offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to offset %d: %w", file.Offset, err)
		}
	}

	var bytesSent int64
	nextSequenceNumber, consumed, err := p.gen.GenerateEvents(f, firstSequenceNumber, func(e domain.Event) error {
		if err := p.writer.WriteEvent(ctx, e.RoutingKey, e.Payload); err != nil {
			return err
		}
		bytesSent += int64(len(e.Payload))
		return nil
	})
	if err != nil {
		// Nothing was marked complete; drop the partial transaction
		if abortErr := p.writer.Abort(ctx); abortErr != nil {
			log.Warn().Err(abortErr).Msg("Failed to abort after delivery error")
		}
		return fmt.Errorf("failed to generate events: %w", err)
	}

	txnID, err := p.writer.Flush(ctx)
	if err != nil {
		if abortErr := p.writer.Abort(ctx); abortErr != nil {
			log.Warn().Err(abortErr).Msg("Failed to abort after flush error")
		}
		return fmt.Errorf("failed to flush: %w", err)
	}

	// The ledger must know the byte range belongs to this transaction before
	// the commit is attempted; recovery depends on that ordering.
	endOffset := file.Offset + consumed
	if err := p.store.AddCompletedFile(ctx, file.FileName, file.Offset, endOffset, nextSequenceNumber, txnID); err != nil {
		return err
	}

	if p.beforeCommit != nil {
		if err := p.beforeCommit(); err != nil {
			return err
		}
	}

	if err := p.writer.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	if err := p.store.DeleteTransactionToCommit(ctx, txnID); err != nil {
		return err
	}

	elapsed := time.Since(start).Seconds()
	megabytes := float64(bytesSent) / 1e6
	log.Info().
		Str("file_name", file.FileName).
		Int64("end_offset", endOffset).
		Int64("next_sequence_number", nextSequenceNumber).
		Float64("megabytes", megabytes).
		Float64("mb_per_sec", megabytes/elapsed).
		Msg("Finished ingesting file")

	if p.cfg.DeleteCompletedFiles {
		p.deleteCompletedFiles(ctx)
	}

	return nil
}

// deleteCompletedFiles removes fully committed files from disk. Each deletion
// is gated by a non-blocking exclusive lock so a file still being appended to
// by its producer is left alone; failures defer to the next iteration.
func (p *Processor) deleteCompletedFiles(ctx context.Context) {
	completed, err := p.store.GetCompletedFiles(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read completed files for deletion")
		return
	}

	for _, cf := range completed {
		if err := deleteWithLock(cf.FileName); err != nil {
			log.Warn().
				Err(err).
				Str("file_name", cf.FileName).
				Msg("Unable to delete ingested file, deletion will be retried on the next iteration")
			continue
		}

		// Only drop the row once the file is really gone
		if err := p.store.DeleteCompletedFile(ctx, cf.FileName); err != nil {
			log.Warn().Err(err).Str("file_name", cf.FileName).Msg("Failed to remove completed row")
			continue
		}

		log.Info().
			Str("file_name", cf.FileName).
			Msg("Deleted ingested file")
	}
}
