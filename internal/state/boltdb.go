package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/filemill/filemill/internal/domain"
)

const (
	pendingBucket   = "pendingFiles"
	completedBucket = "completedFiles"
	commitsBucket   = "pendingCommits"
	identityBucket  = "writerIdentity"
	sequenceBucket  = "sequenceHighWater"

	identityKey  = "id"
	highWaterKey = "max"
)

// ErrPendingCommitExists is returned when a second pending commit would be
// recorded while another is still awaiting confirmation.
var ErrPendingCommitExists = fmt.Errorf("a pending commit already exists")

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore opens (or creates) the BoltDB ledger at dbPath
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	// Try to open with short timeout
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// If the file is locked, another connector instance is holding it.
		// Two instances on one ledger is undefined behavior, so fail here.
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{pendingBucket, completedBucket, commitsBucket, identityBucket, sequenceBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB ingestion state store initialized")

	return &BoltDBStore{db: db}, nil
}

// GetCompletedFiles returns all completed rows sorted by file name
func (s *BoltDBStore) GetCompletedFiles(ctx context.Context) ([]domain.CompletedFile, error) {
	var completed []domain.CompletedFile

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(completedBucket))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		// Bucket keys are the file names, so cursor order is name order
		return b.ForEach(func(k, v []byte) error {
			var cf domain.CompletedFile
			if err := json.Unmarshal(v, &cf); err != nil {
				return fmt.Errorf("corrupt completed row %q: %w", string(k), err)
			}
			completed = append(completed, cf)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get completed files: %w", err)
	}

	return completed, nil
}

// AddPendingFiles inserts new pending rows, skipping files already pending or completed
func (s *BoltDBStore) AddPendingFiles(ctx context.Context, files []domain.FileNameWithOffset) error {
	if len(files) == 0 {
		return nil
	}

	added := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))
		completed := tx.Bucket([]byte(completedBucket))

		for _, f := range files {
			key := []byte(f.FileName)
			if pending.Get(key) != nil || completed.Get(key) != nil {
				continue
			}
			val, err := json.Marshal(f)
			if err != nil {
				return fmt.Errorf("failed to encode pending row: %w", err)
			}
			if err := pending.Put(key, val); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add pending files: %w", err)
	}

	if added > 0 {
		log.Info().
			Int("count", added).
			Msg("New pending file(s) recorded")
	}

	return nil
}

// GetNextPendingFile returns the earliest pending file and its first sequence number
func (s *BoltDBStore) GetNextPendingFile(ctx context.Context) (*domain.FileNameWithOffset, int64, error) {
	var next *domain.FileNameWithOffset
	var firstSequenceNumber int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))

		k, v := pending.Cursor().First()
		if k == nil {
			return nil
		}

		var f domain.FileNameWithOffset
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("corrupt pending row %q: %w", string(k), err)
		}

		completed := tx.Bucket([]byte(completedBucket))

		// Resume from the end of the last completed segment, if any
		if cv := completed.Get(k); cv != nil {
			var cf domain.CompletedFile
			if err := json.Unmarshal(cv, &cf); err != nil {
				return fmt.Errorf("corrupt completed row %q: %w", string(k), err)
			}
			f.Offset = cf.EndOffset
		}

		// Sequence numbers continue from the persisted high-water mark. The
		// mark is kept in its own bucket so that deleting completed rows
		// (delete-on-completion) never rewinds the numbering.
		hw, err := readHighWater(tx)
		if err != nil {
			return err
		}
		firstSequenceNumber = hw

		next = &f
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get next pending file: %w", err)
	}

	return next, firstSequenceNumber, nil
}

// AddCompletedFile records a completed segment, removes the pending row and
// tracks the flushed transaction, all in one durable BoltDB transaction.
func (s *BoltDBStore) AddCompletedFile(ctx context.Context, fileName string, beginOffset, endOffset, nextSequenceNumber int64, txnID *uuid.UUID) error {
	cf := domain.CompletedFile{
		FileName:           fileName,
		BeginOffset:        beginOffset,
		EndOffset:          endOffset,
		NextSequenceNumber: nextSequenceNumber,
		TransactionID:      txnID,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		commits := tx.Bucket([]byte(commitsBucket))

		if txnID != nil {
			// At most one pending commit may exist system-wide
			if k, _ := commits.Cursor().First(); k != nil && string(k) != txnID.String() {
				return ErrPendingCommitExists
			}
			pc := domain.PendingCommit{TransactionID: *txnID}
			val, err := json.Marshal(pc)
			if err != nil {
				return fmt.Errorf("failed to encode pending commit: %w", err)
			}
			if err := commits.Put([]byte(txnID.String()), val); err != nil {
				return err
			}
		}

		val, err := json.Marshal(cf)
		if err != nil {
			return fmt.Errorf("failed to encode completed row: %w", err)
		}
		if err := tx.Bucket([]byte(completedBucket)).Put([]byte(fileName), val); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(pendingBucket)).Delete([]byte(fileName)); err != nil {
			return err
		}

		// Advance the sequence high-water mark in the same transaction
		hw, err := readHighWater(tx)
		if err != nil {
			return err
		}
		if nextSequenceNumber > hw {
			seq := tx.Bucket([]byte(sequenceBucket))
			return seq.Put([]byte(highWaterKey), []byte(strconv.FormatInt(nextSequenceNumber, 10)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add completed file: %w", err)
	}

	log.Debug().
		Str("file_name", fileName).
		Int64("begin_offset", beginOffset).
		Int64("end_offset", endOffset).
		Int64("next_sequence_number", nextSequenceNumber).
		Msg("Completed file recorded")

	return nil
}

// readHighWater returns the highest sequence number allocated so far, 0 when
// nothing has been ingested yet.
func readHighWater(tx *bbolt.Tx) (int64, error) {
	val := tx.Bucket([]byte(sequenceBucket)).Get([]byte(highWaterKey))
	if val == nil {
		return 0, nil
	}
	hw, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence high-water mark: %w", err)
	}
	return hw, nil
}

// PendingCommits returns the flushed transactions awaiting commit confirmation
func (s *BoltDBStore) PendingCommits(ctx context.Context) ([]domain.PendingCommit, error) {
	var commits []domain.PendingCommit

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(commitsBucket))
		return b.ForEach(func(k, v []byte) error {
			var pc domain.PendingCommit
			if err := json.Unmarshal(v, &pc); err != nil {
				return fmt.Errorf("corrupt pending commit %q: %w", string(k), err)
			}
			commits = append(commits, pc)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commits: %w", err)
	}

	return commits, nil
}

// DeleteTransactionToCommit removes a confirmed pending commit; no-op for nil
func (s *BoltDBStore) DeleteTransactionToCommit(ctx context.Context, txnID *uuid.UUID) error {
	if txnID == nil {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(commitsBucket)).Delete([]byte(txnID.String()))
	})
	if err != nil {
		return fmt.Errorf("failed to delete pending commit: %w", err)
	}

	log.Debug().
		Str("transaction_id", txnID.String()).
		Msg("Pending commit cleared")

	return nil
}

// DeleteCompletedFile removes a completed row after the file was deleted from disk
func (s *BoltDBStore) DeleteCompletedFile(ctx context.Context, fileName string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(completedBucket)).Delete([]byte(fileName))
	})
	if err != nil {
		return fmt.Errorf("failed to delete completed file: %w", err)
	}

	return nil
}

// WriterID returns the persistent writer identity, creating it on first use
func (s *BoltDBStore) WriterID(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(identityBucket))

		if val := b.Get([]byte(identityKey)); val != nil {
			parsed, err := uuid.Parse(string(val))
			if err != nil {
				return fmt.Errorf("corrupt writer identity: %w", err)
			}
			id = parsed
			return nil
		}

		id = uuid.New()
		if err := b.Put([]byte(identityKey), []byte(id.String())); err != nil {
			return err
		}

		log.Info().
			Str("writer_id", id.String()).
			Msg("Writer identity created")
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get writer identity: %w", err)
	}

	return id, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB ingestion state store")
	return s.db.Close()
}
