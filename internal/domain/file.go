package domain

import (
	"sort"

	"github.com/google/uuid"
)

// FileNameWithOffset is the atomic unit of ingestion progress: a file name plus a
// byte offset into it. In a directory listing the offset carries the file size;
// for a pending file it carries the resume position.
type FileNameWithOffset struct {
	FileName string `json:"fileName"`
	Offset   int64  `json:"offset"`
}

// SortByFileName orders files lexicographically by name. Files are always
// processed in this order so sequence number allocation is reproducible.
func SortByFileName(files []FileNameWithOffset) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].FileName < files[j].FileName
	})
}

// CompletedFile records that a file's bytes in [BeginOffset, EndOffset) have been
// durably flushed to the sink. TransactionID is set while the flushed transaction
// still awaits commit confirmation and nil once no transaction bookkeeping remains.
type CompletedFile struct {
	FileName           string     `json:"fileName"`
	BeginOffset        int64      `json:"beginOffset"`
	EndOffset          int64      `json:"endOffset"`
	NextSequenceNumber int64      `json:"nextSequenceNumber"`
	TransactionID      *uuid.UUID `json:"transactionId,omitempty"`
}

// PendingCommit is a transaction that has been flushed to the sink but whose
// commit has not yet been confirmed. At most one exists at any time.
type PendingCommit struct {
	TransactionID uuid.UUID `json:"transactionId"`
}
