package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/filemill/filemill/internal/coordinator"
	"github.com/filemill/filemill/internal/generator"
	"github.com/filemill/filemill/internal/state"
	"github.com/filemill/filemill/internal/writer"
)

type fixture struct {
	watchDir string
	store    *state.BoltDBStore
	sink     *writer.MemoryWriter
	coord    *coordinator.Coordinator
	proc     *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	if cfg.WatchDir == "" {
		cfg.WatchDir = t.TempDir()
	}
	store, err := state.NewBoltDBStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewBoltDBStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink := writer.NewMemoryWriter()
	coord := coordinator.New(store, sink)
	gen := &generator.LineGenerator{RoutingKey: "rk"}

	return &fixture{
		watchDir: cfg.WatchDir,
		store:    store,
		sink:     sink,
		coord:    coord,
		proc:     New(cfg, store, sink, coord, gen),
	}
}

// restart builds a new processor over the same store and sink, as a process
// restart would (the sink keeps its durable transaction state).
func (fx *fixture) restart(t *testing.T, cfg Config) {
	t.Helper()
	cfg.WatchDir = fx.watchDir
	fx.coord = coordinator.New(fx.store, fx.sink)
	fx.proc = New(cfg, fx.store, fx.sink, fx.coord, &generator.LineGenerator{RoutingKey: "rk"})
}

func (fx *fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(fx.watchDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func payloads(events []writer.StoredEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Payload)
	}
	return out
}

func assertPayloads(t *testing.T, got []writer.StoredEvent, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), payloads(got))
	}
	for i := range want {
		if string(got[i].Payload) != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], got[i].Payload)
		}
	}
}

func TestIngestFilesDeliversInNameOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt"})

	aPath := fx.writeFile(t, "a.txt", "a1\na2\na3\n")
	bPath := fx.writeFile(t, "b.txt", "b1\nb2\n")
	fx.writeFile(t, "ignored.csv", "nope\n")

	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}

	// Events appear in file name order, never interleaved
	assertPayloads(t, fx.sink.Committed(), []string{"a1", "a2", "a3", "b1", "b2"})

	completed, err := fx.store.GetCompletedFiles(ctx)
	if err != nil {
		t.Fatalf("GetCompletedFiles: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed rows, got %+v", completed)
	}
	if completed[0].FileName != aPath || completed[0].BeginOffset != 0 || completed[0].EndOffset != 9 {
		t.Errorf("unexpected a.txt row: %+v", completed[0])
	}
	if completed[1].FileName != bPath || completed[1].BeginOffset != 0 || completed[1].EndOffset != 6 {
		t.Errorf("unexpected b.txt row: %+v", completed[1])
	}
	// Sequence allocation is contiguous across files
	if completed[0].NextSequenceNumber != 3 {
		t.Errorf("expected a.txt nextSequenceNumber 3, got %d", completed[0].NextSequenceNumber)
	}
	if completed[1].NextSequenceNumber != 5 {
		t.Errorf("expected b.txt nextSequenceNumber 5, got %d", completed[1].NextSequenceNumber)
	}

	commits, err := fx.store.PendingCommits(ctx)
	if err != nil {
		t.Fatalf("PendingCommits: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("pending commit left behind: %+v", commits)
	}
}

func TestRediscoveryAddsNothing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt"})
	fx.writeFile(t, "a.txt", "a1\n")

	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles (second pass): %v", err)
	}

	assertPayloads(t, fx.sink.Committed(), []string{"a1"})
}

// Crash injected between flush and commit: recovery on restart finalizes the
// flushed transaction without re-reading or re-sending anything.
func TestCommitCrashRecoveryDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt"})
	fx.writeFile(t, "a.txt", "a1\na2\n")

	injected := errors.New("injected commit failure")
	fx.proc.beforeCommit = func() error { return injected }

	// The pass swallows the file-scoped error; nothing is visible yet
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if got := len(fx.sink.Committed()); got != 0 {
		t.Fatalf("events visible before commit: %d", got)
	}

	commits, err := fx.store.PendingCommits(ctx)
	if err != nil {
		t.Fatalf("PendingCommits: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected one pending commit, got %+v", commits)
	}

	// Restart: startup recovery finishes the commit, the pass finds no new work
	fx.restart(t, Config{FileExtension: ".txt"})
	if err := fx.coord.PerformRecovery(ctx); err != nil {
		t.Fatalf("PerformRecovery: %v", err)
	}
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles (after restart): %v", err)
	}

	assertPayloads(t, fx.sink.Committed(), []string{"a1", "a2"})

	commits, err = fx.store.PendingCommits(ctx)
	if err != nil {
		t.Fatalf("PendingCommits: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("pending commit not cleared: %+v", commits)
	}
}

// publishOnFlushWriter models a sink whose flush both persists and publishes,
// like the transactional Kafka producer: Flush returns no transaction id and
// Commit has nothing left to do.
type publishOnFlushWriter struct {
	buf       []writer.StoredEvent
	published []writer.StoredEvent
}

func (w *publishOnFlushWriter) WriteEvent(ctx context.Context, routingKey string, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	w.buf = append(w.buf, writer.StoredEvent{RoutingKey: routingKey, Payload: p})
	return nil
}

func (w *publishOnFlushWriter) Flush(ctx context.Context) (*uuid.UUID, error) {
	w.published = append(w.published, w.buf...)
	w.buf = nil
	return nil, nil
}

func (w *publishOnFlushWriter) Commit(ctx context.Context) error { return nil }

func (w *publishOnFlushWriter) CommitTransaction(ctx context.Context, txnID uuid.UUID) error {
	return writer.ErrTransactionsUnsupported
}

func (w *publishOnFlushWriter) TransactionStatus(ctx context.Context, txnID uuid.UUID) (writer.TxnStatus, error) {
	return writer.TxnStatusUnknown, writer.ErrTransactionsUnsupported
}

func (w *publishOnFlushWriter) Abort(ctx context.Context) error {
	w.buf = nil
	return nil
}

func (w *publishOnFlushWriter) Close() error { return nil }

// A sink without explicit transactions records no pending commit, so a crash
// between recording completion and Commit must not lose the batch: the events
// have to be visible the moment Flush returns.
func TestPublishOnFlushCrashBeforeCommitLeavesNoGap(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt"})
	fx.writeFile(t, "a.txt", "a1\na2\n")

	sink := &publishOnFlushWriter{}
	cfg := Config{WatchDir: fx.watchDir, FileExtension: ".txt"}
	fx.proc = New(cfg, fx.store, sink, coordinator.New(fx.store, sink), &generator.LineGenerator{RoutingKey: "rk"})
	fx.proc.beforeCommit = func() error { return errors.New("injected crash before commit") }

	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	// The ledger row is durable and the events are already on the stream
	assertPayloads(t, sink.published, []string{"a1", "a2"})

	// Restart: nothing to recover, the file is not revisited, no duplicates
	coord := coordinator.New(fx.store, sink)
	if err := coord.PerformRecovery(ctx); err != nil {
		t.Fatalf("PerformRecovery: %v", err)
	}
	fx.proc = New(cfg, fx.store, sink, coord, &generator.LineGenerator{RoutingKey: "rk"})
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles (after restart): %v", err)
	}
	assertPayloads(t, sink.published, []string{"a1", "a2"})

	commits, err := fx.store.PendingCommits(ctx)
	if err != nil {
		t.Fatalf("PendingCommits: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("pending commit recorded for a nil-transaction sink: %+v", commits)
	}
}

// flakyWriter fails the first WriteEvent to simulate a sink rejecting a write
type flakyWriter struct {
	writer.EventWriter
	failures int
}

func (w *flakyWriter) WriteEvent(ctx context.Context, routingKey string, payload []byte) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("delivery failed")
	}
	return w.EventWriter.WriteEvent(ctx, routingKey, payload)
}

func TestDeliveryErrorRetriesFromLastCommittedOffset(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt"})
	fx.writeFile(t, "a.txt", "a1\na2\n")

	flaky := &flakyWriter{EventWriter: fx.sink, failures: 1}
	fx.proc = New(Config{WatchDir: fx.watchDir, FileExtension: ".txt"}, fx.store, flaky, coordinator.New(fx.store, flaky), &generator.LineGenerator{RoutingKey: "rk"})

	// First pass fails mid-file; nothing was marked complete
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if got := len(fx.sink.Committed()); got != 0 {
		t.Fatalf("events visible after failed pass: %d", got)
	}
	completed, err := fx.store.GetCompletedFiles(ctx)
	if err != nil {
		t.Fatalf("GetCompletedFiles: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("failed file marked complete: %+v", completed)
	}

	// Next pass re-reads from offset 0 and delivers everything exactly once
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles (retry): %v", err)
	}
	assertPayloads(t, fx.sink.Committed(), []string{"a1", "a2"})
}

func TestDeleteCompletedFiles(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt", DeleteCompletedFiles: true})

	aPath := fx.writeFile(t, "a.txt", "a1\n")
	bPath := fx.writeFile(t, "b.txt", "b1\n")

	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}

	assertPayloads(t, fx.sink.Committed(), []string{"a1", "b1"})

	for _, path := range []string{aPath, bPath} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("expected %s to be deleted", path)
		}
	}

	completed, err := fx.store.GetCompletedFiles(ctx)
	if err != nil {
		t.Fatalf("GetCompletedFiles: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("completed rows survive file deletion: %+v", completed)
	}

	// Deleted files must not be rediscovered... there is nothing left to find
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles (second pass): %v", err)
	}
	assertPayloads(t, fx.sink.Committed(), []string{"a1", "b1"})
}

func TestDeleteDeferredWhileFileLocked(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt", DeleteCompletedFiles: false})

	aPath := fx.writeFile(t, "a.txt", "a1\n")
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}

	// Another process still holds the file
	unlock := lockFile(t, aPath)

	fx.restart(t, Config{FileExtension: ".txt", DeleteCompletedFiles: true})
	fx.proc.deleteCompletedFiles(ctx)

	if _, err := os.Stat(aPath); err != nil {
		t.Fatalf("locked file was deleted: %v", err)
	}
	completed, err := fx.store.GetCompletedFiles(ctx)
	if err != nil {
		t.Fatalf("GetCompletedFiles: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed row removed while file still on disk: %+v", completed)
	}

	// Lock released: the next iteration succeeds
	unlock()
	fx.proc.deleteCompletedFiles(ctx)

	if _, err := os.Stat(aPath); !os.IsNotExist(err) {
		t.Fatal("expected file to be deleted after lock release")
	}
	completed, err = fx.store.GetCompletedFiles(ctx)
	if err != nil {
		t.Fatalf("GetCompletedFiles: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("completed row not removed: %+v", completed)
	}
}

// A file that grows after completion is tracked by name only and is not
// re-ingested. This mirrors the completed-set contract, not an oversight.
func TestFileGrowthAfterCompletionIsIgnored(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FileExtension: ".txt"})

	aPath := fx.writeFile(t, "a.txt", "a1\n")
	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}

	f, err := os.OpenFile(aPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("a2\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	if err := fx.proc.IngestFiles(ctx); err != nil {
		t.Fatalf("IngestFiles (after growth): %v", err)
	}

	assertPayloads(t, fx.sink.Committed(), []string{"a1"})
}
