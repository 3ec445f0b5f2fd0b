package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/filemill/filemill/internal/retry"
)

// ClickHouseConfig holds ClickHouse sink configuration
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Table    string
	Stream   string // stream column value; one writer owns one stream
	WriterID string
}

type bufferedEvent struct {
	routingKey string
	payload    []byte
}

// ClickHouseWriter appends events to a ClickHouse table. A batch insert is
// atomic and durable once Send returns, so Flush both flushes and publishes;
// no transaction id is exposed and Commit is a no-op.
type ClickHouseWriter struct {
	conn     clickhouse.Conn
	cfg      ClickHouseConfig
	retryCfg retry.Config

	buffer []bufferedEvent
}

// NewClickHouseWriter connects to ClickHouse and verifies the connection with retry
func NewClickHouseWriter(cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: "default",
			Password: "",
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	retryCfg := retry.DefaultConfig()
	ctx := context.Background()
	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Str("table", cfg.Table).
		Msg("Connected to ClickHouse")

	return &ClickHouseWriter{
		conn:     conn,
		cfg:      cfg,
		retryCfg: retryCfg,
	}, nil
}

// WriteEvent buffers one event for the next Flush
func (w *ClickHouseWriter) WriteEvent(ctx context.Context, routingKey string, payload []byte) error {
	// The caller may reuse the payload buffer before Flush
	p := make([]byte, len(payload))
	copy(p, payload)

	w.buffer = append(w.buffer, bufferedEvent{routingKey: routingKey, payload: p})
	return nil
}

// Flush sends all buffered events as one atomic batch insert
func (w *ClickHouseWriter) Flush(ctx context.Context) (*uuid.UUID, error) {
	if len(w.buffer) == 0 {
		return nil, nil
	}

	now := time.Now()
	query := fmt.Sprintf("INSERT INTO %s.%s", w.cfg.Database, w.cfg.Table)

	// The whole batch is rebuilt per attempt; a failed batch cannot be resent
	err := retry.Do(ctx, w.retryCfg, func() error {
		batch, err := w.conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, e := range w.buffer {
			if err := batch.Append(now, w.cfg.Stream, w.cfg.WriterID, e.routingKey, e.payload); err != nil {
				return fmt.Errorf("failed to append to batch: %w", err)
			}
		}
		return batch.Send()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().
		Int("events", len(w.buffer)).
		Str("stream", w.cfg.Stream).
		Msg("Event batch written to ClickHouse")

	w.buffer = w.buffer[:0]
	return nil, nil
}

// Commit is a no-op: the batch became visible at Flush
func (w *ClickHouseWriter) Commit(ctx context.Context) error {
	return nil
}

// CommitTransaction is unsupported: this sink never hands out transaction ids
func (w *ClickHouseWriter) CommitTransaction(ctx context.Context, txnID uuid.UUID) error {
	return ErrTransactionsUnsupported
}

// TransactionStatus is unsupported: this sink never hands out transaction ids
func (w *ClickHouseWriter) TransactionStatus(ctx context.Context, txnID uuid.UUID) (TxnStatus, error) {
	return TxnStatusUnknown, ErrTransactionsUnsupported
}

// Abort discards events buffered since the last Flush
func (w *ClickHouseWriter) Abort(ctx context.Context) error {
	w.buffer = w.buffer[:0]
	return nil
}

// Close closes the ClickHouse connection
func (w *ClickHouseWriter) Close() error {
	log.Info().Msg("Closing ClickHouse writer")
	return w.conn.Close()
}
