package writer

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/filemill/filemill/internal/retry"
)

// KafkaSASLConfig holds SASL authentication parameters
type KafkaSASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string
}

// KafkaConfig holds Kafka sink configuration
type KafkaConfig struct {
	Brokers            []string
	Stream             string // target topic
	WriterID           string // transactional id; durable writer identity
	TransactionTimeout time.Duration
	TLS                bool
	SASL               *KafkaSASLConfig
}

// KafkaWriter delivers events through a franz-go transactional producer.
// The transaction is opened on the first write and committed inside Flush,
// so flush and publication are a single step: recovery never needs to query
// this sink, and the failure mode is a re-read from the last recorded
// offset, never a gap.
type KafkaWriter struct {
	client *kgo.Client

	mu       sync.Mutex
	inTxn    bool
	writeErr error // first async produce failure, surfaced on Flush
}

// NewKafkaWriter connects to Kafka and verifies the connection with retry
func NewKafkaWriter(cfg KafkaConfig) (*KafkaWriter, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Stream),
		kgo.TransactionalID(cfg.WriterID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.TransactionTimeout > 0 {
		opts = append(opts, kgo.TransactionTimeout(cfg.TransactionTimeout))
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx := context.Background()
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return client.Ping(ctx)
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("stream", cfg.Stream).
		Str("writer_id", cfg.WriterID).
		Msg("Connected to Kafka")

	return &KafkaWriter{client: client}, nil
}

// WriteEvent buffers one event into the producer transaction, beginning one lazily
func (w *KafkaWriter) WriteEvent(ctx context.Context, routingKey string, payload []byte) error {
	w.mu.Lock()
	if w.writeErr != nil {
		err := w.writeErr
		w.mu.Unlock()
		return fmt.Errorf("transaction already failed: %w", err)
	}
	if !w.inTxn {
		if err := w.client.BeginTransaction(); err != nil {
			w.mu.Unlock()
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		w.inTxn = true
	}
	// Release before Produce: a rejected record may run its promise synchronously
	w.mu.Unlock()

	// The caller may reuse the payload buffer before delivery completes
	value := make([]byte, len(payload))
	copy(value, payload)

	rec := &kgo.Record{
		Key:   []byte(routingKey),
		Value: value,
	}
	w.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			w.mu.Lock()
			if w.writeErr == nil {
				w.writeErr = err
			}
			w.mu.Unlock()
		}
	})

	return nil
}

// Flush waits until all buffered records are durable and commits the producer
// transaction, making the records visible. Flush is the publication point for
// this sink: a crash after a successful Flush leaves nothing dangling on the
// broker, and a crash before it aborts the whole batch (the transactional id
// is fenced on reconnect), so the file is simply re-read from its last
// recorded offset.
func (w *KafkaWriter) Flush(ctx context.Context) (*uuid.UUID, error) {
	if err := w.client.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush kafka producer: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return nil, fmt.Errorf("failed to deliver event: %w", w.writeErr)
	}
	if w.inTxn {
		if err := w.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		w.inTxn = false
	}

	// No transaction id: the records are already visible
	return nil, nil
}

// Commit is a no-op: Flush already committed the producer transaction
func (w *KafkaWriter) Commit(ctx context.Context) error {
	return nil
}

// CommitTransaction is unsupported: this sink never hands out transaction ids
func (w *KafkaWriter) CommitTransaction(ctx context.Context, txnID uuid.UUID) error {
	return ErrTransactionsUnsupported
}

// TransactionStatus is unsupported: this sink never hands out transaction ids
func (w *KafkaWriter) TransactionStatus(ctx context.Context, txnID uuid.UUID) (TxnStatus, error) {
	return TxnStatusUnknown, ErrTransactionsUnsupported
}

// Abort discards the open transaction, if any
func (w *KafkaWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.writeErr = nil
	if !w.inTxn {
		return nil
	}

	if err := w.client.AbortBufferedRecords(ctx); err != nil {
		return fmt.Errorf("failed to abort buffered records: %w", err)
	}
	if err := w.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		return fmt.Errorf("failed to abort transaction: %w", err)
	}
	w.inTxn = false
	return nil
}

// Close closes the Kafka client
func (w *KafkaWriter) Close() error {
	log.Info().Msg("Closing Kafka writer")
	w.client.Close()
	return nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism
func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
