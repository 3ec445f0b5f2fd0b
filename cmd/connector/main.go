package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filemill/filemill/internal/config"
	"github.com/filemill/filemill/internal/coordinator"
	"github.com/filemill/filemill/internal/generator"
	"github.com/filemill/filemill/internal/observability"
	"github.com/filemill/filemill/internal/processor"
	"github.com/filemill/filemill/internal/service"
	"github.com/filemill/filemill/internal/state"
	"github.com/filemill/filemill/internal/writer"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("version", version).
		Str("watch_dir", cfg.WatchDir).
		Str("stream", cfg.StreamName).
		Msg("Starting file stream connector")

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "file-stream-connector",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	// The connector must not run without a consistent ledger
	store, err := state.NewBoltDBStore(cfg.StateDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ingestion state store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerID, err := store.WriterID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load writer identity")
	}
	log.Info().Str("writer_id", writerID.String()).Msg("Writer identity loaded")

	eventWriter, err := newEventWriter(cfg, writerID.String())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event writer")
	}
	defer eventWriter.Close()

	coord := coordinator.New(store, eventWriter)
	if err := coord.PerformRecovery(ctx); err != nil {
		log.Fatal().Err(err).Msg("Transaction recovery failed")
	}

	proc := processor.New(processor.Config{
		WatchDir:             cfg.WatchDir,
		FileExtension:        cfg.FileExtension,
		DeleteCompletedFiles: cfg.DeleteCompletedFiles,
	}, store, eventWriter, coord, newGenerator(cfg))

	svc, err := service.New(cfg, proc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingest service")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := svc.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Ingest service error")
	}

	log.Info().Msg("Shutting down gracefully...")

	// Stop the service first so an in-flight pass finishes its commit or
	// abort sequence before the context is cancelled under it.
	if err := svc.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	cancel()

	log.Info().Msg("Connector stopped")
}

// newEventWriter builds the sink facade selected by SINK_TYPE
func newEventWriter(cfg *config.Config, writerID string) (writer.EventWriter, error) {
	switch cfg.SinkType {
	case config.SinkKafka:
		var saslCfg *writer.KafkaSASLConfig
		if cfg.KafkaSASLMech != "" {
			saslCfg = &writer.KafkaSASLConfig{
				Mechanism: cfg.KafkaSASLMech,
				User:      cfg.KafkaSASLUser,
				Password:  cfg.KafkaSASLPassword,
			}
		}
		return writer.NewKafkaWriter(writer.KafkaConfig{
			Brokers:            cfg.KafkaBrokers,
			Stream:             cfg.StreamName,
			WriterID:           writerID,
			TransactionTimeout: time.Duration(cfg.TransactionTimeoutMinutes) * time.Minute,
			TLS:                cfg.KafkaTLS,
			SASL:               saslCfg,
		})
	case config.SinkClickHouse:
		return writer.NewClickHouseWriter(writer.ClickHouseConfig{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
			Table:    cfg.ClickHouseTable,
			Stream:   cfg.StreamName,
			WriterID: writerID,
		})
	case config.SinkMemory:
		log.Warn().Msg("Using in-memory sink: events are not delivered anywhere durable")
		return writer.NewMemoryWriter(), nil
	default:
		return nil, fmt.Errorf("unknown sink type: %q", cfg.SinkType)
	}
}

// newGenerator builds the event framing selected by EVENT_FORMAT
func newGenerator(cfg *config.Config) generator.Generator {
	if cfg.EventFormat == config.FormatChunk {
		return &generator.ChunkGenerator{
			RoutingKey: cfg.RoutingKey,
			ChunkSize:  cfg.ChunkSizeBytes,
		}
	}
	return &generator.LineGenerator{
		RoutingKey: cfg.RoutingKey,
	}
}
