package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/filemill/filemill/internal/config"
	"github.com/filemill/filemill/internal/coordinator"
	"github.com/filemill/filemill/internal/processor"
)

// IngestService runs ingestion passes on a fixed interval and, when watch
// mode is enabled, immediately after filesystem activity under the watch
// directory. Passes never overlap; a pass in flight is allowed to finish its
// commit sequence before shutdown completes.
type IngestService struct {
	cfg  *config.Config
	proc *processor.Processor

	scheduler gocron.Scheduler
	watcher   *fsnotify.Watcher

	passMu  sync.Mutex
	trigger chan struct{}
	fatal   chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates the ingest service
func New(cfg *config.Config, proc *processor.Processor) (*IngestService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &IngestService{
		cfg:       cfg,
		proc:      proc,
		scheduler: scheduler,
		trigger:   make(chan struct{}, 1),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the service until ctx is cancelled or a fatal error surfaces
func (s *IngestService) Start(ctx context.Context) error {
	interval := time.Duration(s.cfg.ScanIntervalSeconds) * time.Second

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.runPass, ctx),
		gocron.WithName("ingest-pass"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule ingestion: %w", err)
	}

	if s.cfg.WatchEnabled {
		if err := s.startWatcher(ctx); err != nil {
			return err
		}
	}

	s.scheduler.Start()

	log.Info().
		Dur("scan_interval", interval).
		Bool("watch_enabled", s.cfg.WatchEnabled).
		Str("watch_dir", s.cfg.WatchDir).
		Msg("Ingest service started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case err := <-s.fatal:
		return err
	}
}

// Stop shuts down the scheduler, letting a running pass complete
func (s *IngestService) Stop() error {
	log.Info().Msg("Ingest service stopping...")

	close(s.done)
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close filesystem watcher")
		}
	}
	s.wg.Wait()

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}

	log.Info().Msg("Ingest service stopped")
	return nil
}

// runPass executes one ingestion pass. The mutex keeps watch-triggered and
// scheduled passes from interleaving.
func (s *IngestService) runPass(ctx context.Context) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	if err := s.proc.IngestFiles(ctx); err != nil {
		if errors.Is(err, coordinator.ErrTransactionLost) {
			select {
			case s.fatal <- err:
			default:
			}
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Msg("Ingestion pass failed")
	}
}

// startWatcher wires fsnotify events under the watch directory to immediate
// ingestion passes
func (s *IngestService) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	// fsnotify watches are not recursive, so every subdirectory is added
	// individually; directories created later are picked up from Create events.
	if err := watchRecursive(watcher, s.cfg.WatchDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.cfg.WatchDir, err)
	}
	s.watcher = watcher

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					if event.Has(fsnotify.Create) {
						if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
							if err := watchRecursive(watcher, event.Name); err != nil {
								log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
							}
						}
					}
					// Coalesce bursts: a pending trigger is enough
					select {
					case s.trigger <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Filesystem watcher error")
			case <-s.done:
				return
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.trigger:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// watchRecursive adds root and all its subdirectories to the watcher
func watchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}
