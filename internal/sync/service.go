package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

// Service wires the sync engine together and runs both continuous paths: the
// change feed poller and the webhook receiver
type Service struct {
	cfg    Config
	hook   *Hook
	proc   *Processor
	poller *Poller
}

// NewService assembles the sync engine over the given record store,
// connection and remote client, and subscribes the outbound hook to the
// store's lifecycle events
func NewService(store *record.Store, db record.PgxIface, api remote.API, cfg Config) *Service {
	reg := store.Registry()
	meta := NewMetadataStore(db)
	cursor := NewCursorStore(db)
	mapper := NewMapper(store, reg, meta)

	hook := NewHook(api, mapper, meta, reg)
	store.Subscribe(hook.Handle)

	proc := NewProcessor(store, mapper, meta, reg, cfg.ForceDelete)
	poller := NewPoller(api, proc, cursor)

	return &Service{
		cfg:    cfg,
		hook:   hook,
		proc:   proc,
		poller: poller,
	}
}

// Hook returns the outbound hook, mainly for stats reporting
func (s *Service) Hook() *Hook {
	return s.hook
}

// Processor returns the inbound change processor
func (s *Service) Processor() *Processor {
	return s.proc
}

// SyncOnce performs a single pull pass over the change feed and reports the
// processing counters. Per-record failures are counted, not fatal.
func (s *Service) SyncOnce(ctx context.Context) error {
	err := s.poller.RunOnce(ctx)

	stats := s.proc.Stats()
	logrus.WithFields(logrus.Fields{
		"creates": stats.Creates,
		"updates": stats.Updates,
		"deletes": stats.Deletes,
		"skips":   stats.Skips,
	}).Info("Sync pass finished")
	return err
}

// Start begins continuous bidirectional synchronization: the poller pulls the
// change feed on its interval while the webhook receiver accepts pushed
// changes. Blocks until the context is cancelled or a path fails terminally.
func (s *Service) Start(ctx context.Context) error {
	logrus.Info("Starting pg_couchsync bidirectional synchronization")

	errChan := make(chan error, 2)

	// Inbound pull path
	go func() {
		errChan <- s.poller.Run(ctx, s.cfg.PollingInterval)
	}()

	// Inbound push path
	server := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           NewWebhookRouter(s.proc, s.cfg.WebhookSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.WithField("address", s.cfg.ListenAddress).Info("Starting webhook receiver")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
			return
		}
		errChan <- nil
	}()

	// Wait for either path to error or context cancellation
	select {
	case err := <-errChan:
		shutdownServer(server)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync error: %w", err)
		}
		return err
	case <-ctx.Done():
		logrus.Info("Synchronization stopped due to context cancellation")
		shutdownServer(server)
		return ctx.Err()
	}
}

func shutdownServer(server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Webhook server shutdown failed")
	}
}
