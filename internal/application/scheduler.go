package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// ErrPassInProgress is returned by RunPass when another pass has not finished yet.
var ErrPassInProgress = errors.New("sync pass already in progress")

// MaxSyncConcurrency bounds how many users a pass syncs at once.
const MaxSyncConcurrency = 4

// PortfolioSyncer syncs a single user. SyncService is the production implementation.
type PortfolioSyncer interface {
	SyncUserPortfolio(ctx context.Context, userID int64) model.SyncResult
}

// syncRequest represents a manual sync trigger for one user.
type syncRequest struct {
	userID int64
	done   chan model.SyncResult
}

// SchedulerOptions tunes a Scheduler. Zero values select defaults.
type SchedulerOptions struct {
	Interval    time.Duration // Default 1h.
	Concurrency int           // Default 1 (sequential); clamped to 1..MaxSyncConcurrency.
	UserTimeout time.Duration // Default 2m.
}

// Scheduler drives the sync engine for every user with a registered credential
// once per interval. Passes never overlap.
type Scheduler struct {
	syncer      PortfolioSyncer
	credStore   driven.CredentialStore
	interval    time.Duration
	concurrency int
	userTimeout time.Duration
	requestCh   chan syncRequest

	running atomic.Bool

	mu   sync.RWMutex
	last *model.PassReport
}

// NewScheduler creates a Scheduler with all required dependencies.
func NewScheduler(syncer PortfolioSyncer, credStore driven.CredentialStore, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Concurrency > MaxSyncConcurrency {
		opts.Concurrency = MaxSyncConcurrency
	}
	if opts.UserTimeout <= 0 {
		opts.UserTimeout = 2 * time.Minute
	}

	return &Scheduler{
		syncer:      syncer,
		credStore:   credStore,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		userTimeout: opts.UserTimeout,
		requestCh:   make(chan syncRequest),
	}
}

// Start runs an immediate pass, then one pass per interval. It also serves
// manual SyncUser requests between passes. Start blocks until the context is
// canceled.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("sync scheduler started", "interval", s.interval, "concurrency", s.concurrency)

	s.runScheduledPass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.runScheduledPass(ctx)
		case req := <-s.requestCh:
			req.done <- s.syncOne(ctx, req.userID)
		}
	}
}

func (s *Scheduler) runScheduledPass(ctx context.Context) {
	if _, err := s.RunPass(ctx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			slog.Warn("skipping scheduled sync: previous pass still running")
			return
		}
		slog.Error("sync pass failed", "error", err)
	}
}

// SyncUser triggers a sync of one user outside the schedule. The request is
// served by the Start loop, so it never runs concurrently with a pass. It
// blocks until the sync completes or the context is canceled.
func (s *Scheduler) SyncUser(ctx context.Context, userID int64) (model.SyncResult, error) {
	req := syncRequest{userID: userID, done: make(chan model.SyncResult, 1)}

	select {
	case s.requestCh <- req:
	case <-ctx.Done():
		return model.SyncResult{}, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res, nil
	case <-ctx.Done():
		return model.SyncResult{}, ctx.Err()
	}
}

// RunPass syncs every user with a registered credential. One user's failure is
// recorded in the report and never aborts the pass. Cancellation is honored
// between users: a user whose sync has started is allowed to finish.
func (s *Scheduler) RunPass(ctx context.Context) (model.PassReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return model.PassReport{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	report := model.PassReport{RunID: uuid.New(), StartedAt: time.Now()}
	log := slog.With("run_id", report.RunID.String())

	userIDs, err := s.credStore.ListUserIDs(ctx)
	if err != nil {
		return report, err
	}

	log.Info("sync pass started", "users", len(userIDs))

	results := make([]model.SyncResult, len(userIDs))
	started := make([]bool, len(userIDs))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for i, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// Re-checked after the slot is acquired: a queued user is dropped on cancel.
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = s.syncOne(ctx, userID)
			logResult(log, results[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range started {
		if ok {
			report.Results = append(report.Results, results[i])
		}
	}
	report.Canceled = len(report.Results) < len(userIDs)
	report.FinishedAt = time.Now()

	log.Info("sync pass complete",
		"users", len(report.Results),
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"no_credential", report.Count(model.SyncStatusNoCredential),
		"canceled", report.Canceled,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	return report, nil
}

// LastReport returns the most recently completed pass, if any.
func (s *Scheduler) LastReport() (model.PassReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return model.PassReport{}, false
	}
	return *s.last, true
}

// syncOne runs one user's sync detached from ctx cancellation so that its
// transaction completes, bounded by the per-user timeout.
func (s *Scheduler) syncOne(ctx context.Context, userID int64) model.SyncResult {
	userCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.userTimeout)
	defer cancel()
	return s.syncer.SyncUserPortfolio(userCtx, userID)
}

func logResult(log *slog.Logger, r model.SyncResult) {
	attrs := []any{
		"user_id", r.UserID,
		"status", string(r.Status),
		"holdings", r.HoldingsProcessed,
		"removed", r.HoldingsRemoved,
		"duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	}
	if r.Message != "" {
		attrs = append(attrs, "message", r.Message)
	}

	switch {
	case r.Failed():
		log.Warn("user sync failed", attrs...)
	case r.Status == model.SyncStatusNoCredential:
		log.Info("user sync skipped", attrs...)
	default:
		log.Debug("user sync done", attrs...)
	}
}
