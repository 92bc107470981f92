// Package scheduler drains the mutation outbox against the server.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/packfinderz-offline/internal/events"
	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/internal/remote"
	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/metrics"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox/idempotency"
)

const (
	defaultBatchSize    = 25
	defaultPollInterval = 30 * time.Second
	idempotencyConsumer = "sync-drain"
)

// Connectivity reports whether the device can reach the server.
type Connectivity interface {
	Online() bool
}

// Publisher fans out sync events.
type Publisher interface {
	Publish(topic events.Topic, data any)
}

type ServiceParams struct {
	Logger       *logger.Logger
	Store        *localstore.Store
	Sender       remote.Sender
	Connectivity Connectivity
	Publisher    Publisher
	Metrics      *metrics.SyncMetrics
	// Lock and Idempotency are optional and only wired when redis is configured.
	Lock        Lock
	Idempotency *idempotency.Manager
	Config      config.SyncConfig
	// Jitter overrides the random backoff jitter. Tests pin it to zero.
	Jitter func(window time.Duration) time.Duration
	Clock  func() time.Time
}

// Report summarises one Drain call.
type Report struct {
	Processed int  `json:"processed"`
	Synced    int  `json:"synced"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Offline   bool `json:"offline,omitempty"`
	Skipped   bool `json:"skipped,omitempty"`
}

func (r *Report) add(other Report) {
	r.Processed += other.Processed
	r.Synced += other.Synced
	r.Retried += other.Retried
	r.Failed += other.Failed
	r.Offline = other.Offline
	r.Skipped = other.Skipped
}

// Service replays queued mutations. At most one drain runs at a time; a request that arrives
// while a drain is active schedules exactly one follow-up drain.
type Service struct {
	logg        *logger.Logger
	store       *localstore.Store
	sender      remote.Sender
	conn        Connectivity
	pub         Publisher
	metrics     *metrics.SyncMetrics
	lock        Lock
	idem        *idempotency.Manager
	cfg         config.SyncConfig
	jitter      func(time.Duration) time.Duration
	now         func() time.Time
	reconcilers reconcilers

	mu         sync.Mutex
	running    bool
	rerun      bool
	done       chan struct{}
	lastReport Report
	lastErr    error
	state      enums.SyncState
	lastSyncAt *time.Time
	lastError  string
	offset     int
	retryTimer *time.Timer
	closed     bool
	wg         sync.WaitGroup
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("local store is required")
	}
	if params.Sender == nil {
		return nil, errors.New("sender is required")
	}
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	jitter := params.Jitter
	if jitter == nil {
		jitter = randomJitter
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		logg:    params.Logger,
		store:   params.Store,
		sender:  params.Sender,
		conn:    params.Connectivity,
		pub:     params.Publisher,
		metrics: params.Metrics,
		lock:    params.Lock,
		idem:    params.Idempotency,
		cfg:     cfg,
		jitter:  jitter,
		now:     func() time.Time { return clock().UTC() },
		state:   enums.SyncIdle,
	}, nil
}

// RegisterReconciler adds a hook that runs for every accepted mutation of entityType.
func (s *Service) RegisterReconciler(entityType enums.EntityType, rec Reconciler) {
	s.reconcilers.add(entityType, rec)
}

// State returns the current drain state.
func (s *Service) State() enums.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSync returns the time of the last drain that ran and its error message, if any.
func (s *Service) LastSync() (*time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSyncAt == nil {
		return nil, s.lastError
	}
	at := *s.lastSyncAt
	return &at, s.lastError
}

// Drain runs a drain and blocks until it finishes. When a drain is already running the call
// waits for it, plus the follow-up it requests, and returns their combined result.
func (s *Service) Drain(ctx context.Context) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.rerun = true
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.lastReport, s.lastErr
	}
	s.start()
	s.mu.Unlock()
	return s.loop(ctx)
}

// Trigger requests a drain without waiting for it.
func (s *Service) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.running {
		s.rerun = true
		return
	}
	s.start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.loop(context.Background()); err != nil {
			s.logg.Error(context.Background(), "background drain failed", err)
		}
	}()
}

// start must be called with mu held.
func (s *Service) start() {
	s.running = true
	s.rerun = false
	s.done = make(chan struct{})
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Service) loop(ctx context.Context) (Report, error) {
	var total Report
	for {
		report, err := s.drainOnce(ctx)
		total.add(report)

		s.mu.Lock()
		if s.rerun && err == nil && ctx.Err() == nil {
			s.rerun = false
			s.mu.Unlock()
			continue
		}
		s.rerun = false
		s.running = false
		s.lastReport, s.lastErr = total, err
		close(s.done)
		s.mu.Unlock()
		return total, err
	}
}

// Run triggers a drain when connectivity is restored and on every poll interval, until ctx is
// canceled. Any drain still running is awaited before Run returns.
func (s *Service) Run(ctx context.Context, restored <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "sync scheduler context canceled")
			s.Close()
			return ctx.Err()
		case <-restored:
			s.Trigger()
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// Close stops the retry timer and waits for background drains.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) online() bool {
	return s.conn == nil || s.conn.Online()
}

func (s *Service) drainOnce(ctx context.Context) (Report, error) {
	if !s.online() {
		return Report{Offline: true}, nil
	}
	ctx = s.logg.WithField(ctx, "event", "sync.drain")

	if s.lock != nil {
		locked, err := s.lock.Acquire(ctx)
		if err != nil {
			s.logg.Error(ctx, "drain lock acquire failed", err)
			return Report{Skipped: true}, nil
		}
		if !locked {
			s.logg.Info(ctx, "another drainer holds the lock; skipping")
			return Report{Skipped: true}, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logg.Error(ctx, "failed to release drain lock", err)
			}
		}()
	}

	start := s.now()
	s.setState(enums.SyncDraining)
	s.publishStatus(ctx, enums.SyncDraining)

	report, err := s.drainRounds(ctx)
	duration := time.Since(start)
	s.metrics.ObserveDrain(duration, err)

	if err != nil {
		if _, resetErr := s.store.Outbox.ResetInFlight(context.WithoutCancel(ctx)); resetErr != nil {
			s.logg.Error(ctx, "failed to release claimed entries", resetErr)
		}
	}
	if cpErr := s.store.Checkpoints.RecordAttempt(context.WithoutCancel(ctx), localstore.DrainCheckpoint, start, err); cpErr != nil {
		s.logg.Error(ctx, "failed to record drain checkpoint", cpErr)
	}

	s.mu.Lock()
	s.lastSyncAt = &start
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	s.settle(ctx)

	fields := map[string]any{
		"processed":   report.Processed,
		"synced":      report.Synced,
		"retried":     report.Retried,
		"failed":      report.Failed,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		s.logg.Error(s.logg.WithFields(ctx, fields), "drain aborted", err)
		return report, err
	}
	if report.Processed > 0 {
		s.logg.Info(s.logg.WithFields(ctx, fields), "drain complete")
	}
	return report, nil
}

// drainRounds interleaves entity types round-robin, one batch per type per round, until a
// round makes no progress or ctx is canceled.
func (s *Service) drainRounds(ctx context.Context) (Report, error) {
	var report Report
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		types, err := s.store.Outbox.PendingEntityTypes(ctx)
		if err != nil {
			return report, err
		}
		if len(types) == 0 {
			return report, nil
		}

		s.mu.Lock()
		offset := s.offset % len(types)
		s.offset++
		s.mu.Unlock()

		progressed := false
		for i := range types {
			entityType := types[(offset+i)%len(types)]
			batch, err := s.store.Outbox.DequeueNextBatch(ctx, entityType, s.cfg.BatchSize, s.now())
			if err != nil {
				return report, err
			}
			for _, entry := range batch {
				// Claimed entries left unsent are released by drainOnce.
				if err := ctx.Err(); err != nil {
					return report, err
				}
				if !s.online() {
					// The remaining claimed entries go back to pending untouched.
					if _, err := s.store.Outbox.ResetInFlight(ctx); err != nil {
						return report, err
					}
					report.Offline = true
					return report, nil
				}
				outcome, err := s.process(ctx, entry)
				if err != nil {
					return report, err
				}
				progressed = true
				report.Processed++
				switch outcome {
				case outcomeSynced:
					report.Synced++
				case outcomeRetry:
					report.Retried++
				case outcomeFailed:
					report.Failed++
				}
				s.metrics.IncMutation(string(entry.EntityType), string(outcome))
			}
		}
		if !progressed {
			return report, nil
		}
	}
}

// settle publishes the post-drain status and arms a timer for the next scheduled retry.
func (s *Service) settle(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	next, err := s.store.Outbox.NextAttemptAt(ctx)
	if err != nil {
		s.logg.Error(ctx, "failed to read next attempt time", err)
	}
	// Due entries that are still pending are held behind a failed one; only a future retry
	// is worth a timer.
	if next != nil && !next.After(s.now()) {
		next = nil
	}
	state := enums.SyncIdle
	if next != nil {
		state = enums.SyncBackoff
	}
	s.setState(state)
	s.armRetry(next)

	stats, err := s.store.Outbox.Stats(ctx)
	if err == nil {
		s.metrics.SetQueueDepth(string(enums.OutboxStatusPending), stats.Pending)
		s.metrics.SetQueueDepth(string(enums.OutboxStatusInFlight), stats.InFlight)
		s.metrics.SetQueueDepth(string(enums.OutboxStatusFailed), stats.Failed)
	}
	s.publishStatus(ctx, state)
}

func (s *Service) armRetry(next *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if next == nil || s.closed {
		return
	}
	wait := next.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.retryTimer = time.AfterFunc(wait, s.Trigger)
}

func (s *Service) setState(state enums.SyncState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Service) publishStatus(ctx context.Context, state enums.SyncState) {
	if s.pub == nil {
		return
	}
	status := events.SyncStatus{State: state}
	if stats, err := s.store.Outbox.Stats(ctx); err == nil {
		status.Pending = stats.Pending + stats.InFlight
		status.Failed = stats.Failed
	}
	if state == enums.SyncBackoff {
		if next, err := s.store.Outbox.NextAttemptAt(ctx); err == nil && next != nil && next.After(s.now()) {
			status.NextAttemptAt = next
		}
	}
	status.LastSyncAt, status.LastError = s.LastSync()
	s.pub.Publish(events.TopicSyncStatus, status)
}

func (s *Service) publish(topic events.Topic, data any) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(topic, data)
}

// storageAbort reports whether err must stop the drain.
func storageAbort(err error) bool {
	return err != nil && pkgerrors.KindOf(err) == pkgerrors.KindStorage
}

func wrapStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Storage(err, fmt.Sprintf("drain: %s", msg))
}
