// Package engine is the offline sync facade UI screens and the sync worker talk to.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/internal/connectivity"
	"github.com/angelmondragon/packfinderz-offline/internal/events"
	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/internal/remote"
	"github.com/angelmondragon/packfinderz-offline/internal/scheduler"
	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/instance"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/metrics"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox/idempotency"
	"github.com/angelmondragon/packfinderz-offline/pkg/redis"
)

const drainLockName = "sync-drain"

type Params struct {
	Config  *config.Config
	Logger  *logger.Logger
	DB      *db.Client
	Sender  remote.Sender
	Metrics *metrics.SyncMetrics
	// Prober drives the connectivity monitor. Without one, connectivity comes from Report.
	Prober connectivity.Prober
	// Redis enables the cross-process drain lock and the reconcile idempotency guard.
	Redis *redis.Client
	// Clock and Jitter are test hooks forwarded to the scheduler.
	Clock  func() time.Time
	Jitter func(time.Duration) time.Duration
}

// Stats is the status surface shown to users.
type Stats struct {
	Pending       int64                      `json:"pending"`
	InFlight      int64                      `json:"in_flight"`
	Failed        int64                      `json:"failed"`
	CachedRecords int64                      `json:"cached_records"`
	PendingByType map[enums.EntityType]int64 `json:"pending_by_type"`
	LastSyncAt    *time.Time                 `json:"last_sync_at,omitempty"`
	LastAttemptAt *time.Time                 `json:"last_attempt_at,omitempty"`
	LastError     string                     `json:"last_error,omitempty"`
	State         enums.SyncState            `json:"state"`
	Online        bool                       `json:"online"`
}

type Engine struct {
	cfg       *config.Config
	logg      *logger.Logger
	store     *localstore.Store
	bus       *events.Bus
	monitor   *connectivity.Monitor
	scheduler *scheduler.Service
	metrics   *metrics.SyncMetrics

	restored  chan struct{}
	unsub     func()
	closeOnce sync.Once
}

// New opens the engine on a migrated database. Entries left in_flight by a crash are returned
// to pending before anything else runs.
func New(ctx context.Context, params Params) (*Engine, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Sender == nil {
		return nil, errors.New("sender is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	cfg := params.Config

	store := localstore.New(params.DB, cfg.Sync.MaxRetries, logg)
	recovered, err := store.Outbox.ResetInFlight(ctx)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logg.Warn(logg.WithField(ctx, "recovered", recovered), "returned interrupted mutations to the queue")
	}

	bus := events.NewBus(cfg.Eventing.BusBufferSize, logg)
	monitor := connectivity.NewMonitor(connectivity.Params{
		Logger:        logg,
		Publisher:     bus,
		Prober:        params.Prober,
		Debounce:      cfg.Connectivity.Debounce,
		Interval:      cfg.Connectivity.ProbeInterval,
		InitialOnline: cfg.Connectivity.AssumeOnline,
	})

	schedParams := scheduler.ServiceParams{
		Logger:       logg,
		Store:        store,
		Sender:       params.Sender,
		Connectivity: monitor,
		Publisher:    bus,
		Metrics:      params.Metrics,
		Config:       cfg.Sync,
		Clock:        params.Clock,
		Jitter:       params.Jitter,
	}
	if params.Redis != nil {
		owner := instance.ID(cfg.App.DeviceID)
		lock, err := scheduler.NewRedisLock(params.Redis, params.Redis.LockKey(drainLockName), owner, cfg.Redis.LockTTL)
		if err != nil {
			return nil, err
		}
		idem, err := idempotency.NewManager(params.Redis, cfg.Eventing.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		schedParams.Lock = lock
		schedParams.Idempotency = idem
	}
	sched, err := scheduler.NewService(schedParams)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logg:      logg,
		store:     store,
		bus:       bus,
		monitor:   monitor,
		scheduler: sched,
		metrics:   params.Metrics,
		restored:  make(chan struct{}, 1),
	}
	params.Metrics.SetOnline(monitor.Online())
	e.unsub = bus.Subscribe(events.TopicConnectivityChanged, e.onConnectivity)
	return e, nil
}

func (e *Engine) onConnectivity(evt events.Event) {
	change, ok := evt.Data.(events.ConnectivityChanged)
	if !ok {
		return
	}
	e.metrics.SetOnline(change.Online)
	if !change.Restored {
		return
	}
	select {
	case e.restored <- struct{}{}:
	default:
	}
}

// Store exposes the repositories to adapters.
func (e *Engine) Store() *localstore.Store {
	return e.store
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Online reports the debounced connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// ReportConnectivity feeds a reachability signal from the host platform.
func (e *Engine) ReportConnectivity(online bool) {
	e.monitor.Report(online)
}

// CacheData stores a record fetched from the server. While local mutations of the entity are
// still queued the record is kept unsynced.
func (e *Engine) CacheData(ctx context.Context, entityType enums.EntityType, entityID string, payload any) error {
	return e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		pending, err := tx.Outbox.CountUnfinishedByRelated(ctx, entityID, "")
		if err != nil {
			return err
		}
		_, err = tx.Cache.Put(ctx, cache.PutInput{
			EntityType: entityType,
			EntityID:   entityID,
			Payload:    payload,
			Synced:     pending == 0,
		})
		return err
	})
}

func (e *Engine) GetCachedData(ctx context.Context, entityType enums.EntityType, entityID string) (*models.CacheRecord, error) {
	return e.store.Cache.Get(ctx, entityType, entityID)
}

func (e *Engine) GetAllCachedData(ctx context.Context, entityType enums.EntityType) ([]models.CacheRecord, error) {
	return e.store.Cache.GetAll(ctx, entityType)
}

// AddToSyncQueue queues a raw mutation and returns its queue id.
func (e *Engine) AddToSyncQueue(ctx context.Context, input outbox.EnqueueInput) (string, error) {
	entry, err := e.store.Enqueue(ctx, input)
	if err != nil {
		return "", err
	}
	e.afterWrite()
	return entry.ID, nil
}

// RemoveFromSyncQueue discards a queued mutation. An entry that is being sent cannot be removed.
func (e *Engine) RemoveFromSyncQueue(ctx context.Context, entryID string) error {
	return e.store.Outbox.Remove(ctx, entryID)
}

// WithTx runs fn in one local transaction and, once committed, triggers a drain when the
// device is online and write-through sync is enabled.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *localstore.Tx) error) error {
	if err := e.store.WithTx(ctx, fn); err != nil {
		return err
	}
	e.afterWrite()
	return nil
}

func (e *Engine) afterWrite() {
	if e.cfg.Sync.AutoOnWrite && e.monitor.Online() {
		e.scheduler.Trigger()
	}
}

// Sync drains the queue now and waits for the result.
func (e *Engine) Sync(ctx context.Context) (scheduler.Report, error) {
	report, err := e.scheduler.Drain(ctx)
	if err != nil {
		return report, err
	}
	if report.Offline && report.Processed == 0 {
		return report, pkgerrors.New(pkgerrors.CodeOffline, "cannot sync while offline")
	}
	return report, nil
}

// RetryFailed returns failed entries (all of them when ids is empty) to the queue with a fresh
// retry budget.
func (e *Engine) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	n, err := e.store.Outbox.RetryFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.afterWrite()
	}
	return n, nil
}

// ResubmitFailed replaces the body of a failed entry and queues it again.
func (e *Engine) ResubmitFailed(ctx context.Context, entryID string, payload any) error {
	err := e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		entry, err := tx.Outbox.Get(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != enums.OutboxStatusFailed {
			return pkgerrors.New(pkgerrors.CodeConflict, "only failed entries can be resubmitted").
				WithDetails(map[string]any{"entry_id": entryID, "status": entry.Status})
		}
		if err := tx.Outbox.UpdatePayload(ctx, entryID, payload); err != nil {
			return err
		}
		_, err = tx.Outbox.RetryFailed(ctx, entryID)
		return err
	})
	if err != nil {
		return err
	}
	e.afterWrite()
	return nil
}

func (e *Engine) ListQueue(ctx context.Context) ([]models.OutboxEntry, error) {
	return e.store.Outbox.List(ctx)
}

func (e *Engine) ListFailures(ctx context.Context, limit int) ([]models.OutboxFailure, error) {
	return e.store.Failures.List(ctx, limit)
}

// RegisterReconciler adds a hook run for every accepted mutation of entityType.
func (e *Engine) RegisterReconciler(entityType enums.EntityType, rec scheduler.Reconciler) {
	e.scheduler.RegisterReconciler(entityType, rec)
}

// Subscribe registers fn for a topic. The returned function unsubscribes.
func (e *Engine) Subscribe(topic events.Topic, fn events.Subscriber) func() {
	return e.bus.Subscribe(topic, fn)
}

// ClearAllOfflineData wipes the cache, queue, failure log and checkpoints. Every table is
// attempted; the errors are combined.
func (e *Engine) ClearAllOfflineData(ctx context.Context) error {
	err := multierr.Combine(
		e.store.Outbox.Clear(ctx),
		e.store.Cache.Clear(ctx),
		e.store.Failures.Clear(ctx),
		e.store.Checkpoints.Clear(ctx),
	)
	if err != nil {
		return err
	}
	e.logg.Info(e.logg.WithField(ctx, "event", "offline.data.cleared"), "offline data cleared")
	return nil
}

func (e *Engine) GetOfflineStats(ctx context.Context) (Stats, error) {
	queue, err := e.store.Outbox.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	cached, err := e.store.Cache.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Pending:       queue.Pending,
		InFlight:      queue.InFlight,
		Failed:        queue.Failed,
		CachedRecords: cached,
		PendingByType: queue.PendingByType,
		State:         e.scheduler.State(),
		Online:        e.monitor.Online(),
	}
	checkpoint, err := e.store.Checkpoints.Get(ctx, localstore.DrainCheckpoint)
	if err != nil {
		return Stats{}, err
	}
	if checkpoint != nil {
		stats.LastSyncAt = checkpoint.LastSuccessAt
		stats.LastAttemptAt = checkpoint.LastAttemptAt
		if checkpoint.LastError != nil {
			stats.LastError = *checkpoint.LastError
		}
	}
	return stats, nil
}

// Run drives the connectivity monitor and the scheduler until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.monitor.Run(groupCtx)
	})
	group.Go(func() error {
		return e.scheduler.Run(groupCtx, e.restored)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops timers, waits for a background drain and shuts the event bus down. The database
// client stays open; it belongs to the caller.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.unsub()
		e.monitor.Stop()
		e.scheduler.Close()
		e.bus.Close()
	})
	return nil
}
