// Package localstore groups the on-device repositories behind one unit of work.
package localstore

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/outbox"
)

// Store owns the cache, outbox, failure audit and checkpoint repositories. They share one
// database so a write to several of them commits or rolls back together.
type Store struct {
	client      *db.Client
	Cache       cache.Repository
	Outbox      *outbox.Repository
	Failures    *outbox.FailureRepository
	Checkpoints *CheckpointRepository
	queue       *outbox.Service
}

// Tx exposes the repositories bound to one open transaction. While a Tx is open on sqlite the
// only connection is taken, so callers must use these repositories rather than the Store's.
type Tx struct {
	db          *gorm.DB
	Cache       cache.Repository
	Outbox      *outbox.Repository
	Failures    *outbox.FailureRepository
	Checkpoints *CheckpointRepository
	queue       *outbox.Service
}

func New(client *db.Client, maxRetries int, logg *logger.Logger) *Store {
	conn := client.DB()
	repo := outbox.NewRepository(conn, maxRetries)
	return &Store{
		client:      client,
		Cache:       cache.NewRepository(conn),
		Outbox:      repo,
		Failures:    outbox.NewFailureRepository(conn),
		Checkpoints: NewCheckpointRepository(conn),
		queue:       outbox.NewService(repo, logg),
	}
}

// Client returns the database client.
func (s *Store) Client() *db.Client {
	return s.client
}

// Enqueue queues a mutation in its own implicit transaction.
func (s *Store) Enqueue(ctx context.Context, input outbox.EnqueueInput) (*models.OutboxEntry, error) {
	return s.queue.Enqueue(ctx, nil, input)
}

// WithTx runs fn in one transaction. Errors returned by fn are passed through unchanged;
// begin and commit failures surface as STORAGE_ERROR.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var fnErr error
	err := s.client.WithTx(ctx, func(gtx *gorm.DB) error {
		fnErr = fn(s.bind(gtx))
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	return pkgerrors.Storage(err, "commit local transaction")
}

func (s *Store) bind(gtx *gorm.DB) *Tx {
	return &Tx{
		db:          gtx,
		Cache:       s.Cache.WithTx(gtx),
		Outbox:      s.Outbox.WithTx(gtx),
		Failures:    s.Failures.WithTx(gtx),
		Checkpoints: s.Checkpoints.WithTx(gtx),
		queue:       s.queue,
	}
}

// Enqueue queues a mutation inside the transaction.
func (t *Tx) Enqueue(ctx context.Context, input outbox.EnqueueInput) (*models.OutboxEntry, error) {
	return t.queue.Enqueue(ctx, t.db, input)
}

// DB returns the raw transaction handle.
func (t *Tx) DB() *gorm.DB {
	return t.db
}
