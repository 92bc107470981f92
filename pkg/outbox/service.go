package outbox

import (
	"context"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
)

// Service is the write path adapters use to queue mutations.
type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{repo: repo, logg: logg}
}

// Repository exposes the underlying repository.
func (s *Service) Repository() *Repository {
	return s.repo
}

// Enqueue persists the mutation, inside tx when one is given. Outside a transaction a seq
// collision with another writer on a shared database is retried once with a reseeded
// sequencer.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, input EnqueueInput) (*models.OutboxEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	repo := s.repo.WithTx(tx)

	entry, err := repo.Enqueue(ctx, input)
	if err != nil && tx == nil && dbpkg.IsUniqueViolation(err, "seq") {
		s.repo.seq.Reset()
		entry, err = repo.Enqueue(ctx, input)
	}
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event":             "outbox.entry.queued",
		"queue_entry_id":    entry.ID,
		"entity_type":       entry.EntityType,
		"action":            entry.Action,
		"related_entity_id": entry.RelatedEntityID,
		"seq":               entry.Seq,
	})
	s.logg.Info(logCtx, "outbox entry queued")
	return entry, nil
}
