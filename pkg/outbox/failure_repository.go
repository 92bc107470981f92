package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

// FailureRepository stores an audit row every time an entry becomes failed.
type FailureRepository struct {
	db *gorm.DB
}

func NewFailureRepository(db *gorm.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

func (r *FailureRepository) WithTx(tx *gorm.DB) *FailureRepository {
	if tx == nil {
		return r
	}
	return &FailureRepository{db: tx}
}

// Record builds and inserts the failure row for entry.
func (r *FailureRepository) Record(ctx context.Context, entry models.OutboxEntry, reason enums.OutboxFailureReason, cause error) (*models.OutboxFailure, error) {
	msg := truncate(errorMessage(cause))
	row := models.OutboxFailure{
		ID:              uuid.NewString(),
		EntryID:         entry.ID,
		EntityType:      entry.EntityType,
		Action:          entry.Action,
		RelatedEntityID: entry.RelatedEntityID,
		Payload:         entry.Payload,
		Reason:          reason,
		ErrorMessage:    &msg,
		Attempts:        entry.Attempts,
		FailedAt:        time.Now().UTC(),
	}
	if err := r.InsertTx(ctx, row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *FailureRepository) InsertTx(ctx context.Context, row models.OutboxFailure) error {
	if !row.Reason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown failure reason")
	}
	if row.ErrorMessage != nil {
		msg := truncate(*row.ErrorMessage)
		row.ErrorMessage = &msg
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	return pkgerrors.Storage(err, "insert outbox failure")
}

// FindByEntryID returns the most recent failure for the entry, or nil.
func (r *FailureRepository) FindByEntryID(ctx context.Context, entryID string) (*models.OutboxFailure, error) {
	var row models.OutboxFailure
	err := r.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("failed_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Storage(err, "load outbox failure")
	}
	return &row, nil
}

func (r *FailureRepository) List(ctx context.Context, limit int) ([]models.OutboxFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows := make([]models.OutboxFailure, 0, limit)
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, pkgerrors.Storage(err, "list outbox failures")
}

func (r *FailureRepository) Clear(ctx context.Context) error {
	err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.OutboxFailure{}).Error
	return pkgerrors.Storage(err, "clear outbox failures")
}
