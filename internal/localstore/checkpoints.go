package localstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-offline/internal/repo"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

// DrainCheckpoint is the checkpoint row the scheduler maintains.
const DrainCheckpoint = "outbox_drain"

type CheckpointRepository struct {
	repo.Base
}

func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{Base: repo.NewBase(db)}
}

func (r *CheckpointRepository) WithTx(tx *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{Base: r.Bind(tx)}
}

// Get returns the named checkpoint, or nil when none was recorded yet.
func (r *CheckpointRepository) Get(ctx context.Context, name string) (*models.SyncCheckpoint, error) {
	var row models.SyncCheckpoint
	if err := r.DB(ctx).Where("name = ?", name).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Storage(err, "load sync checkpoint")
	}
	return &row, nil
}

// RecordAttempt stores the outcome of a drain. A nil drainErr also advances last_success_at
// and clears the stored error.
func (r *CheckpointRepository) RecordAttempt(ctx context.Context, name string, at time.Time, drainErr error) error {
	at = at.UTC()
	row := models.SyncCheckpoint{
		Name:          name,
		LastAttemptAt: &at,
		UpdatedAt:     at,
	}
	columns := []string{"last_attempt_at", "last_error", "updated_at"}
	if drainErr == nil {
		row.LastSuccessAt = &at
		columns = append(columns, "last_success_at")
	} else {
		msg := drainErr.Error()
		row.LastError = &msg
	}

	err := r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&row).Error
	return pkgerrors.Storage(err, "record sync checkpoint")
}

func (r *CheckpointRepository) Clear(ctx context.Context) error {
	err := r.DB(ctx).Where("1 = 1").Delete(&models.SyncCheckpoint{}).Error
	return pkgerrors.Storage(err, "clear sync checkpoints")
}
