package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	dbtypes "github.com/angelmondragon/packfinderz-offline/pkg/db/types"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

// PutInput is a full replacement of one cached record.
type PutInput struct {
	EntityType enums.EntityType
	EntityID   string
	Payload    any
	Synced     bool
	// OriginID is set when the record was promoted from a provisional id. A nil value keeps
	// whatever origin the stored record already has.
	OriginID *string
}

// Repository manages the durable offline cache.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Put(ctx context.Context, input PutInput) (*models.CacheRecord, error)
	Get(ctx context.Context, entityType enums.EntityType, entityID string) (*models.CacheRecord, error)
	GetAll(ctx context.Context, entityType enums.EntityType) ([]models.CacheRecord, error)
	Remove(ctx context.Context, entityType enums.EntityType, entityID string) error
	Rekey(ctx context.Context, entityType enums.EntityType, oldID, newID string) error
	RewriteReferences(ctx context.Context, oldID, newID string) (int64, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

type repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository returns a cache repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx, now: r.now}
}

func (r *repository) Put(ctx context.Context, input PutInput) (*models.CacheRecord, error) {
	if !input.EntityType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown entity type").
			WithDetails(map[string]any{"entity_type": input.EntityType})
	}
	if strings.TrimSpace(input.EntityID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entity id is required")
	}
	payload, err := dbtypes.NewJSON(input.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload must be valid JSON")
	}

	record := models.CacheRecord{
		EntityType: input.EntityType,
		EntityID:   input.EntityID,
		Payload:    payload,
		Synced:     input.Synced,
		OriginID:   input.OriginID,
		UpdatedAt:  r.now(),
	}
	columns := []string{"payload", "synced", "updated_at"}
	if input.OriginID != nil {
		columns = append(columns, "origin_id")
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&record).Error
	if err != nil {
		return nil, pkgerrors.Storage(err, "write cache record")
	}
	if input.OriginID == nil {
		return r.Get(ctx, input.EntityType, input.EntityID)
	}
	return &record, nil
}

func (r *repository) Get(ctx context.Context, entityType enums.EntityType, entityID string) (*models.CacheRecord, error) {
	var record models.CacheRecord
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "cache record not found").
				WithDetails(map[string]any{"entity_type": entityType, "entity_id": entityID})
		}
		return nil, pkgerrors.Storage(err, "read cache record")
	}
	return &record, nil
}

func (r *repository) GetAll(ctx context.Context, entityType enums.EntityType) ([]models.CacheRecord, error) {
	var records []models.CacheRecord
	err := r.db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("updated_at ASC").
		Order("entity_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, pkgerrors.Storage(err, "list cache records")
	}
	return records, nil
}

func (r *repository) Remove(ctx context.Context, entityType enums.EntityType, entityID string) error {
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&models.CacheRecord{}).Error
	return pkgerrors.Storage(err, "remove cache record")
}

// Rekey moves a record from its provisional id to the canonical one. Replaying the move after
// it already happened drops the stale source row; any other occupant of newID is an error.
func (r *repository) Rekey(ctx context.Context, entityType enums.EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var source models.CacheRecord
		if err := tx.Where("entity_type = ? AND entity_id = ?", entityType, oldID).First(&source).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeInvariant, "rekey source record missing").
					WithDetails(map[string]any{"entity_type": entityType, "old_id": oldID, "new_id": newID})
			}
			return err
		}

		var target models.CacheRecord
		err := tx.Where("entity_type = ? AND entity_id = ?", entityType, newID).First(&target).Error
		switch {
		case err == nil:
			if target.OriginID == nil || *target.OriginID != oldID {
				return pkgerrors.New(pkgerrors.CodeInvariant, "rekey target already holds an unrelated record").
					WithDetails(map[string]any{"entity_type": entityType, "old_id": oldID, "new_id": newID})
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			origin := oldID
			moved := source
			moved.EntityID = newID
			moved.OriginID = &origin
			moved.UpdatedAt = r.now()
			if err := tx.Create(&moved).Error; err != nil {
				return err
			}
		default:
			return err
		}

		return tx.Where("entity_type = ? AND entity_id = ?", entityType, oldID).
			Delete(&models.CacheRecord{}).Error
	})
	return pkgerrors.Storage(err, "rekey cache record")
}

// RewriteReferences replaces quoted occurrences of oldID in every payload.
func (r *repository) RewriteReferences(ctx context.Context, oldID, newID string) (int64, error) {
	if oldID == "" || newID == "" || oldID == newID {
		return 0, nil
	}
	oldRef, newRef := quoted(oldID), quoted(newID)
	res := r.db.WithContext(ctx).Exec(
		"UPDATE cache_records SET payload = REPLACE(payload, ?, ?), updated_at = ? WHERE payload LIKE ? "+db.LikeEscape,
		oldRef, newRef, r.now(), db.ContainsPattern(oldRef),
	)
	if res.Error != nil {
		return 0, pkgerrors.Storage(res.Error, "rewrite cache references")
	}
	return res.RowsAffected, nil
}

func (r *repository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.CacheRecord{}).Count(&count).Error; err != nil {
		return 0, pkgerrors.Storage(err, "count cache records")
	}
	return count, nil
}

func (r *repository) Clear(ctx context.Context) error {
	err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.CacheRecord{}).Error
	return pkgerrors.Storage(err, "clear cache")
}

func quoted(id string) string {
	b, _ := json.Marshal(id)
	return string(b)
}
