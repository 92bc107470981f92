package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	dbtypes "github.com/angelmondragon/packfinderz-offline/pkg/db/types"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/ids"
)

// DefaultMaxRetries applies when an enqueue does not set its own retry budget.
const DefaultMaxRetries = 3

const maxLastErrorLen = 1024

// EnqueueInput describes a local mutation to replay against the server.
type EnqueueInput struct {
	EntityType      enums.EntityType
	Action          enums.MutationAction
	Payload         any
	RelatedEntityID string
	MaxRetries      int
}

// Stats summarises the queue by status.
type Stats struct {
	Pending       int64
	InFlight      int64
	Failed        int64
	PendingByType map[enums.EntityType]int64
}

// Repository persists outbox entries. Every method runs on the bound handle, so a repository
// returned by WithTx participates in the caller's transaction.
type Repository struct {
	db         *gorm.DB
	seq        *Sequencer
	maxRetries int
	now        func() time.Time
}

func NewRepository(db *gorm.DB, maxRetries int) *Repository {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Repository{
		db:         db,
		seq:        NewSequencer(),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy bound to tx that shares the sequencer.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	clone := *r
	clone.db = tx
	return &clone
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// transaction runs fn in a transaction, reusing the bound one when there is one.
func (r *Repository) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.conn(ctx).Transaction(fn)
}

// Enqueue validates and persists a pending entry.
func (r *Repository) Enqueue(ctx context.Context, input EnqueueInput) (*models.OutboxEntry, error) {
	if !input.EntityType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown entity type").
			WithDetails(map[string]any{"entity_type": input.EntityType})
	}
	if !input.Action.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown mutation action").
			WithDetails(map[string]any{"action": input.Action})
	}
	if strings.TrimSpace(input.RelatedEntityID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "related entity id is required")
	}
	payload, err := dbtypes.NewJSON(input.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload must be valid JSON")
	}
	maxRetries := input.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.maxRetries
	}

	seq, err := r.seq.Next(ctx, r.conn(ctx))
	if err != nil {
		return nil, pkgerrors.Storage(err, "allocate outbox sequence")
	}

	now := r.now()
	entry := models.OutboxEntry{
		ID:              uuid.NewString(),
		Seq:             seq,
		EntityType:      input.EntityType,
		Action:          input.Action,
		Payload:         payload,
		RelatedEntityID: input.RelatedEntityID,
		MaxRetries:      maxRetries,
		Status:          enums.OutboxStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.conn(ctx).Create(&entry).Error; err != nil {
		return nil, pkgerrors.Storage(err, "insert outbox entry")
	}
	return &entry, nil
}

// DequeueNextBatch claims up to limit due entries in seq order and marks them in_flight in the
// same transaction. An entry is only eligible when no earlier unfinished entry exists for the
// same related entity, so at most one entry per entity is claimed. Entries whose payload
// mentions a provisional id with earlier unfinished work (a message in a conversation that
// was never created on the server) wait for that work too. An empty entityType considers
// every type.
func (r *Repository) DequeueNextBatch(ctx context.Context, entityType enums.EntityType, limit int, now time.Time) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []models.OutboxEntry
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		eligible, err := r.eligible(tx, entityType, limit, now)
		if err != nil {
			return err
		}
		claimed, err = r.claim(tx, eligible)
		return err
	})
	if err != nil {
		return nil, pkgerrors.Storage(err, "claim outbox batch")
	}
	return claimed, nil
}

func (r *Repository) eligible(tx *gorm.DB, entityType enums.EntityType, limit int, now time.Time) ([]models.OutboxEntry, error) {
	var rows []models.OutboxEntry
	if err := tx.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	var out []models.OutboxEntry
	blocked := make(map[string]struct{}, len(rows))
	var provisional []string
	for _, row := range rows {
		if len(out) >= limit {
			break
		}
		if _, ok := blocked[row.RelatedEntityID]; ok {
			continue
		}
		waiting := referencesAny(row, provisional)
		blocked[row.RelatedEntityID] = struct{}{}
		if ids.IsProvisional(row.RelatedEntityID) {
			provisional = append(provisional, row.RelatedEntityID)
		}
		if waiting {
			continue
		}

		if row.Status != enums.OutboxStatusPending {
			continue
		}
		if entityType != "" && row.EntityType != entityType {
			continue
		}
		if row.NextAttemptAt != nil && row.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// claim flips each row from pending to in_flight and keeps only the rows this call actually
// flipped. A worker sharing the table may have claimed some of them since they were read.
func (r *Repository) claim(tx *gorm.DB, rows []models.OutboxEntry) ([]models.OutboxEntry, error) {
	claimedAt := r.now()
	claimed := make([]models.OutboxEntry, 0, len(rows))
	for _, row := range rows {
		res := tx.Model(&models.OutboxEntry{}).
			Where("id = ? AND status = ?", row.ID, enums.OutboxStatusPending).
			Updates(map[string]any{
				"status":     enums.OutboxStatusInFlight,
				"claimed_at": claimedAt,
				"updated_at": claimedAt,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		row.Status = enums.OutboxStatusInFlight
		row.ClaimedAt = &claimedAt
		row.UpdatedAt = claimedAt
		claimed = append(claimed, row)
	}
	return claimed, nil
}

// MarkSucceeded removes the entry. A missing entry is not an error.
func (r *Repository) MarkSucceeded(ctx context.Context, id string) error {
	err := r.conn(ctx).Where("id = ?", id).Delete(&models.OutboxEntry{}).Error
	return pkgerrors.Storage(err, "delete succeeded outbox entry")
}

// MarkFailed records one failed attempt. Entries that exhaust their retry budget, or fail
// permanently, move to failed; the rest return to pending and wait for nextAttemptAt.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause error, kind enums.FailureKind, nextAttemptAt time.Time) (*models.OutboxEntry, error) {
	var entry models.OutboxEntry
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&entry).Error; err != nil {
			return err
		}

		entry.Attempts++
		entry.ErrorKind = &kind
		msg := truncate(errorMessage(cause))
		entry.LastError = &msg
		entry.ClaimedAt = nil
		entry.UpdatedAt = r.now()

		if kind == enums.FailurePermanent || entry.Exhausted() {
			entry.Status = enums.OutboxStatusFailed
			entry.NextAttemptAt = nil
		} else {
			entry.Status = enums.OutboxStatusPending
			next := nextAttemptAt.UTC()
			entry.NextAttemptAt = &next
		}

		return tx.Model(&models.OutboxEntry{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"attempts":        entry.Attempts,
				"status":          entry.Status,
				"error_kind":      kind,
				"last_error":      msg,
				"next_attempt_at": entry.NextAttemptAt,
				"claimed_at":      nil,
				"updated_at":      entry.UpdatedAt,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "outbox entry not found")
		}
		return nil, pkgerrors.Storage(err, "mark outbox entry failed")
	}
	return &entry, nil
}

// MarkTerminal fails the entry permanently: one attempt is counted and no retry is scheduled.
func (r *Repository) MarkTerminal(ctx context.Context, id string, cause error) (*models.OutboxEntry, error) {
	return r.MarkFailed(ctx, id, cause, enums.FailurePermanent, time.Time{})
}

func (r *Repository) Get(ctx context.Context, id string) (*models.OutboxEntry, error) {
	var entry models.OutboxEntry
	if err := r.conn(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "outbox entry not found")
		}
		return nil, pkgerrors.Storage(err, "load outbox entry")
	}
	return &entry, nil
}

// List returns every entry in seq order.
func (r *Repository) List(ctx context.Context) ([]models.OutboxEntry, error) {
	var rows []models.OutboxEntry
	err := r.conn(ctx).Order("seq ASC").Find(&rows).Error
	return rows, pkgerrors.Storage(err, "list outbox entries")
}

func (r *Repository) ListPending(ctx context.Context, entityType enums.EntityType) ([]models.OutboxEntry, error) {
	q := r.conn(ctx).Where("status = ?", enums.OutboxStatusPending)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var rows []models.OutboxEntry
	err := q.Order("seq ASC").Find(&rows).Error
	return rows, pkgerrors.Storage(err, "list pending outbox entries")
}

func (r *Repository) ListFailed(ctx context.Context) ([]models.OutboxEntry, error) {
	var rows []models.OutboxEntry
	err := r.conn(ctx).
		Where("status = ?", enums.OutboxStatusFailed).
		Order("seq ASC").
		Find(&rows).Error
	return rows, pkgerrors.Storage(err, "list failed outbox entries")
}

func (r *Repository) ListByRelated(ctx context.Context, relatedID string) ([]models.OutboxEntry, error) {
	var rows []models.OutboxEntry
	err := r.conn(ctx).
		Where("related_entity_id = ?", relatedID).
		Order("seq ASC").
		Find(&rows).Error
	return rows, pkgerrors.Storage(err, "list outbox entries by related entity")
}

// RetargetRelated moves every entry from a provisional id to its canonical id and rewrites
// quoted references to the old id inside payloads.
func (r *Repository) RetargetRelated(ctx context.Context, oldID, newID string) (int64, error) {
	if oldID == "" || newID == "" || oldID == newID {
		return 0, nil
	}
	var affected int64
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxEntry{}).
			Where("related_entity_id = ?", oldID).
			Update("related_entity_id", newID)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected

		oldRef, newRef := quoted(oldID), quoted(newID)
		return tx.Exec(
			"UPDATE outbox_entries SET payload = REPLACE(payload, ?, ?) WHERE payload LIKE ? "+db.LikeEscape,
			oldRef, newRef, db.ContainsPattern(oldRef),
		).Error
	})
	if err != nil {
		return 0, pkgerrors.Storage(err, "retarget outbox entries")
	}
	return affected, nil
}

// RetryFailed returns failed entries to pending with a fresh retry budget. With no ids every
// failed entry is retried.
func (r *Repository) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	q := r.conn(ctx).Model(&models.OutboxEntry{}).Where("status = ?", enums.OutboxStatusFailed)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]any{
		"status":          enums.OutboxStatusPending,
		"attempts":        0,
		"error_kind":      nil,
		"last_error":      nil,
		"next_attempt_at": nil,
		"updated_at":      r.now(),
	})
	if res.Error != nil {
		return 0, pkgerrors.Storage(res.Error, "retry failed outbox entries")
	}
	return res.RowsAffected, nil
}

// UpdatePayload replaces the payload of an entry that is not currently being sent.
func (r *Repository) UpdatePayload(ctx context.Context, id string, payload any) error {
	doc, err := dbtypes.NewJSON(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload must be valid JSON")
	}
	entry, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status == enums.OutboxStatusInFlight {
		return pkgerrors.New(pkgerrors.CodeConflict, "outbox entry is being sent")
	}
	err = r.conn(ctx).Model(&models.OutboxEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{"payload": doc, "updated_at": r.now()}).Error
	return pkgerrors.Storage(err, "update outbox payload")
}

// Remove discards an entry that is not currently being sent.
func (r *Repository) Remove(ctx context.Context, id string) error {
	entry, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status == enums.OutboxStatusInFlight {
		return pkgerrors.New(pkgerrors.CodeConflict, "outbox entry is being sent")
	}
	err = r.conn(ctx).Where("id = ?", id).Delete(&models.OutboxEntry{}).Error
	return pkgerrors.Storage(err, "delete outbox entry")
}

// RemoveByRelated discards every entry for relatedID that is not in flight.
func (r *Repository) RemoveByRelated(ctx context.Context, relatedID string) (int64, error) {
	res := r.conn(ctx).
		Where("related_entity_id = ? AND status <> ?", relatedID, enums.OutboxStatusInFlight).
		Delete(&models.OutboxEntry{})
	if res.Error != nil {
		return 0, pkgerrors.Storage(res.Error, "delete outbox entries by related entity")
	}
	return res.RowsAffected, nil
}

// ResetInFlight returns claimed entries to pending. Runs on startup and after an aborted drain,
// when no send can still be outstanding.
func (r *Repository) ResetInFlight(ctx context.Context) (int64, error) {
	res := r.conn(ctx).Model(&models.OutboxEntry{}).
		Where("status = ?", enums.OutboxStatusInFlight).
		Updates(map[string]any{
			"status":     enums.OutboxStatusPending,
			"claimed_at": nil,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return 0, pkgerrors.Storage(res.Error, "reset in-flight outbox entries")
	}
	return res.RowsAffected, nil
}

func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	type row struct {
		Status     enums.OutboxStatus
		EntityType enums.EntityType
		Total      int64
	}
	var rows []row
	err := r.conn(ctx).Model(&models.OutboxEntry{}).
		Select("status, entity_type, COUNT(*) AS total").
		Group("status, entity_type").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, pkgerrors.Storage(err, "outbox stats")
	}

	stats := Stats{PendingByType: map[enums.EntityType]int64{}}
	for _, rw := range rows {
		switch rw.Status {
		case enums.OutboxStatusPending:
			stats.Pending += rw.Total
			stats.PendingByType[rw.EntityType] += rw.Total
		case enums.OutboxStatusInFlight:
			stats.InFlight += rw.Total
		case enums.OutboxStatusFailed:
			stats.Failed += rw.Total
		}
	}
	return stats, nil
}

// PendingEntityTypes lists the types with pending work, known types first in declaration order.
func (r *Repository) PendingEntityTypes(ctx context.Context) ([]enums.EntityType, error) {
	var raw []string
	err := r.conn(ctx).Model(&models.OutboxEntry{}).
		Where("status = ?", enums.OutboxStatusPending).
		Distinct("entity_type").
		Pluck("entity_type", &raw).Error
	if err != nil {
		return nil, pkgerrors.Storage(err, "list pending entity types")
	}

	order := make(map[enums.EntityType]int, len(raw))
	for i, t := range enums.EntityTypes() {
		order[t] = i
	}
	types := make([]enums.EntityType, 0, len(raw))
	for _, v := range raw {
		types = append(types, enums.EntityType(v))
	}
	sort.SliceStable(types, func(i, j int) bool {
		oi, iKnown := order[types[i]]
		oj, jKnown := order[types[j]]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown != jKnown:
			return iKnown
		default:
			return types[i] < types[j]
		}
	})
	return types, nil
}

// NextAttemptAt returns the earliest scheduled retry among pending entries, or nil.
func (r *Repository) NextAttemptAt(ctx context.Context) (*time.Time, error) {
	var rows []models.OutboxEntry
	err := r.conn(ctx).
		Select("id", "next_attempt_at").
		Where("status = ? AND next_attempt_at IS NOT NULL", enums.OutboxStatusPending).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Storage(err, "load next attempt times")
	}
	var earliest *time.Time
	for _, row := range rows {
		if row.NextAttemptAt == nil {
			continue
		}
		if earliest == nil || row.NextAttemptAt.Before(*earliest) {
			t := *row.NextAttemptAt
			earliest = &t
		}
	}
	return earliest, nil
}

// CountUnfinishedByRelated counts entries for relatedID other than excludeID.
func (r *Repository) CountUnfinishedByRelated(ctx context.Context, relatedID, excludeID string) (int64, error) {
	var count int64
	q := r.conn(ctx).Model(&models.OutboxEntry{}).Where("related_entity_id = ?", relatedID)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, pkgerrors.Storage(err, "count outbox entries by related entity")
	}
	return count, nil
}

func (r *Repository) Clear(ctx context.Context) error {
	err := r.conn(ctx).Where("1 = 1").Delete(&models.OutboxEntry{}).Error
	return pkgerrors.Storage(err, "clear outbox")
}

func referencesAny(row models.OutboxEntry, provisional []string) bool {
	if len(provisional) == 0 {
		return false
	}
	payload := string(row.Payload)
	for _, id := range provisional {
		if id != row.RelatedEntityID && strings.Contains(payload, quoted(id)) {
			return true
		}
	}
	return false
}

func quoted(id string) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// truncate cuts message to maxLastErrorLen bytes without splitting a rune.
func truncate(message string) string {
	if len(message) <= maxLastErrorLen {
		return message
	}
	cut := maxLastErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
