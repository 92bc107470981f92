package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/internal/events"
	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/internal/remote"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

type outcome string

const (
	outcomeSynced outcome = "synced"
	outcomeRetry  outcome = "retry"
	outcomeFailed outcome = "failed"
)

// process sends one claimed entry and applies the result. Only storage failures are returned;
// everything else is recorded on the entry.
func (s *Service) process(ctx context.Context, entry models.OutboxEntry) (outcome, error) {
	ctx = s.logg.WithQueueEntry(ctx, entry.ID)
	ctx = s.logg.WithEntity(ctx, string(entry.EntityType), entry.RelatedEntityID)

	req := remote.Request{
		IdempotencyKey: entry.ID,
		EntityType:     entry.EntityType,
		Action:         entry.Action,
		EntityID:       entry.RelatedEntityID,
		Payload:        []byte(entry.Payload),
	}
	// A send that started is allowed to finish, and its outcome is recorded even when the
	// caller gives up meanwhile.
	ctx = context.WithoutCancel(ctx)
	resp, err := s.sender.Send(ctx, req)
	if err != nil {
		if remote.KindOf(err) == enums.FailurePermanent {
			return outcomeFailed, s.fail(ctx, entry, enums.OutboxFailureNonRetryable, err)
		}
		return s.retry(ctx, entry, err)
	}
	if resp == nil {
		resp = &remote.Response{}
	}
	return s.apply(ctx, entry, resp)
}

func (s *Service) retry(ctx context.Context, entry models.OutboxEntry, sendErr error) (outcome, error) {
	next := s.now().Add(backoffDelay(entry.Attempts, s.cfg.BaseDelay, s.cfg.CapDelay) + s.jitter(s.cfg.Jitter))

	var updated *models.OutboxEntry
	err := s.store.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		updated, err = tx.Outbox.MarkFailed(ctx, entry.ID, sendErr, enums.FailureTransient, next)
		if err != nil {
			return err
		}
		if updated.Status == enums.OutboxStatusFailed {
			_, err = tx.Failures.Record(ctx, *updated, enums.OutboxFailureMaxAttempts, sendErr)
		}
		return err
	})
	if err != nil {
		return "", wrapStorage(err, "record failed attempt")
	}
	if updated.Status == enums.OutboxStatusFailed {
		s.logg.Warn(s.logg.WithField(ctx, "error", sendErr.Error()), "mutation exhausted its retries")
		s.publishFailed(*updated, enums.OutboxFailureMaxAttempts, sendErr)
		return outcomeFailed, nil
	}
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"error":           sendErr.Error(),
		"attempts":        updated.Attempts,
		"next_attempt_at": next,
	}), "mutation send failed; will retry")
	return outcomeRetry, nil
}

// fail moves the entry to failed without further retries.
func (s *Service) fail(ctx context.Context, entry models.OutboxEntry, reason enums.OutboxFailureReason, cause error) error {
	var updated *models.OutboxEntry
	err := s.store.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		updated, err = tx.Outbox.MarkTerminal(ctx, entry.ID, cause)
		if err != nil {
			return err
		}
		_, err = tx.Failures.Record(ctx, *updated, reason, cause)
		return err
	})
	if err != nil {
		return wrapStorage(err, "record terminal failure")
	}
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"error":  cause.Error(),
		"reason": reason,
	}), "mutation will not be retried")
	s.publishFailed(*updated, reason, cause)
	return nil
}

type reconcileError struct{ err error }

func (e reconcileError) Error() string { return fmt.Sprintf("reconcile: %v", e.err) }
func (e reconcileError) Unwrap() error { return e.err }

// apply commits the server's answer: it promotes a provisional id, refreshes the cached record,
// runs the reconcilers and removes the entry, all in one transaction.
func (s *Service) apply(ctx context.Context, entry models.OutboxEntry, resp *remote.Response) (outcome, error) {
	marked := false
	if s.idem != nil {
		seen, err := s.idem.CheckAndMark(ctx, idempotencyConsumer, entry.ID)
		switch {
		case err != nil:
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "idempotency check unavailable")
		case seen:
			// An earlier attempt may have stopped between marking and committing. Promotion,
			// refresh and reconcilers are replay-safe, so the local side is applied again.
			s.logg.Info(ctx, "mutation already marked as applied; reapplying locally")
		default:
			marked = true
		}
	}

	result := Result{Entry: entry, EntityID: entry.RelatedEntityID, Record: resp.Record}
	if entry.Action == enums.ActionCreate && resp.CanonicalID != "" && resp.CanonicalID != entry.RelatedEntityID {
		result.ProvisionalID = entry.RelatedEntityID
		result.EntityID = resp.CanonicalID
	}

	err := s.store.WithTx(ctx, func(tx *localstore.Tx) error {
		if result.ProvisionalID != "" {
			if err := s.promote(ctx, tx, entry.EntityType, result.ProvisionalID, result.EntityID); err != nil {
				return err
			}
		}
		if err := s.refresh(ctx, tx, entry, result); err != nil {
			return err
		}
		for _, rec := range s.reconcilers.lookup(entry.EntityType) {
			if err := rec.Reconcile(ctx, tx, result); err != nil {
				if storageAbort(err) {
					return err
				}
				return reconcileError{err: err}
			}
		}
		return tx.Outbox.MarkSucceeded(ctx, entry.ID)
	})
	if err != nil {
		if marked {
			if delErr := s.idem.Delete(ctx, idempotencyConsumer, entry.ID); delErr != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", delErr.Error()), "failed to clear idempotency key")
			}
		}
		if storageAbort(err) {
			return "", err
		}
		var recErr reconcileError
		if !errors.As(err, &recErr) {
			recErr = reconcileError{err: err}
		}
		return outcomeFailed, s.fail(ctx, entry, enums.OutboxFailureReconcileFailed, recErr)
	}

	s.logg.Info(s.logg.WithField(ctx, "canonical_id", result.EntityID), "mutation synced")
	s.publish(events.TopicMutationSynced, events.MutationSynced{
		EntryID:       entry.ID,
		EntityType:    entry.EntityType,
		Action:        entry.Action,
		ProvisionalID: result.ProvisionalID,
		EntityID:      result.EntityID,
	})
	return outcomeSynced, nil
}

// promote swaps a provisional id for the canonical one across the cache and the queue.
func (s *Service) promote(ctx context.Context, tx *localstore.Tx, entityType enums.EntityType, provisionalID, canonicalID string) error {
	_, err := tx.Cache.Get(ctx, entityType, provisionalID)
	switch {
	case err == nil:
		if err := tx.Cache.Rekey(ctx, entityType, provisionalID, canonicalID); err != nil {
			return err
		}
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
	default:
		return err
	}
	if _, err := tx.Cache.RewriteReferences(ctx, provisionalID, canonicalID); err != nil {
		return err
	}
	if _, err := tx.Outbox.RetargetRelated(ctx, provisionalID, canonicalID); err != nil {
		return err
	}
	return nil
}

// refresh stores the server's record. While later local mutations of the same entity are still
// queued the optimistic local payload is kept and the record stays unsynced.
func (s *Service) refresh(ctx context.Context, tx *localstore.Tx, entry models.OutboxEntry, result Result) error {
	if entry.Action == enums.ActionDelete {
		return tx.Cache.Remove(ctx, entry.EntityType, result.EntityID)
	}

	remaining, err := tx.Outbox.CountUnfinishedByRelated(ctx, result.EntityID, entry.ID)
	if err != nil {
		return err
	}
	synced := remaining == 0

	existing, err := tx.Cache.Get(ctx, entry.EntityType, result.EntityID)
	if err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return err
	}
	if err != nil {
		existing = nil
	}

	payload := []byte(nil)
	switch {
	case synced && len(result.Record) > 0:
		payload = result.Record
	case existing != nil:
		payload = existing.Payload
	default:
		// Nothing cached locally and nothing returned.
		return nil
	}

	if existing != nil && existing.Synced == synced && existing.Payload.Equal(payload) {
		return nil
	}
	_, err = tx.Cache.Put(ctx, cache.PutInput{
		EntityType: entry.EntityType,
		EntityID:   result.EntityID,
		Payload:    payload,
		Synced:     synced,
	})
	return err
}

func (s *Service) publishFailed(entry models.OutboxEntry, reason enums.OutboxFailureReason, cause error) {
	s.publish(events.TopicMutationFailed, events.MutationFailed{
		EntryID:         entry.ID,
		EntityType:      entry.EntityType,
		Action:          entry.Action,
		RelatedEntityID: entry.RelatedEntityID,
		Reason:          reason,
		Attempts:        entry.Attempts,
		Error:           cause.Error(),
	})
}
