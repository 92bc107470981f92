// Package rfq manages requests for quotation and vendor quotes while offline.
package rfq

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/internal/offline"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/validators"
)

type Service interface {
	CreateRFQ(ctx context.Context, input CreateRFQInput) (RFQ, error)
	UpdateRFQ(ctx context.Context, id string, input UpdateRFQInput) (RFQ, error)
	CancelRFQ(ctx context.Context, id string) (RFQ, error)
	GetRFQ(ctx context.Context, id string) (offline.Item[RFQ], error)
	ListRFQs(ctx context.Context, statuses ...enums.RFQStatus) ([]offline.Item[RFQ], error)
	CacheRFQ(ctx context.Context, rfq RFQ) error
	SubmitQuote(ctx context.Context, input SubmitQuoteInput) (Quote, error)
	WithdrawQuote(ctx context.Context, id string) (Quote, error)
	ListQuotes(ctx context.Context, rfqID string) ([]offline.Item[Quote], error)
}

type service struct {
	writer offline.Writer
	rfqs   *offline.Adapter[RFQ]
	quotes *offline.Adapter[Quote]
	now    func() time.Time
}

func NewService(writer offline.Writer) (Service, error) {
	if writer == nil {
		return nil, errors.New("writer required")
	}
	svc := &service{
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
	var err error
	svc.rfqs, err = offline.NewAdapter(writer, offline.Params[RFQ]{
		EntityType: enums.EntityRFQ,
		AssignID:   func(r RFQ, id string) RFQ { r.ID = id; return r },
		Guard:      svc.guardRFQ,
	})
	if err != nil {
		return nil, err
	}
	svc.quotes, err = offline.NewAdapter(writer, offline.Params[Quote]{
		EntityType: enums.EntityQuote,
		AssignID:   func(q Quote, id string) Quote { q.ID = id; return q },
		Guard:      svc.guardQuote,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Closed RFQs are frozen. Cancelling is the only way to close one locally.
func (s *service) guardRFQ(_ context.Context, _ *localstore.Tx, action enums.MutationAction, prev, next *RFQ) error {
	if action == enums.ActionCreate {
		if next.ExpiresAt != nil && !next.ExpiresAt.After(s.now()) {
			return pkgerrors.New(pkgerrors.CodeValidation, "expiry must be in the future")
		}
		return nil
	}
	if prev.Status.IsClosed() {
		return pkgerrors.New(pkgerrors.CodeInvariant, "rfq is closed").
			WithDetails(map[string]any{"rfq_id": prev.ID, "status": prev.Status})
	}
	if next != nil && next.Status.IsClosed() && next.Status != enums.RFQCancelled {
		return pkgerrors.New(pkgerrors.CodeInvariant, "rfq can only be cancelled offline").
			WithDetails(map[string]any{"rfq_id": prev.ID, "status": next.Status})
	}
	return nil
}

// A quote needs an RFQ that is still open for answers.
func (s *service) guardQuote(ctx context.Context, tx *localstore.Tx, action enums.MutationAction, prev, next *Quote) error {
	if action == enums.ActionDelete {
		return nil
	}
	if prev != nil {
		if prev.Status != enums.QuoteSubmitted {
			return pkgerrors.New(pkgerrors.CodeInvariant, "quote is no longer editable").
				WithDetails(map[string]any{"quote_id": prev.ID, "status": prev.Status})
		}
		return nil
	}
	parent, err := s.rfqs.GetTx(ctx, tx, next.RFQID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return pkgerrors.New(pkgerrors.CodeValidation, "rfq not found").
				WithDetails(map[string]any{"rfq_id": next.RFQID})
		}
		return err
	}
	if parent.Status.IsClosed() {
		return pkgerrors.New(pkgerrors.CodeInvariant, "rfq is closed").
			WithDetails(map[string]any{"rfq_id": parent.ID, "status": parent.Status})
	}
	if parent.ExpiresAt != nil && !parent.ExpiresAt.After(s.now()) {
		return pkgerrors.New(pkgerrors.CodeInvariant, "rfq has expired").
			WithDetails(map[string]any{"rfq_id": parent.ID, "expires_at": parent.ExpiresAt})
	}
	if parent.Currency != "" && next.Currency != "" && parent.Currency != next.Currency {
		return pkgerrors.New(pkgerrors.CodeValidation, "quote currency must match the rfq").
			WithDetails(map[string]any{"rfq_currency": parent.Currency, "quote_currency": next.Currency})
	}
	return nil
}

func (s *service) CreateRFQ(ctx context.Context, input CreateRFQInput) (RFQ, error) {
	if err := validators.Struct(input); err != nil {
		return RFQ{}, err
	}
	now := s.now()
	return s.rfqs.Create(ctx, RFQ{
		BuyerStoreID: input.BuyerStoreID,
		Title:        validators.SanitizeString(input.Title, 160),
		Description:  input.Description,
		Quantity:     input.Quantity,
		Unit:         input.Unit,
		TargetPrice:  input.TargetPrice,
		Currency:     input.Currency,
		Status:       enums.RFQOpen,
		ExpiresAt:    input.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (s *service) UpdateRFQ(ctx context.Context, id string, input UpdateRFQInput) (RFQ, error) {
	if err := validators.Struct(input); err != nil {
		return RFQ{}, err
	}
	return s.mutateRFQ(ctx, id, func(r *RFQ) {
		if input.Title != nil {
			r.Title = validators.SanitizeString(*input.Title, 160)
		}
		if input.Description != nil {
			r.Description = *input.Description
		}
		if input.Quantity != nil {
			r.Quantity = *input.Quantity
		}
		if input.TargetPrice != nil {
			r.TargetPrice = input.TargetPrice
		}
		if input.ExpiresAt != nil {
			r.ExpiresAt = input.ExpiresAt
		}
	})
}

func (s *service) CancelRFQ(ctx context.Context, id string) (RFQ, error) {
	return s.mutateRFQ(ctx, id, func(r *RFQ) {
		r.Status = enums.RFQCancelled
	})
}

func (s *service) mutateRFQ(ctx context.Context, id string, change func(*RFQ)) (RFQ, error) {
	var out RFQ
	err := s.writer.WithTx(ctx, func(tx *localstore.Tx) error {
		current, err := s.rfqs.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		change(&current)
		current.UpdatedAt = s.now()
		out, err = s.rfqs.UpdateTx(ctx, tx, current)
		return err
	})
	return out, err
}

func (s *service) GetRFQ(ctx context.Context, id string) (offline.Item[RFQ], error) {
	return s.rfqs.GetItem(ctx, id)
}

// ListRFQs returns cached RFQs, newest first, optionally limited to some statuses.
func (s *service) ListRFQs(ctx context.Context, statuses ...enums.RFQStatus) ([]offline.Item[RFQ], error) {
	items, err := s.rfqs.List(ctx, func(r RFQ) bool {
		return len(statuses) == 0 || slices.Contains(statuses, r.Status)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Value.CreatedAt.After(items[j].Value.CreatedAt)
	})
	return items, nil
}

func (s *service) CacheRFQ(ctx context.Context, rfq RFQ) error {
	if rfq.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "rfq id is required")
	}
	return s.rfqs.Put(ctx, rfq, true)
}

func (s *service) SubmitQuote(ctx context.Context, input SubmitQuoteInput) (Quote, error) {
	if err := validators.Struct(input); err != nil {
		return Quote{}, err
	}
	return s.quotes.Create(ctx, Quote{
		RFQID:         input.RFQID,
		VendorStoreID: input.VendorStoreID,
		UnitPrice:     input.UnitPrice,
		Quantity:      input.Quantity,
		Currency:      input.Currency,
		Note:          input.Note,
		Status:        enums.QuoteSubmitted,
		CreatedAt:     s.now(),
	})
}

func (s *service) WithdrawQuote(ctx context.Context, id string) (Quote, error) {
	var out Quote
	err := s.writer.WithTx(ctx, func(tx *localstore.Tx) error {
		current, err := s.quotes.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != enums.QuoteSubmitted {
			return pkgerrors.New(pkgerrors.CodeInvariant, "quote is no longer editable").
				WithDetails(map[string]any{"quote_id": id, "status": current.Status})
		}
		current.Status = enums.QuoteWithdrawn
		out, err = s.quotes.UpdateTx(ctx, tx, current)
		return err
	})
	return out, err
}

// ListQuotes returns the quotes on an RFQ in submission order.
func (s *service) ListQuotes(ctx context.Context, rfqID string) ([]offline.Item[Quote], error) {
	items, err := s.quotes.List(ctx, func(q Quote) bool { return q.RFQID == rfqID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Value.CreatedAt.Before(items[j].Value.CreatedAt)
	})
	return items, nil
}
