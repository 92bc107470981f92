package rfq

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

// RFQ is a buyer's request for quotation.
type RFQ struct {
	ID           string           `json:"id"`
	BuyerStoreID string           `json:"buyer_store_id" validate:"required"`
	Title        string           `json:"title" validate:"required,max=160"`
	Description  string           `json:"description,omitempty" validate:"max=4000"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	Unit         string           `json:"unit,omitempty" validate:"max=32"`
	TargetPrice  *decimal.Decimal `json:"target_price,omitempty"`
	Currency     enums.Currency   `json:"currency,omitempty"`
	Status       enums.RFQStatus  `json:"status"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (r RFQ) EntityID() string { return r.ID }

// Quote is a vendor's answer to an RFQ.
type Quote struct {
	ID            string            `json:"id"`
	RFQID         string            `json:"rfq_id" validate:"required"`
	VendorStoreID string            `json:"vendor_store_id" validate:"required"`
	UnitPrice     decimal.Decimal   `json:"unit_price" validate:"gt=0"`
	Quantity      int               `json:"quantity" validate:"gt=0"`
	Currency      enums.Currency    `json:"currency,omitempty"`
	Note          string            `json:"note,omitempty" validate:"max=2000"`
	Status        enums.QuoteStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (q Quote) EntityID() string { return q.ID }

// Total is unit price times quantity.
func (q Quote) Total() decimal.Decimal {
	return q.UnitPrice.Mul(decimal.NewFromInt(int64(q.Quantity)))
}

type CreateRFQInput struct {
	BuyerStoreID string           `json:"buyer_store_id" validate:"required"`
	Title        string           `json:"title" validate:"required,max=160"`
	Description  string           `json:"description,omitempty" validate:"max=4000"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	Unit         string           `json:"unit,omitempty" validate:"max=32"`
	TargetPrice  *decimal.Decimal `json:"target_price,omitempty"`
	Currency     enums.Currency   `json:"currency,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
}

// UpdateRFQInput carries the fields to change; nil fields are left alone.
type UpdateRFQInput struct {
	Title       *string          `json:"title,omitempty" validate:"omitempty,max=160"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=4000"`
	Quantity    *int             `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

type SubmitQuoteInput struct {
	RFQID         string          `json:"rfq_id" validate:"required"`
	VendorStoreID string          `json:"vendor_store_id" validate:"required"`
	UnitPrice     decimal.Decimal `json:"unit_price" validate:"gt=0"`
	Quantity      int             `json:"quantity" validate:"gt=0"`
	Currency      enums.Currency  `json:"currency,omitempty"`
	Note          string          `json:"note,omitempty" validate:"max=2000"`
}
