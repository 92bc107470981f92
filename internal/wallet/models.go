package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

// Wallet is the cached view of a marketplace wallet. Balance includes the optimistic effect
// of transactions that have not reached the server yet.
type Wallet struct {
	ID        string          `json:"id" validate:"required"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  enums.Currency  `json:"currency,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

func (w Wallet) EntityID() string { return w.ID }

// Transaction is one money movement. WalletBalance is only set on records returned by the
// server and carries the authoritative balance after the movement.
type Transaction struct {
	ID                   string                  `json:"id"`
	WalletID             string                  `json:"wallet_id" validate:"required"`
	Operation            enums.WalletOperation   `json:"operation" validate:"required"`
	Amount               decimal.Decimal         `json:"amount" validate:"gt=0"`
	Status               enums.TransactionStatus `json:"status"`
	CounterpartyWalletID string                  `json:"counterparty_wallet_id,omitempty"`
	TransferID           string                  `json:"transfer_id,omitempty"`
	Description          string                  `json:"description,omitempty" validate:"max=280"`
	CreatedAt            time.Time               `json:"created_at"`
	WalletBalance        *decimal.Decimal        `json:"wallet_balance,omitempty"`
}

func (t Transaction) EntityID() string { return t.ID }

// Delta is the signed change the transaction applies to its wallet.
func (t Transaction) Delta() decimal.Decimal {
	if t.Operation.IsDebit() {
		return t.Amount.Neg()
	}
	return t.Amount
}

// MovementInput describes a deposit or a withdrawal.
type MovementInput struct {
	WalletID    string          `json:"wallet_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Description string          `json:"description,omitempty" validate:"max=280"`
}

// TransferInput moves Amount from one cached wallet to another.
type TransferInput struct {
	FromWalletID string          `json:"from_wallet_id" validate:"required"`
	ToWalletID   string          `json:"to_wallet_id" validate:"required,nefield=FromWalletID"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	Description  string          `json:"description,omitempty" validate:"max=280"`
}

// Transfer is the pair of transactions a transfer queues.
type Transfer struct {
	ID     string      `json:"id"`
	Debit  Transaction `json:"debit"`
	Credit Transaction `json:"credit"`
}
