// Package wallet records deposits, withdrawals and transfers while offline. Balances move
// optimistically and are rebased on the server balance as transactions sync.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/internal/offline"
	"github.com/angelmondragon/packfinderz-offline/internal/scheduler"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/validators"
)

// Engine is what the wallet service needs from the sync engine.
type Engine interface {
	offline.Writer
	RegisterReconciler(entityType enums.EntityType, rec scheduler.Reconciler)
}

// Service defines the offline wallet operations.
type Service interface {
	ProcessDepositOffline(ctx context.Context, input MovementInput) (Transaction, error)
	ProcessWithdrawalOffline(ctx context.Context, input MovementInput) (Transaction, error)
	ProcessTransferOffline(ctx context.Context, input TransferInput) (Transfer, error)
	CacheWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, walletID string) (offline.Item[Wallet], error)
	ListTransactions(ctx context.Context, walletID string) ([]offline.Item[Transaction], error)
}

type service struct {
	engine       Engine
	wallets      *offline.Adapter[Wallet]
	transactions *offline.Adapter[Transaction]
	now          func() time.Time
}

// NewService wires the wallet adapters and registers the balance reconciler for synced
// transactions.
func NewService(engine Engine) (Service, error) {
	if engine == nil {
		return nil, errors.New("engine required")
	}
	wallets, err := offline.NewAdapter(engine, offline.Params[Wallet]{
		EntityType: enums.EntityWallet,
		AssignID:   func(w Wallet, id string) Wallet { w.ID = id; return w },
	})
	if err != nil {
		return nil, err
	}
	transactions, err := offline.NewAdapter(engine, offline.Params[Transaction]{
		EntityType: enums.EntityTransaction,
		AssignID:   func(t Transaction, id string) Transaction { t.ID = id; return t },
		Guard:      guardTransaction,
	})
	if err != nil {
		return nil, err
	}
	svc := &service{
		engine:       engine,
		wallets:      wallets,
		transactions: transactions,
		now:          func() time.Time { return time.Now().UTC() },
	}
	engine.RegisterReconciler(enums.EntityTransaction, scheduler.ReconcilerFunc(svc.reconcile))
	return svc, nil
}

// Transactions are append-only once queued.
func guardTransaction(_ context.Context, _ *localstore.Tx, action enums.MutationAction, _, next *Transaction) error {
	if action != enums.ActionCreate {
		return pkgerrors.New(pkgerrors.CodeInvariant, "wallet transactions cannot be changed once recorded")
	}
	if !next.Operation.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid wallet operation").
			WithDetails(map[string]any{"operation": next.Operation})
	}
	return nil
}

func (s *service) ProcessDepositOffline(ctx context.Context, input MovementInput) (Transaction, error) {
	return s.move(ctx, input, enums.WalletDeposit)
}

// ProcessWithdrawalOffline refuses to take the cached balance below zero. The check is
// against the local view only; the server has the final say when the transaction syncs.
func (s *service) ProcessWithdrawalOffline(ctx context.Context, input MovementInput) (Transaction, error) {
	return s.move(ctx, input, enums.WalletWithdrawal)
}

func (s *service) move(ctx context.Context, input MovementInput, op enums.WalletOperation) (Transaction, error) {
	if err := validators.Struct(input); err != nil {
		return Transaction{}, err
	}
	var out Transaction
	err := s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		out, err = s.apply(ctx, tx, Transaction{
			WalletID:    input.WalletID,
			Operation:   op,
			Amount:      input.Amount,
			Description: input.Description,
		})
		return err
	})
	return out, err
}

// ProcessTransferOffline debits one wallet and credits the other in a single local
// transaction, so no reader sees one side without the other.
func (s *service) ProcessTransferOffline(ctx context.Context, input TransferInput) (Transfer, error) {
	if err := validators.Struct(input); err != nil {
		return Transfer{}, err
	}
	transfer := Transfer{ID: uuid.NewString()}
	err := s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		transfer.Debit, err = s.apply(ctx, tx, Transaction{
			WalletID:             input.FromWalletID,
			Operation:            enums.WalletTransferOut,
			Amount:               input.Amount,
			CounterpartyWalletID: input.ToWalletID,
			TransferID:           transfer.ID,
			Description:          input.Description,
		})
		if err != nil {
			return err
		}
		transfer.Credit, err = s.apply(ctx, tx, Transaction{
			WalletID:             input.ToWalletID,
			Operation:            enums.WalletTransferIn,
			Amount:               input.Amount,
			CounterpartyWalletID: input.FromWalletID,
			TransferID:           transfer.ID,
			Description:          input.Description,
		})
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// apply moves the cached balance and queues the transaction create.
func (s *service) apply(ctx context.Context, tx *localstore.Tx, txn Transaction) (Transaction, error) {
	wallet, err := s.wallets.GetTx(ctx, tx, txn.WalletID)
	if err != nil {
		return Transaction{}, err
	}
	next := wallet.Balance.Add(txn.Delta())
	if next.IsNegative() {
		return Transaction{}, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "insufficient balance").
			WithDetails(map[string]any{
				"wallet_id": wallet.ID,
				"balance":   wallet.Balance.String(),
				"requested": txn.Amount.String(),
			})
	}

	now := s.now()
	txn.Status = enums.TransactionPending
	txn.CreatedAt = now
	txn.WalletBalance = nil
	created, err := s.transactions.CreateTx(ctx, tx, txn)
	if err != nil {
		return Transaction{}, err
	}

	wallet.Balance = next
	wallet.UpdatedAt = &now
	if err := s.putWallet(ctx, tx, wallet, false); err != nil {
		return Transaction{}, err
	}
	return created, nil
}

// CacheWallet stores a wallet fetched from the server. Transactions still waiting to sync are
// replayed on top of the server balance.
func (s *service) CacheWallet(ctx context.Context, wallet Wallet) error {
	if err := validators.Struct(wallet); err != nil {
		return err
	}
	return s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		return s.rebase(ctx, tx, wallet, "")
	})
}

func (s *service) GetWallet(ctx context.Context, walletID string) (offline.Item[Wallet], error) {
	return s.wallets.GetItem(ctx, walletID)
}

// ListTransactions returns the wallet's cached transactions, newest first.
func (s *service) ListTransactions(ctx context.Context, walletID string) ([]offline.Item[Transaction], error) {
	items, err := s.transactions.List(ctx, func(t Transaction) bool { return t.WalletID == walletID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Value.CreatedAt.After(items[j].Value.CreatedAt)
	})
	return items, nil
}

// reconcile runs inside the success transaction of a synced transaction create. The server's
// wallet_balance replaces the cached balance, rebased on whatever is still queued.
func (s *service) reconcile(ctx context.Context, tx *localstore.Tx, result scheduler.Result) error {
	if result.Entry.Action != enums.ActionCreate || len(result.Record) == 0 {
		return nil
	}
	var server Transaction
	if err := json.Unmarshal(result.Record, &server); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvariant, err, "decode server transaction")
	}
	if server.WalletBalance == nil || server.WalletID == "" {
		return nil
	}
	wallet, err := s.wallets.GetTx(ctx, tx, server.WalletID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	wallet.Balance = *server.WalletBalance
	return s.rebase(ctx, tx, wallet, result.Entry.ID)
}

// rebase writes wallet with the deltas of its unsent transactions added to the given balance.
// The record is synced only when nothing is left to add.
func (s *service) rebase(ctx context.Context, tx *localstore.Tx, wallet Wallet, skipEntryID string) error {
	entries, err := tx.Outbox.List(ctx)
	if err != nil {
		return err
	}
	pending := 0
	balance := wallet.Balance
	for _, entry := range entries {
		if entry.ID == skipEntryID || !queuedCreate(entry) {
			continue
		}
		var txn Transaction
		if err := entry.Payload.Decode(&txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInvariant, err, "decode queued transaction")
		}
		if txn.WalletID != wallet.ID {
			continue
		}
		balance = balance.Add(txn.Delta())
		pending++
	}
	wallet.Balance = balance
	return s.putWallet(ctx, tx, wallet, pending == 0)
}

// Failed entries are left out: they only move money again if retried.
func queuedCreate(entry models.OutboxEntry) bool {
	if entry.EntityType != enums.EntityTransaction || entry.Action != enums.ActionCreate {
		return false
	}
	return entry.Status == enums.OutboxStatusPending || entry.Status == enums.OutboxStatusInFlight
}

func (s *service) putWallet(ctx context.Context, tx *localstore.Tx, wallet Wallet, synced bool) error {
	_, err := tx.Cache.Put(ctx, cache.PutInput{
		EntityType: enums.EntityWallet,
		EntityID:   wallet.ID,
		Payload:    wallet,
		Synced:     synced,
	})
	return err
}
