package enums

import "fmt"

// WalletOperation is the kind of money movement a wallet transaction records.
type WalletOperation string

const (
	WalletDeposit     WalletOperation = "deposit"
	WalletWithdrawal  WalletOperation = "withdrawal"
	WalletTransferOut WalletOperation = "transfer_out"
	WalletTransferIn  WalletOperation = "transfer_in"
)

var validWalletOperations = []WalletOperation{
	WalletDeposit,
	WalletWithdrawal,
	WalletTransferOut,
	WalletTransferIn,
}

func (o WalletOperation) IsValid() bool {
	for _, candidate := range validWalletOperations {
		if candidate == o {
			return true
		}
	}
	return false
}

// IsDebit reports whether the operation lowers the wallet balance.
func (o WalletOperation) IsDebit() bool {
	return o == WalletWithdrawal || o == WalletTransferOut
}

func ParseWalletOperation(value string) (WalletOperation, error) {
	for _, candidate := range validWalletOperations {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet operation %q", value)
}

// TransactionStatus mirrors the server lifecycle of a wallet transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionPending, TransactionCompleted, TransactionFailed:
		return true
	}
	return false
}
