package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrUnavailable wraps transport-level failures talking to the token node.
// Callers retry with backoff; it never unwinds an already-committed off-chain
// operation.
var ErrUnavailable = errors.New("chain unavailable")

// TransferDirection distinguishes supply-affecting events for an address.
type TransferDirection string

const (
	DirectionMint TransferDirection = "mint"
	DirectionBurn TransferDirection = "burn"
)

// Transfer is one observed on-chain token event.
type Transfer struct {
	TxHash    string
	Address   string
	Direction TransferDirection
	AmountWei *big.Int
	Timestamp time.Time
}

// Reader exposes the observable state of the token contract. The contract is
// the writer-of-record for supply; this service only reads it.
type Reader interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	Transfers(ctx context.Context, address string, start, end time.Time) ([]Transfer, error)
	TxConfirmed(ctx context.Context, txHash string) (bool, error)
}

// Writer submits supply operations. Confirmation is eventual; the returned
// hash is tracked on the originating ledger entry until a Reader observes it.
type Writer interface {
	SubmitMint(ctx context.Context, to string, amountWei *big.Int) (string, error)
	SubmitBurn(ctx context.Context, from string, amountWei *big.Int) (string, error)
}
