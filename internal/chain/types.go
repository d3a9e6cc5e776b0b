// Package chain fetches blocks, transactions and balances from Ergo explorer and node APIs
// with retry, health tracking and provider failover.
package chain

import "context"

// Block is a chain block header summary. TxIDs is in block order and is
// empty when the provider's summary omits it.
type Block struct {
	ID        string
	Height    uint64
	Timestamp int64 // unix milliseconds
	TxCount   int
	TxIDs     []string
}

// Asset is a token amount carried by a box
type Asset struct {
	TokenID string
	Amount  int64
}

// Input is a spent box. An empty Address means it could not be resolved.
type Input struct {
	BoxID   string
	Address string
	Value   int64
}

// Output is a created box
type Output struct {
	BoxID   string
	Address string
	Value   int64
	Assets  []Asset
}

// Transaction is a confirmed transaction with resolved addresses where available
type Transaction struct {
	ID        string
	BlockID   string
	Height    uint64
	Timestamp int64
	Inputs    []Input
	Outputs   []Output

	// DecodeErr is set when the provider returned this transaction in a
	// shape that could not be decoded. Only ID may be filled in.
	DecodeErr error
}

// TransactionPage is one page of an address history, newest first
type TransactionPage struct {
	Items []Transaction
	Total int
}

// Balance is the confirmed balance of an address
type Balance struct {
	NanoErgs int64
	Tokens   []Asset
}

// Info describes the tip as seen by a provider
type Info struct {
	Height        uint64
	HeadersHeight uint64
}

// Provider is a single upstream API
type Provider interface {
	Name() string
	Info(ctx context.Context) (*Info, error)
	BlockAtHeight(ctx context.Context, height uint64) (*Block, error)
	BlockTransactions(ctx context.Context, block *Block) ([]Transaction, error)
	AddressTransactions(ctx context.Context, address string, offset, limit int) (*TransactionPage, error)
	AddressBalance(ctx context.Context, address string) (*Balance, error)
}
