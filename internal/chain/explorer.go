package chain

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// ExplorerClient talks to the Ergo explorer REST API (v1)
type ExplorerClient struct {
	rest *restClient
}

// NewExplorerClient creates an explorer client for a base URL such as https://api.ergoplatform.com/api/v1
func NewExplorerClient(baseURL string, timeout time.Duration) *ExplorerClient {
	return &ExplorerClient{rest: newRESTClient(baseURL, timeout)}
}

// Name returns the provider name
func (c *ExplorerClient) Name() string {
	return "explorer"
}

// Info returns the explorer's view of the chain tip
func (c *ExplorerClient) Info(ctx context.Context) (*Info, error) {
	var resp struct {
		Height uint64 `json:"height"`
	}
	if err := c.rest.get(ctx, "/networkState", &resp); err != nil {
		return nil, err
	}
	return &Info{Height: resp.Height, HeadersHeight: resp.Height}, nil
}

type explorerBlock struct {
	ID                string `json:"id"`
	Height            uint64 `json:"height"`
	Timestamp         int64  `json:"timestamp"`
	TransactionsCount int    `json:"transactionsCount"`
}

// BlockAtHeight returns the main-chain block at height
func (c *ExplorerClient) BlockAtHeight(ctx context.Context, height uint64) (*Block, error) {
	var resp struct {
		Items []explorerBlock `json:"items"`
	}
	path := fmt.Sprintf("/blocks?height=%d&limit=1", height)
	if err := c.rest.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	for _, b := range resp.Items {
		if b.Height == height {
			return &Block{ID: b.ID, Height: b.Height, Timestamp: b.Timestamp, TxCount: b.TransactionsCount}, nil
		}
	}
	return nil, fmt.Errorf("%w: block at height %d", ErrNotFound, height)
}

// BlockTransactions returns every transaction in block
func (c *ExplorerClient) BlockTransactions(ctx context.Context, block *Block) ([]Transaction, error) {
	var resp struct {
		Block struct {
			BlockTransactions json.RawMessage `json:"blockTransactions"`
		} `json:"block"`
	}
	if err := c.rest.get(ctx, "/blocks/"+url.PathEscape(block.ID), &resp); err != nil {
		return nil, err
	}

	list, err := decodeTransactionList(resp.Block.BlockTransactions)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block %s transactions: %w", block.ID, err)
	}

	items := decodeTxItems(list)
	txs := make([]Transaction, 0, len(items))
	for i := range items {
		tx := items[i].toTransaction()
		if tx.BlockID == "" {
			tx.BlockID = block.ID
		}
		if tx.Height == 0 {
			tx.Height = block.Height
		}
		if tx.Timestamp == 0 {
			tx.Timestamp = block.Timestamp
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// AddressTransactions returns a page of confirmed transactions touching address, newest first
func (c *ExplorerClient) AddressTransactions(ctx context.Context, address string, offset, limit int) (*TransactionPage, error) {
	var resp apiTransactionPage
	path := fmt.Sprintf("/addresses/%s/transactions?offset=%d&limit=%d", url.PathEscape(address), offset, limit)
	if err := c.rest.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return toPage(&resp), nil
}

// AddressBalance returns the confirmed balance of address
func (c *ExplorerClient) AddressBalance(ctx context.Context, address string) (*Balance, error) {
	var resp apiBalance
	if err := c.rest.get(ctx, "/addresses/"+url.PathEscape(address)+"/balance/confirmed", &resp); err != nil {
		return nil, err
	}
	return &Balance{NanoErgs: resp.NanoErgs, Tokens: toAssets(resp.Tokens)}, nil
}
