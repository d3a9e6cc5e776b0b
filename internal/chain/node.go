package chain

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
)

const nodeBlockCacheSize = 32

// NodeClient talks to an Ergo node REST API. Output addresses are resolved from
// ergoTrees and input addresses from the box index, both memoised.
type NodeClient struct {
	rest *restClient

	trees  *lru.Cache[string, string]
	boxes  *lru.Cache[string, resolvedBox]
	blocks *lru.Cache[string, []txItem]
}

type resolvedBox struct {
	address string
	value   int64
}

// NewNodeClient creates a node client for a base URL such as http://127.0.0.1:9053
func NewNodeClient(baseURL string, timeout time.Duration, addressCacheSize int) *NodeClient {
	if addressCacheSize <= 0 {
		addressCacheSize = 4096
	}
	trees, _ := lru.New[string, string](addressCacheSize)
	boxes, _ := lru.New[string, resolvedBox](addressCacheSize)
	blocks, _ := lru.New[string, []txItem](nodeBlockCacheSize)

	return &NodeClient{
		rest:   newRESTClient(baseURL, timeout),
		trees:  trees,
		boxes:  boxes,
		blocks: blocks,
	}
}

// Name returns the provider name
func (c *NodeClient) Name() string {
	return "node"
}

// Info returns the node's full and headers heights
func (c *NodeClient) Info(ctx context.Context) (*Info, error) {
	var resp struct {
		FullHeight    *uint64 `json:"fullHeight"`
		HeadersHeight *uint64 `json:"headersHeight"`
	}
	if err := c.rest.get(ctx, "/info", &resp); err != nil {
		return nil, err
	}

	info := &Info{}
	if resp.FullHeight != nil {
		info.Height = *resp.FullHeight
	}
	if resp.HeadersHeight != nil {
		info.HeadersHeight = *resp.HeadersHeight
	}
	return info, nil
}

type nodeFullBlock struct {
	Header struct {
		ID        string `json:"id"`
		Height    uint64 `json:"height"`
		Timestamp int64  `json:"timestamp"`
	} `json:"header"`
	BlockTransactions struct {
		HeaderID     string            `json:"headerId"`
		Transactions []json.RawMessage `json:"transactions"`
	} `json:"blockTransactions"`
}

// BlockAtHeight returns the main-chain block at height
func (c *NodeClient) BlockAtHeight(ctx context.Context, height uint64) (*Block, error) {
	var ids []string
	if err := c.rest.get(ctx, fmt.Sprintf("/blocks/at/%d", height), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: block at height %d", ErrNotFound, height)
	}

	var full nodeFullBlock
	if err := c.rest.get(ctx, "/blocks/"+url.PathEscape(ids[0]), &full); err != nil {
		return nil, err
	}

	id := full.Header.ID
	if id == "" {
		id = ids[0]
	}
	items := decodeTxItems(full.BlockTransactions.Transactions)
	c.blocks.Add(id, items)

	txIDs := make([]string, len(items))
	for i := range items {
		txIDs[i] = items[i].raw.ID
	}

	return &Block{
		ID:        id,
		Height:    full.Header.Height,
		Timestamp: full.Header.Timestamp,
		TxCount:   len(txIDs),
		TxIDs:     txIDs,
	}, nil
}

// BlockTransactions returns every transaction in block with addresses resolved where possible
func (c *NodeClient) BlockTransactions(ctx context.Context, block *Block) ([]Transaction, error) {
	items, ok := c.blocks.Get(block.ID)
	if !ok {
		var resp struct {
			Transactions []json.RawMessage `json:"transactions"`
		}
		if err := c.rest.get(ctx, "/blocks/"+url.PathEscape(block.ID)+"/transactions", &resp); err != nil {
			return nil, err
		}
		items = decodeTxItems(resp.Transactions)
	}

	txs := make([]Transaction, 0, len(items))
	for i := range items {
		tx := items[i].toTransaction()
		tx.BlockID = block.ID
		tx.Height = block.Height
		tx.Timestamp = block.Timestamp
		if items[i].err == nil {
			c.resolve(ctx, &items[i].raw, &tx)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// resolve fills in addresses the node omits. Lookup failures leave them empty.
func (c *NodeClient) resolve(ctx context.Context, raw *apiTransaction, tx *Transaction) {
	for i := range tx.Outputs {
		if tx.Outputs[i].Address != "" {
			continue
		}
		tx.Outputs[i].Address = c.treeAddress(ctx, raw.Outputs[i].ErgoTree)
	}

	for i := range tx.Inputs {
		if tx.Inputs[i].Address != "" {
			continue
		}
		box, ok := c.box(ctx, tx.Inputs[i].BoxID)
		if !ok {
			continue
		}
		tx.Inputs[i].Address = box.address
		if tx.Inputs[i].Value == 0 {
			tx.Inputs[i].Value = box.value
		}
	}
}

func (c *NodeClient) treeAddress(ctx context.Context, tree string) string {
	if tree == "" {
		return ""
	}
	if addr, ok := c.trees.Get(tree); ok {
		return addr
	}

	var resp struct {
		Address string `json:"address"`
	}
	if err := c.rest.get(ctx, "/utils/ergoTreeToAddress/"+url.PathEscape(tree), &resp); err != nil || resp.Address == "" {
		return ""
	}
	c.trees.Add(tree, resp.Address)
	return resp.Address
}

func (c *NodeClient) box(ctx context.Context, boxID string) (resolvedBox, bool) {
	if boxID == "" {
		return resolvedBox{}, false
	}
	if b, ok := c.boxes.Get(boxID); ok {
		return b, true
	}

	var resp apiBox
	if err := c.rest.get(ctx, "/blockchain/box/byId/"+url.PathEscape(boxID), &resp); err != nil {
		return resolvedBox{}, false
	}

	addr := resp.Address
	if addr == "" {
		addr = c.treeAddress(ctx, resp.ErgoTree)
	}
	if addr == "" {
		return resolvedBox{}, false
	}

	b := resolvedBox{address: addr, value: resp.Value}
	c.boxes.Add(boxID, b)
	return b, true
}

// AddressTransactions returns a page of confirmed transactions touching address, newest first.
// Requires the node's extra index.
func (c *NodeClient) AddressTransactions(ctx context.Context, address string, offset, limit int) (*TransactionPage, error) {
	var resp apiTransactionPage
	path := fmt.Sprintf("/blockchain/transaction/byAddress?offset=%d&limit=%d", offset, limit)
	if err := c.rest.postText(ctx, path, address, &resp); err != nil {
		return nil, err
	}
	return toPage(&resp), nil
}

// AddressBalance returns the confirmed balance of address. Requires the node's extra index.
func (c *NodeClient) AddressBalance(ctx context.Context, address string) (*Balance, error) {
	var resp struct {
		Confirmed apiBalance `json:"confirmed"`
	}
	if err := c.rest.postText(ctx, "/blockchain/balance", address, &resp); err != nil {
		return nil, err
	}
	return &Balance{NanoErgs: resp.Confirmed.NanoErgs, Tokens: toAssets(resp.Confirmed.Tokens)}, nil
}
