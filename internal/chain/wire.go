package chain

import (
	"github.com/goccy/go-json"
)

// apiAsset, apiBox and apiTransaction mirror the JSON shared by the explorer
// and the indexed node endpoints.
type apiAsset struct {
	TokenID string `json:"tokenId"`
	Amount  int64  `json:"amount"`
}

type apiBox struct {
	BoxID    string     `json:"boxId"`
	Value    int64      `json:"value"`
	Address  string     `json:"address"`
	ErgoTree string     `json:"ergoTree"`
	Assets   []apiAsset `json:"assets"`
}

type apiTransaction struct {
	ID              string   `json:"id"`
	BlockID         string   `json:"blockId"`
	InclusionHeight uint64   `json:"inclusionHeight"`
	Timestamp       int64    `json:"timestamp"`
	Inputs          []apiBox `json:"inputs"`
	Outputs         []apiBox `json:"outputs"`
}

type apiTransactionPage struct {
	Items []apiTransaction `json:"items"`
	Total int              `json:"total"`
}

type apiBalance struct {
	NanoErgs int64      `json:"nanoErgs"`
	Tokens   []apiAsset `json:"tokens"`
}

func (t *apiTransaction) toTransaction() Transaction {
	tx := Transaction{
		ID:        t.ID,
		BlockID:   t.BlockID,
		Height:    t.InclusionHeight,
		Timestamp: t.Timestamp,
		Inputs:    make([]Input, 0, len(t.Inputs)),
		Outputs:   make([]Output, 0, len(t.Outputs)),
	}
	for _, in := range t.Inputs {
		tx.Inputs = append(tx.Inputs, Input{BoxID: in.BoxID, Address: in.Address, Value: in.Value})
	}
	for _, out := range t.Outputs {
		tx.Outputs = append(tx.Outputs, Output{
			BoxID:   out.BoxID,
			Address: out.Address,
			Value:   out.Value,
			Assets:  toAssets(out.Assets),
		})
	}
	return tx
}

func toAssets(in []apiAsset) []Asset {
	if len(in) == 0 {
		return nil
	}
	out := make([]Asset, len(in))
	for i, a := range in {
		out[i] = Asset{TokenID: a.TokenID, Amount: a.Amount}
	}
	return out
}

func toPage(p *apiTransactionPage) *TransactionPage {
	page := &TransactionPage{Total: p.Total, Items: make([]Transaction, 0, len(p.Items))}
	for i := range p.Items {
		page.Items = append(page.Items, p.Items[i].toTransaction())
	}
	return page
}

// decodeTransactionList accepts a bare array or an object wrapping it
// under "transactions" or "items". Entries are left raw for decodeTxItems.
func decodeTransactionList(raw json.RawMessage) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped struct {
		Transactions []json.RawMessage `json:"transactions"`
		Items        []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Transactions != nil {
		return wrapped.Transactions, nil
	}
	return wrapped.Items, nil
}

// txItem is one entry of a block's transaction list. err is set when the
// entry did not decode; raw then holds at most its id.
type txItem struct {
	raw apiTransaction
	err error
}

// decodeTxItems decodes every entry on its own so one bad transaction does
// not take the rest of the block with it
func decodeTxItems(items []json.RawMessage) []txItem {
	out := make([]txItem, len(items))
	for i, item := range items {
		var tx apiTransaction
		if err := json.Unmarshal(item, &tx); err != nil {
			var id struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(item, &id)
			out[i] = txItem{raw: apiTransaction{ID: id.ID}, err: err}
			continue
		}
		out[i] = txItem{raw: tx}
	}
	return out
}

func (it *txItem) toTransaction() Transaction {
	if it.err != nil {
		return Transaction{ID: it.raw.ID, DecodeErr: it.err}
	}
	return it.raw.toTransaction()
}
