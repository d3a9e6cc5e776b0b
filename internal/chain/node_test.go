package chain

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNodeClient(t *testing.T) {
	var treeLookups int32

	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fullHeight":1496100,"headersHeight":1496102}`))
	})
	mux.HandleFunc("/blocks/at/1495702", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["hdr1"]`))
	})
	mux.HandleFunc("/blocks/hdr1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"header":{"id":"hdr1","height":1495702,"timestamp":1700000000000},
			"blockTransactions":{"headerId":"hdr1","transactions":[
				{"id":"tx1","inputs":[{"boxId":"known"},{"boxId":"unknown"}],
				 "outputs":[{"boxId":"o1","value":4986300000,"ergoTree":"tree-wallet"},
				            {"boxId":"o2","value":1100000,"ergoTree":"tree-wallet"},
				            {"boxId":"o3","value":1,"ergoTree":"tree-bad"}]}]}}`))
	})
	mux.HandleFunc("/utils/ergoTreeToAddress/tree-wallet", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&treeLookups, 1)
		w.Write([]byte(`{"address":"9wallet"}`))
	})
	mux.HandleFunc("/utils/ergoTreeToAddress/tree-bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc("/blockchain/box/byId/known", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"boxId":"known","value":5000000000,"address":"9miner"}`))
	})
	mux.HandleFunc("/blockchain/box/byId/unknown", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/blockchain/transaction/byAddress", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost || string(body) != "9wallet" {
			t.Errorf("byAddress got %s %q", r.Method, body)
		}
		w.Write([]byte(`{"items":[{"id":"tx1","blockId":"hdr1","inclusionHeight":1495702,"timestamp":5,"inputs":[],"outputs":[]}],"total":1}`))
	})
	mux.HandleFunc("/blockchain/balance", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"confirmed":{"nanoErgs":700,"tokens":[]},"unconfirmed":{"nanoErgs":0,"tokens":[]}}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewNodeClient(srv.URL, 5*time.Second, 16)
	ctx := context.Background()

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Height != 1496100 || info.HeadersHeight != 1496102 {
		t.Errorf("info = %+v", info)
	}

	block, err := c.BlockAtHeight(ctx, 1495702)
	if err != nil {
		t.Fatalf("BlockAtHeight() error = %v", err)
	}
	if block.ID != "hdr1" || block.TxCount != 1 || len(block.TxIDs) != 1 || block.TxIDs[0] != "tx1" {
		t.Errorf("block = %+v", block)
	}

	txs, err := c.BlockTransactions(ctx, block)
	if err != nil {
		t.Fatalf("BlockTransactions() error = %v", err)
	}
	tx := txs[0]
	if tx.Height != 1495702 || tx.BlockID != "hdr1" {
		t.Errorf("tx = %+v", tx)
	}
	if tx.Outputs[0].Address != "9wallet" || tx.Outputs[1].Address != "9wallet" {
		t.Errorf("outputs not resolved: %+v", tx.Outputs)
	}
	if tx.Outputs[2].Address != "" {
		t.Errorf("unresolvable output address = %q, want empty", tx.Outputs[2].Address)
	}
	if tx.Inputs[0].Address != "9miner" || tx.Inputs[0].Value != 5000000000 {
		t.Errorf("input = %+v", tx.Inputs[0])
	}
	if tx.Inputs[1].Address != "" {
		t.Errorf("unknown input address = %q, want empty", tx.Inputs[1].Address)
	}
	if n := atomic.LoadInt32(&treeLookups); n != 1 {
		t.Errorf("ergoTree lookups = %d, want 1 (memoised)", n)
	}

	page, err := c.AddressTransactions(ctx, "9wallet", 0, 10)
	if err != nil {
		t.Fatalf("AddressTransactions() error = %v", err)
	}
	if page.Total != 1 || page.Items[0].Height != 1495702 {
		t.Errorf("page = %+v", page)
	}

	bal, err := c.AddressBalance(ctx, "9wallet")
	if err != nil {
		t.Fatalf("AddressBalance() error = %v", err)
	}
	if bal.NanoErgs != 700 {
		t.Errorf("NanoErgs = %d, want 700", bal.NanoErgs)
	}
}

func TestNodeClientMalformedTransaction(t *testing.T) {
	const txs = `[{"id":"bad","inputs":"oops"},
		{"id":"tx1","inputs":[],"outputs":[{"boxId":"o1","value":625000000,"address":"9wallet"}]}]`

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/at/7", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["hdr7"]`))
	})
	mux.HandleFunc("/blocks/hdr7", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"header":{"id":"hdr7","height":7,"timestamp":7000},
			"blockTransactions":{"headerId":"hdr7","transactions":` + txs + `}}`))
	})
	mux.HandleFunc("/blocks/hdr8/transactions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transactions":` + txs + `}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewNodeClient(srv.URL, 5*time.Second, 16)
	ctx := context.Background()

	cached, err := c.BlockAtHeight(ctx, 7)
	if err != nil {
		t.Fatalf("BlockAtHeight() error = %v", err)
	}

	tests := []struct {
		name  string
		block *Block
	}{
		{"full block", cached},
		{"transactions endpoint", &Block{ID: "hdr8", Height: 8, Timestamp: 8000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.BlockTransactions(ctx, tt.block)
			if err != nil {
				t.Fatalf("BlockTransactions() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len(txs) = %d, want 2", len(got))
			}
			if got[0].ID != "bad" || got[0].DecodeErr == nil {
				t.Errorf("txs[0] = %+v, want bad with DecodeErr", got[0])
			}
			if got[1].DecodeErr != nil || got[1].Outputs[0].Address != "9wallet" {
				t.Errorf("txs[1] = %+v", got[1])
			}
		})
	}
	if len(cached.TxIDs) != 2 || cached.TxIDs[0] != "bad" {
		t.Errorf("TxIDs = %v, want [bad tx1]", cached.TxIDs)
	}
}
