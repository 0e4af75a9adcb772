// Package publishtest provides an in-process JSON-RPC node that understands
// the handful of eth_ methods the deployer uses. Contract creations are
// "mined" immediately on receipt of the raw transaction.
package publishtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RuntimeCode is what the node stores at every successfully created address.
var RuntimeCode = []byte{0x60, 0x80, 0x60, 0x40}

type (
	Node struct {
		URL     string
		chainID uint64

		mu       sync.Mutex
		nonces   map[common.Address]uint64
		receipts map[common.Hash]map[string]any
		code     map[common.Address][]byte
		sent     []*types.Transaction
		sendErr  string
		revertFn func(i int, tx *types.Transaction) bool
		noCode   bool
		withhold bool
	}

	request struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}

	response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

func NewNode(t testing.TB, chainID uint64) *Node {
	t.Helper()
	n := &Node{
		chainID:  chainID,
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]map[string]any{},
		code:     map[common.Address][]byte{},
	}
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	n.URL = srv.URL
	return n
}

// WithholdReceipts makes eth_getTransactionReceipt report every accepted
// transaction as not yet mined.
func (n *Node) WithholdReceipts() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.withhold = true
}

// RejectSends makes eth_sendRawTransaction fail with msg.
func (n *Node) RejectSends(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErr = msg
}

// RevertWhen marks the i-th accepted transaction as reverted when fn
// returns true.
func (n *Node) RevertWhen(fn func(i int, tx *types.Transaction) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertFn = fn
}

// OmitCode makes successful creations leave no runtime code behind.
func (n *Node) OmitCode() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noCode = true
}

func (n *Node) Transactions() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*types.Transaction, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resps := make([]response, len(reqs))
		for i, req := range reqs {
			resps[i] = n.handle(req)
		}
		_ = json.NewEncoder(w).Encode(resps)
		return
	}

	var req request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(n.handle(req))
}

func (n *Node) handle(req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	result, err := n.dispatch(req.Method, req.Params)
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}

func (n *Node) dispatch(method string, params []json.RawMessage) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch method {
	case "eth_chainId":
		return hexutil.Uint64(n.chainID), nil

	case "eth_getTransactionCount":
		var addr common.Address
		if err := param(params, 0, &addr); err != nil {
			return nil, err
		}
		return hexutil.Uint64(n.nonces[addr]), nil

	case "eth_getCode":
		var addr common.Address
		if err := param(params, 0, &addr); err != nil {
			return nil, err
		}
		return hexutil.Bytes(n.code[addr]), nil

	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := param(params, 0, &raw); err != nil {
			return nil, err
		}
		return n.accept(raw)

	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := param(params, 0, &hash); err != nil {
			return nil, err
		}
		receipt, ok := n.receipts[hash]
		if !ok || n.withhold {
			return nil, nil
		}
		return receipt, nil

	default:
		return nil, fmt.Errorf("method %s not supported", method)
	}
}

func (n *Node) accept(raw []byte) (any, error) {
	if n.sendErr != "" {
		return nil, fmt.Errorf("%s", n.sendErr)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(new(big.Int).SetUint64(n.chainID)), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if want := n.nonces[sender]; tx.Nonce() != want {
		return nil, fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), want)
	}
	n.nonces[sender]++

	index := len(n.sent)
	n.sent = append(n.sent, tx)

	status := types.ReceiptStatusSuccessful
	if n.revertFn != nil && n.revertFn(index, tx) {
		status = types.ReceiptStatusFailed
	}

	receipt := map[string]any{
		"type":              hexutil.Uint64(tx.Type()),
		"transactionHash":   tx.Hash(),
		"transactionIndex":  hexutil.Uint64(0),
		"blockHash":         common.BigToHash(big.NewInt(int64(index + 1))),
		"blockNumber":       hexutil.Uint64(index + 1),
		"cumulativeGasUsed": hexutil.Uint64(tx.Gas() / 2),
		"gasUsed":           hexutil.Uint64(tx.Gas() / 2),
		"effectiveGasPrice": (*hexutil.Big)(tx.GasFeeCap()),
		"logsBloom":         types.Bloom{},
		"logs":              []any{},
		"status":            hexutil.Uint64(status),
	}
	if tx.To() == nil {
		created := crypto.CreateAddress(sender, tx.Nonce())
		receipt["contractAddress"] = created
		if status == types.ReceiptStatusSuccessful && !n.noCode {
			n.code[created] = RuntimeCode
		}
	}
	n.receipts[tx.Hash()] = receipt
	return tx.Hash(), nil
}

func param(params []json.RawMessage, i int, dst any) error {
	if len(params) <= i {
		return fmt.Errorf("missing param %d", i)
	}
	return json.Unmarshal(params[i], dst)
}
