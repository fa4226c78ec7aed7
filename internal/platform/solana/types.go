package solana

import "encoding/json"

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope. Result stays raw until
// the caller knows what shape to decode into.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// signatureEntry is one element of a getSignaturesForAddress result,
// newest first.
type signatureEntry struct {
	Signature string          `json:"signature"`
	Slot      int64           `json:"slot"`
	Err       json.RawMessage `json:"err"` // null on success
}

// tokenBalanceEntry is one pre/post token balance attached to a transaction.
type tokenBalanceEntry struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

// transactionResult is the subset of a getTransaction result needed to
// detect token deposits.
type transactionResult struct {
	Slot int64 `json:"slot"`
	Meta struct {
		Err               json.RawMessage     `json:"err"`
		PreTokenBalances  []tokenBalanceEntry `json:"preTokenBalances"`
		PostTokenBalances []tokenBalanceEntry `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
				Signer bool   `json:"signer"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}
