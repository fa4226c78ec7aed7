// Package solana is a minimal JSON-RPC client for a Solana node, scoped to
// the two calls the deposit scanner needs. It implements domain.ChainClient.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

// Client talks to a Solana RPC endpoint over HTTP.
type Client struct {
	rpcURL     string
	usdcMint   string
	httpClient *http.Client
}

// NewClient creates a Solana RPC client. usdcMint is the mint address of the
// USDC token; balances on other mints are ignored.
func NewClient(rpcURL, usdcMint string) *Client {
	return &Client{
		rpcURL:   rpcURL,
		usdcMint: usdcMint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetSignaturesForAddress returns up to limit signatures touching the token
// account, newest first, stopping at (and excluding) until when set. before
// starts the page strictly below that signature, letting callers walk a
// backlog deeper than one node-side page.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address, until, before string, limit int) ([]domain.SignatureInfo, error) {
	opts := map[string]any{
		"limit":      limit,
		"commitment": "confirmed",
	}
	if until != "" {
		opts["until"] = until
	}
	if before != "" {
		opts["before"] = before
	}

	result, err := c.call(ctx, "getSignaturesForAddress", []any{address, opts})
	if err != nil {
		return nil, fmt.Errorf("solana: signatures for %s: %w", address, err)
	}

	var entries []signatureEntry
	if err := json.Unmarshal(result, &entries); err != nil {
		return nil, fmt.Errorf("solana: decode signatures: %w", err)
	}

	sigs := make([]domain.SignatureInfo, 0, len(entries))
	for _, e := range entries {
		sigs = append(sigs, domain.SignatureInfo{
			Signature: e.Signature,
			Slot:      e.Slot,
			Err:       !isNull(e.Err),
		})
	}
	return sigs, nil
}

// GetTransaction fetches a confirmed transaction and extracts the USDC token
// balances around it.
func (c *Client) GetTransaction(ctx context.Context, signature string) (domain.ChainTransaction, error) {
	opts := map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}

	result, err := c.call(ctx, "getTransaction", []any{signature, opts})
	if err != nil {
		return domain.ChainTransaction{}, fmt.Errorf("solana: transaction %s: %w", signature, err)
	}
	if isNull(result) {
		return domain.ChainTransaction{}, fmt.Errorf("solana: transaction %s: %w", signature, domain.ErrNotFound)
	}

	var tx transactionResult
	if err := json.Unmarshal(result, &tx); err != nil {
		return domain.ChainTransaction{}, fmt.Errorf("solana: decode transaction: %w", err)
	}

	out := domain.ChainTransaction{
		Signature:    signature,
		Slot:         tx.Slot,
		PreBalances:  c.tokenBalances(tx, tx.Meta.PreTokenBalances),
		PostBalances: c.tokenBalances(tx, tx.Meta.PostTokenBalances),
	}
	// The fee payer (first signer) stands in as the sender for audit rows.
	for _, key := range tx.Transaction.Message.AccountKeys {
		if key.Signer {
			out.SourceAddress = key.Pubkey
			break
		}
	}
	return out, nil
}

// tokenBalances resolves USDC balance entries to their token account
// addresses via the transaction's account key table.
func (c *Client) tokenBalances(tx transactionResult, entries []tokenBalanceEntry) []domain.TokenBalance {
	keys := tx.Transaction.Message.AccountKeys
	var out []domain.TokenBalance
	for _, e := range entries {
		if e.Mint != c.usdcMint {
			continue
		}
		if e.AccountIndex < 0 || e.AccountIndex >= len(keys) {
			continue
		}
		out = append(out, domain.TokenBalance{
			AccountAddress: keys[e.AccountIndex].Pubkey,
			Amount:         e.UITokenAmount.Amount,
		})
	}
	return out
}

// call performs one JSON-RPC round trip. Transport failures, HTTP 429/5xx,
// and node-side transient errors wrap ErrServiceUnavailable so pollers skip
// the cycle and retry.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d", domain.ErrServiceUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solana: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		// -32005 is "node is behind"; treat it like any other transient
		// node problem.
		if rpcResp.Error.Code == -32005 {
			return nil, fmt.Errorf("%w: %s (code %d)", domain.ErrServiceUnavailable, rpcResp.Error.Message, rpcResp.Error.Code)
		}
		return nil, fmt.Errorf("rpc error: %s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
