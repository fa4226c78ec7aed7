// Package circle is the REST client for the Circle developer-controlled
// wallets API, used as the custodial provider behind user wallets.
package circle

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/predictlabs/exchange/internal/domain"
)

// Client talks to the Circle w3s API. It implements domain.CustodialClient.
type Client struct {
	baseURL      string
	apiKey       string
	walletSetID  string
	blockchain   string
	usdcTokenID  string
	entitySecret []byte
	entityPubKey *rsa.PublicKey
	httpClient   *http.Client
}

// NewClient creates a Circle client.
//
// baseURL is the API root, e.g. "https://api.circle.com/v1/w3s".
// walletSetID scopes created wallets; blockchain is the chain identifier
// (e.g. "SOL"); usdcTokenID is Circle's token id for USDC on that chain.
func NewClient(baseURL, apiKey, walletSetID, blockchain, usdcTokenID string) *Client {
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		walletSetID: walletSetID,
		blockchain:  blockchain,
		usdcTokenID: usdcTokenID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetEntitySecret configures the hex-encoded entity secret and the PEM
// public key Circle issued for it. Mutating endpoints require the secret
// encrypted under this key on every request.
func (c *Client) SetEntitySecret(secretHex string, publicKeyPEM []byte) error {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("circle: decode entity secret: %w", err)
	}

	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return fmt.Errorf("circle: no PEM block found in entity public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("circle: parse entity public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("circle: expected RSA public key, got %T", key)
	}

	c.entitySecret = secret
	c.entityPubKey = rsaKey
	return nil
}

// CreateWallet provisions a custodial wallet for the user and returns the
// provider wallet id and its on-chain deposit address.
func (c *Client) CreateWallet(ctx context.Context, userID string) (string, string, error) {
	ciphertext, err := c.entitySecretCiphertext()
	if err != nil {
		return "", "", err
	}

	reqBody := map[string]any{
		"idempotencyKey":         uuid.NewString(),
		"entitySecretCiphertext": ciphertext,
		"walletSetId":            c.walletSetID,
		"blockchains":            []string{c.blockchain},
		"count":                  1,
		"metadata":               []map[string]string{{"refId": userID}},
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/developer/wallets", reqBody)
	if err != nil {
		return "", "", fmt.Errorf("circle: create wallet: %w", err)
	}

	var resp struct {
		Data struct {
			Wallets []walletResponse `json:"wallets"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("circle: decode wallets: %w", err)
	}
	if len(resp.Data.Wallets) == 0 {
		return "", "", fmt.Errorf("circle: create wallet: empty wallet list in response")
	}

	w := resp.Data.Wallets[0]
	return w.ID, w.Address, nil
}

// GetBalance returns the wallet's balance for the token in micro-units.
// A wallet with no balance entry for the token holds zero.
func (c *Client) GetBalance(ctx context.Context, walletID string, token domain.TokenSymbol) (int64, error) {
	path := fmt.Sprintf("/wallets/%s/balances", url.PathEscape(walletID))

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("circle: get balance %s: %w", walletID, err)
	}

	var resp struct {
		Data struct {
			TokenBalances []tokenBalance `json:"tokenBalances"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("circle: decode balances: %w", err)
	}

	for _, tb := range resp.Data.TokenBalances {
		if tb.Token.Symbol != string(token) {
			continue
		}
		amount, err := microFromDecimal(tb.Amount)
		if err != nil {
			return 0, fmt.Errorf("circle: balance amount %q: %w", tb.Amount, err)
		}
		return amount, nil
	}
	return 0, nil
}

// Send initiates an outbound transfer. The caller's idempotency key is
// mapped deterministically onto the UUID Circle requires, so a retried
// request lands on the same provider transaction.
func (c *Client) Send(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	ciphertext, err := c.entitySecretCiphertext()
	if err != nil {
		return domain.Transfer{}, err
	}

	reqBody := map[string]any{
		"idempotencyKey":         uuidFromKey(req.IdempotencyKey),
		"entitySecretCiphertext": ciphertext,
		"walletId":               req.SourceWalletID,
		"destinationAddress":     req.DestinationAddress,
		"tokenId":                c.usdcTokenID,
		"amounts":                []string{decimalFromMicro(req.AmountUSDC)},
		"feeLevel":               "MEDIUM",
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/developer/transactions/transfer", reqBody)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("circle: send: %w", err)
	}

	var resp struct {
		Data transactionResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Transfer{}, fmt.Errorf("circle: decode transfer: %w", err)
	}

	return toTransfer(resp.Data), nil
}

// GetTransfer fetches the current state of a transfer.
func (c *Client) GetTransfer(ctx context.Context, transferID string) (domain.Transfer, error) {
	path := fmt.Sprintf("/transactions/%s", url.PathEscape(transferID))

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("circle: get transfer %s: %w", transferID, err)
	}

	var resp struct {
		Data struct {
			Transaction transactionResponse `json:"transaction"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Transfer{}, fmt.Errorf("circle: decode transaction: %w", err)
	}

	return toTransfer(resp.Data.Transaction), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// toTransfer maps Circle's transaction states onto the three states the
// pipelines care about. Anything not terminal is pending.
func toTransfer(tx transactionResponse) domain.Transfer {
	t := domain.Transfer{
		ID:     tx.ID,
		TxHash: tx.TxHash,
	}
	switch tx.State {
	case "COMPLETE", "CONFIRMED":
		t.State = domain.TransferComplete
	case "FAILED", "DENIED", "CANCELLED":
		t.State = domain.TransferFailed
		t.Reason = tx.ErrorReason
		if tx.ErrorDetails != "" {
			t.Reason = tx.ErrorReason + ": " + tx.ErrorDetails
		}
	default:
		t.State = domain.TransferPending
	}
	return t
}

// entitySecretCiphertext encrypts the entity secret under Circle's public
// key. Circle rejects reused ciphertexts, so this runs per request.
func (c *Client) entitySecretCiphertext() (string, error) {
	if c.entityPubKey == nil {
		return "", fmt.Errorf("circle: entity secret not configured")
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.entityPubKey, c.entitySecret, nil)
	if err != nil {
		return "", fmt.Errorf("circle: encrypt entity secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// uuidFromKey derives a stable UUID from an arbitrary idempotency key.
// Circle only accepts UUID-formatted keys; hashing keeps the derivation
// deterministic so provider-side dedup still holds across retries.
func uuidFromKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // variant 10
	return id.String()
}

// decimalFromMicro renders a micro-unit amount as the decimal string the
// API expects.
func decimalFromMicro(amount int64) string {
	return fmt.Sprintf("%d.%06d", amount/1_000_000, amount%1_000_000)
}

// microFromDecimal parses a decimal token amount into micro-units,
// truncating past six fractional digits.
func microFromDecimal(s string) (int64, error) {
	whole := s
	frac := ""
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			whole, frac = s[:i], s[i+1:]
			break
		}
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	for len(frac) < 6 {
		frac += "0"
	}

	var n int64
	for _, part := range []string{whole, frac} {
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return 0, fmt.Errorf("malformed decimal amount")
			}
			d := int64(part[i] - '0')
			if n > ((1<<63-1)-d)/10 {
				return 0, fmt.Errorf("amount overflows int64")
			}
			n = n*10 + d
		}
	}
	return n, nil
}

// doRequest builds, sends, and reads an HTTP request against the Circle API.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Network errors and client timeouts are transient.
		return nil, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
// Rate limits and server errors wrap ErrServiceUnavailable so callers
// reschedule instead of failing the operation terminally.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s (code %d)", domain.ErrNotFound, apiErr.Message, apiErr.Code)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s (code %d)", domain.ErrServiceUnavailable, apiErr.Message, apiErr.Code)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s (code %d)", domain.ErrServiceUnavailable, statusCode, apiErr.Message, apiErr.Code)
	case statusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s (code %d)", domain.ErrConflict, apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("circle: HTTP %d: %s (code %d)", statusCode, apiErr.Message, apiErr.Code)
	}
}
