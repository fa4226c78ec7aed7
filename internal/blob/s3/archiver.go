package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the time-ranged query methods it actually calls,
// not the full domain store interfaces. The Postgres stores satisfy these
// implicitly through their ListBefore methods.
// ---------------------------------------------------------------------------

// TradeArchiveStore provides read access to trades for archival purposes.
type TradeArchiveStore interface {
	// ListBefore returns all trades executed strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// DepositArchiveStore provides read access to deposits for archival purposes.
type DepositArchiveStore interface {
	// ListBefore returns all deposits recorded strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Deposit, error)
}

// WithdrawalArchiveStore provides read access to withdrawals for archival
// purposes.
type WithdrawalArchiveStore interface {
	// ListBefore returns all withdrawals created strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Withdrawal, error)
}

// ---------------------------------------------------------------------------
// Archive records
//
// Domain types carry no JSON tags, so the archiver owns the serialized shape.
// The records are flat and snake_cased to keep the JSONL files queryable with
// standard tooling (Athena, DuckDB, jq).
// ---------------------------------------------------------------------------

type tradeRecord struct {
	ID          string `json:"id"`
	MarketID    string `json:"market_id"`
	OptionID    string `json:"option_id"`
	UserID      string `json:"user_id"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	ShareAmount int64  `json:"share_amount"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	PriceYes    int64  `json:"price_yes"`
	PriceNo     int64  `json:"price_no"`
	CreatedAt   string `json:"created_at"`
}

type depositRecord struct {
	ID            string `json:"id"`
	WalletID      string `json:"wallet_id"`
	Signature     string `json:"signature"`
	Slot          int64  `json:"slot"`
	AmountUSDC    int64  `json:"amount_usdc"`
	SourceAddress string `json:"source_address"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

type withdrawalRecord struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	WalletID       string `json:"wallet_id"`
	Destination    string `json:"destination"`
	AmountUSDC     int64  `json:"amount_usdc"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	TxHash         string `json:"tx_hash,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// old records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	trades      TradeArchiveStore
	deposits    DepositArchiveStore
	withdrawals WithdrawalArchiveStore
}

// NewArchiver creates an ArchiveImpl. reader may be nil; when set, each
// upload is verified with a HeadObject before the run is reported successful.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	trades TradeArchiveStore,
	deposits DepositArchiveStore,
	withdrawals WithdrawalArchiveStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		reader:      reader,
		trades:      trades,
		deposits:    deposits,
		withdrawals: withdrawals,
	}
}

// ArchiveTrades queries all trades before the cutoff, serializes them to
// JSONL, and uploads the file to archive/trades/YYYY-MM.jsonl. The count of
// archived records is returned.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	records := make([]tradeRecord, 0, len(trades))
	for _, t := range trades {
		records = append(records, tradeRecord{
			ID:          t.ID,
			MarketID:    t.MarketID,
			OptionID:    t.OptionID,
			UserID:      t.UserID,
			Side:        string(t.Side),
			Action:      string(t.Action),
			ShareAmount: t.ShareAmount,
			Amount:      t.Amount,
			Fee:         t.Fee,
			PriceYes:    t.PriceYes,
			PriceNo:     t.PriceNo,
			CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}
	if err := a.upload(ctx, archivePath("trades", before), buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades: %w", err)
	}
	return int64(len(trades)), nil
}

// ArchiveDeposits queries all deposits before the cutoff, serializes them to
// JSONL, and uploads the file to archive/deposits/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveDeposits(ctx context.Context, before time.Time) (int64, error) {
	deposits, err := a.deposits.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive deposits query: %w", err)
	}
	if len(deposits) == 0 {
		return 0, nil
	}

	records := make([]depositRecord, 0, len(deposits))
	for _, d := range deposits {
		records = append(records, depositRecord{
			ID:            d.ID,
			WalletID:      d.WalletID,
			Signature:     d.Signature,
			Slot:          d.Slot,
			AmountUSDC:    d.AmountUSDC,
			SourceAddress: d.SourceAddress,
			Status:        string(d.Status),
			CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive deposits marshal: %w", err)
	}
	if err := a.upload(ctx, archivePath("deposits", before), buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive deposits: %w", err)
	}
	return int64(len(deposits)), nil
}

// ArchiveWithdrawals queries all withdrawals before the cutoff, serializes
// them to JSONL, and uploads the file to archive/withdrawals/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveWithdrawals(ctx context.Context, before time.Time) (int64, error) {
	withdrawals, err := a.withdrawals.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive withdrawals query: %w", err)
	}
	if len(withdrawals) == 0 {
		return 0, nil
	}

	records := make([]withdrawalRecord, 0, len(withdrawals))
	for _, w := range withdrawals {
		records = append(records, withdrawalRecord{
			ID:             w.ID,
			UserID:         w.UserID,
			WalletID:       w.WalletID,
			Destination:    w.Destination,
			AmountUSDC:     w.AmountUSDC,
			IdempotencyKey: w.IdempotencyKey,
			Status:         string(w.Status),
			Attempts:       w.Attempts,
			TxHash:         w.TxHash,
			FailureReason:  w.FailureReason,
			CreatedAt:      w.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:      w.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive withdrawals marshal: %w", err)
	}
	if err := a.upload(ctx, archivePath("withdrawals", before), buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive withdrawals: %w", err)
	}
	return int64(len(withdrawals)), nil
}

// upload writes a JSONL payload and verifies the upload landed when a
// reader is configured.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}

	if a.reader != nil {
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
		if !ok {
			return fmt.Errorf("verify %s: object missing after upload", path)
		}
	}
	return nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2025-01.jsonl
//	archive/deposits/2025-01.jsonl
//	archive/withdrawals/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes a slice of values as newline-delimited JSON. Each
// element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
