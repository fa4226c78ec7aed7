package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *memWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = buf
	m.types[path] = contentType
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return m.Put(ctx, path, data, "application/octet-stream")
}

type memReader struct {
	writer *memWriter
}

func (m *memReader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	buf, ok := m.writer.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *memReader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, buf := range m.writer.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(buf))})
		}
	}
	return infos, nil
}

func (m *memReader) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := m.writer.objects[path]
	return ok, nil
}

type fakeTradeStore struct {
	trades []domain.Trade
}

func (f *fakeTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.trades {
		if t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeDepositStore struct {
	deposits []domain.Deposit
}

func (f *fakeDepositStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Deposit, error) {
	return f.deposits, nil
}

type fakeWithdrawalStore struct {
	withdrawals []domain.Withdrawal
}

func (f *fakeWithdrawalStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Withdrawal, error) {
	return f.withdrawals, nil
}

func TestArchiveTradesWritesJSONL(t *testing.T) {
	cutoff := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-24 * time.Hour)

	writer := newMemWriter()
	trades := &fakeTradeStore{trades: []domain.Trade{
		{
			ID:          "t1",
			MarketID:    "mkt-1",
			OptionID:    "opt-1",
			UserID:      "user-1",
			Side:        domain.SideYes,
			Action:      domain.ActionBuy,
			ShareAmount: 1_000_000,
			Amount:      520_000,
			Fee:         10_400,
			PriceYes:    530_000,
			PriceNo:     470_000,
			CreatedAt:   old,
		},
		{ID: "t2", OptionID: "opt-1", CreatedAt: old.Add(time.Hour)},
		{ID: "t3", OptionID: "opt-1", CreatedAt: cutoff.Add(time.Hour)}, // after cutoff
	}}

	a := NewArchiver(writer, &memReader{writer: writer}, trades, &fakeDepositStore{}, &fakeWithdrawalStore{})

	count, err := a.ArchiveTrades(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}
	if count != 2 {
		t.Fatalf("archived count = %d, want 2", count)
	}

	wantPath := "archive/trades/2025-02.jsonl"
	buf, ok := writer.objects[wantPath]
	if !ok {
		t.Fatalf("object %s not written; have %v", wantPath, writer.objects)
	}
	if ct := writer.types[wantPath]; ct != "application/x-ndjson" {
		t.Errorf("content type = %q, want application/x-ndjson", ct)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d JSONL lines, want 2", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if rec["id"] != "t1" || rec["side"] != "yes" || rec["action"] != "buy" {
		t.Errorf("unexpected first record: %v", rec)
	}
	if rec["amount"] != float64(520_000) {
		t.Errorf("amount = %v, want 520000", rec["amount"])
	}
}

func TestArchiveSkipsEmptyRanges(t *testing.T) {
	writer := newMemWriter()
	a := NewArchiver(writer, nil, &fakeTradeStore{}, &fakeDepositStore{}, &fakeWithdrawalStore{})

	count, err := a.ArchiveTrades(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	if len(writer.objects) != 0 {
		t.Errorf("expected no objects written, got %v", writer.objects)
	}
}

func TestArchiveWithdrawalsIncludesTerminalFields(t *testing.T) {
	cutoff := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	writer := newMemWriter()
	withdrawals := &fakeWithdrawalStore{withdrawals: []domain.Withdrawal{
		{
			ID:             "wd-1",
			UserID:         "user-1",
			WalletID:       "w-1",
			Destination:    "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
			AmountUSDC:     5_000_000,
			IdempotencyKey: "abc123",
			Status:         domain.WithdrawalFailed,
			Attempts:       5,
			FailureReason:  "max attempts exceeded",
			CreatedAt:      cutoff.Add(-48 * time.Hour),
			UpdatedAt:      cutoff.Add(-47 * time.Hour),
		},
	}}

	a := NewArchiver(writer, nil, &fakeTradeStore{}, &fakeDepositStore{}, withdrawals)

	count, err := a.ArchiveWithdrawals(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveWithdrawals: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	buf := writer.objects["archive/withdrawals/2025-03.jsonl"]
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf), &rec); err != nil {
		t.Fatalf("invalid JSONL: %v", err)
	}
	if rec["status"] != "failed" || rec["failure_reason"] != "max attempts exceeded" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["idempotency_key"] != "abc123" {
		t.Errorf("idempotency_key = %v, want abc123", rec["idempotency_key"])
	}
}
