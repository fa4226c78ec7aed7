package archive

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeBlobArchiver struct {
	tradeCutoff      time.Time
	depositCutoff    time.Time
	withdrawalCutoff time.Time
}

func (f *fakeBlobArchiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	f.tradeCutoff = before
	return 3, nil
}

func (f *fakeBlobArchiver) ArchiveDeposits(ctx context.Context, before time.Time) (int64, error) {
	f.depositCutoff = before
	return 2, nil
}

func (f *fakeBlobArchiver) ArchiveWithdrawals(ctx context.Context, before time.Time) (int64, error) {
	f.withdrawalCutoff = before
	return 1, nil
}

func TestRunArchivesAllKindsWithSameCutoff(t *testing.T) {
	blob := &fakeBlobArchiver{}
	a := NewArchiver(blob, 90, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if blob.tradeCutoff.IsZero() || blob.depositCutoff.IsZero() || blob.withdrawalCutoff.IsZero() {
		t.Fatal("expected all three archive kinds to run")
	}
	if !blob.tradeCutoff.Equal(blob.depositCutoff) || !blob.tradeCutoff.Equal(blob.withdrawalCutoff) {
		t.Errorf("cutoffs differ: trades=%v deposits=%v withdrawals=%v",
			blob.tradeCutoff, blob.depositCutoff, blob.withdrawalCutoff)
	}

	wantAround := time.Now().UTC().Add(-90 * 24 * time.Hour)
	if d := blob.tradeCutoff.Sub(wantAround); d < -time.Minute || d > time.Minute {
		t.Errorf("cutoff = %v, want about %v", blob.tradeCutoff, wantAround)
	}
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2025, time.March, 15, 10, 30, 45, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			name: "every minute",
			expr: "* * * * *",
			want: time.Date(2025, time.March, 15, 10, 31, 0, 0, time.UTC),
		},
		{
			name: "daily at 3am",
			expr: "0 3 * * *",
			want: time.Date(2025, time.March, 16, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly on the first",
			expr: "0 3 1 * *",
			want: time.Date(2025, time.April, 1, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "specific minute list",
			expr: "15,45 * * * *",
			want: time.Date(2025, time.March, 15, 10, 45, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, after)
			if err != nil {
				t.Fatalf("nextCronTime(%q): %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("nextCronTime(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNextCronTimeRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{"", "* * *", "x * * * *", "0 3 1 *"} {
		if _, err := nextCronTime(expr, time.Now()); err == nil {
			t.Errorf("nextCronTime(%q): expected error", expr)
		}
	}
}
