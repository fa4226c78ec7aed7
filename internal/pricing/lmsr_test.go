package pricing

import (
	"errors"
	"testing"
)

func TestPricesComplementary(t *testing.T) {
	tests := []struct {
		name   string
		qy, qn int64
		b      int64
	}{
		{"empty book", 0, 0, 100_000},
		{"balanced", 250_000, 250_000, 100_000},
		{"yes heavy", 500_000, 100_000, 100_000},
		{"no heavy", 10_000, 900_000, 100_000},
		{"tiny b", 1, 2, 1},
		{"large quantities", 5_000_000_000, 3_000_000_000, 1_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yes, no, err := Prices(tt.qy, tt.qn, tt.b)
			if err != nil {
				t.Fatalf("Prices failed: %v", err)
			}
			if yes+no != PRECISION {
				t.Errorf("yes(%d) + no(%d) = %d, want %d", yes, no, yes+no, PRECISION)
			}
			if yes <= 0 || yes >= PRECISION {
				t.Errorf("yes price %d out of open interval (0, %d)", yes, PRECISION)
			}
			if tt.qy == tt.qn && yes != PRECISION/2 {
				t.Errorf("balanced book: yes = %d, want %d", yes, PRECISION/2)
			}
		})
	}
}

func TestPricesLogistic(t *testing.T) {
	// At qy - qn == b the yes price is 1/(1+e^-1) = 0.731058... of PRECISION.
	yes, no, err := Prices(200_000, 100_000, 100_000)
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if yes != 731_058 {
		t.Errorf("yes = %d, want 731058", yes)
	}
	if no != PRECISION-731_058 {
		t.Errorf("no = %d, want %d", no, PRECISION-731_058)
	}
}

func TestPricesMonotonicInYes(t *testing.T) {
	const b = 100_000
	prev := int64(0)
	for _, qy := range []int64{0, 10_000, 50_000, 100_000, 250_000, 500_000} {
		yes, _, err := Prices(qy, 0, b)
		if err != nil {
			t.Fatalf("Prices(%d, 0, %d) failed: %v", qy, b, err)
		}
		if yes <= prev {
			t.Errorf("yes price not strictly increasing: qy=%d price=%d prev=%d", qy, yes, prev)
		}
		prev = yes
	}
}

func TestCostPositiveAndMonotonic(t *testing.T) {
	const b = 100_000
	prev := int64(0)
	for _, dy := range []int64{1_000, 10_000, 50_000, 100_000, 500_000} {
		cost, err := Cost(20_000, 30_000, dy, 0, b)
		if err != nil {
			t.Fatalf("Cost(dy=%d) failed: %v", dy, err)
		}
		if cost <= 0 {
			t.Errorf("Cost(dy=%d) = %d, want > 0", dy, cost)
		}
		if cost <= prev {
			t.Errorf("cost not strictly increasing: dy=%d cost=%d prev=%d", dy, cost, prev)
		}
		prev = cost
	}
}

func TestCostDustFloor(t *testing.T) {
	// A one-micro-share trade truncates to zero collateral; the engine must
	// still charge the minimum tick.
	cost, err := Cost(0, 0, 1, 0, 100_000)
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != 1 {
		t.Errorf("dust cost = %d, want 1", cost)
	}
}

func TestRoundTrip(t *testing.T) {
	const (
		b      = 100_000
		qy     = 40_000
		qn     = 70_000
		shares = 50_000
		feeBps = 250
	)

	cost, err := Cost(qy, qn, shares, 0, b)
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	payout, err := Payout(qy+shares, qn, shares, 0, b)
	if err != nil {
		t.Fatalf("Payout failed: %v", err)
	}
	if cost != payout {
		t.Errorf("round trip gross mismatch: cost=%d payout=%d", cost, payout)
	}

	// Net of fees the user pays exactly the buy fee plus the sell fee.
	buyFee := Fee(cost, feeBps)
	sellFee := Fee(payout, feeBps)
	paid := (cost + buyFee) - (payout - sellFee)
	if paid != buyFee+sellFee {
		t.Errorf("round trip net = %d, want %d", paid, buyFee+sellFee)
	}

	// Quantities return to the start, so prices must too.
	yesBefore, _, _ := Prices(qy, qn, b)
	yesAfter, _, _ := Prices(qy+shares-shares, qn, b)
	if yesBefore != yesAfter {
		t.Errorf("price did not return after round trip: %d != %d", yesBefore, yesAfter)
	}
}

func TestMarketScenario(t *testing.T) {
	// Fresh market with b=100000: both sides at exactly half.
	const b = 100_000
	yes, no, err := Prices(0, 0, b)
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if yes != PRECISION/2 || no != PRECISION/2 {
		t.Fatalf("fresh book prices = (%d, %d), want (%d, %d)", yes, no, PRECISION/2, PRECISION/2)
	}

	// Buying 50,000 yes shares moves the yes price strictly above half.
	cost, err := Cost(0, 0, 50_000, 0, b)
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost <= 0 {
		t.Fatalf("cost = %d, want > 0", cost)
	}
	yesUp, _, err := Prices(50_000, 0, b)
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if yesUp <= PRECISION/2 {
		t.Errorf("yes price after buy = %d, want > %d", yesUp, PRECISION/2)
	}

	// Selling the 50,000 back restores the balanced price exactly.
	if _, err := Payout(50_000, 0, 50_000, 0, b); err != nil {
		t.Fatalf("Payout failed: %v", err)
	}
	yesBack, _, err := Prices(0, 0, b)
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if yesBack != PRECISION/2 {
		t.Errorf("yes price after round trip = %d, want %d", yesBack, PRECISION/2)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"zero b prices", func() error { _, _, err := Prices(0, 0, 0); return err }, ErrInvalidLiquidity},
		{"negative b cost", func() error { _, err := Cost(0, 0, 10, 0, -5); return err }, ErrInvalidLiquidity},
		{"negative quantity", func() error { _, _, err := Prices(-1, 0, 100); return err }, ErrNegativeQuantity},
		{"zero delta cost", func() error { _, err := Cost(0, 0, 0, 0, 100); return err }, ErrNegativeQuantity},
		{"negative delta cost", func() error { _, err := Cost(0, 0, -10, 0, 100); return err }, ErrNegativeQuantity},
		{"sell more than outstanding", func() error { _, err := Payout(5, 0, 10, 0, 100); return err }, ErrNegativeQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		want   int64
	}{
		{"250 bps of 1 USDC", 1_000_000, 250, 25_000},
		{"truncates down", 399, 250, 9}, // 9.975
		{"zero amount", 0, 250, 0},
		{"zero bps", 1_000_000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fee(tt.amount, tt.bps); got != tt.want {
				t.Errorf("Fee(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
			}
		})
	}
}
