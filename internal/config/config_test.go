package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidateInAPIMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "api"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRequiresCustodyForWorkerModes(t *testing.T) {
	for _, mode := range []string{"workers", "full"} {
		t.Run(mode, func(t *testing.T) {
			cfg := Defaults()
			cfg.Mode = mode

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want custody credential errors")
			}
			for _, want := range []string{"circle: api_key", "circle: wallet_set_id", "circle: usdc_token_id"} {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error missing %q:\n%v", want, err)
				}
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "spectate"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Trading.FeeBps = 10_000
	cfg.Withdrawal.MinAmount = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want combined error")
	}
	for _, want := range []string{
		`unknown mode "spectate"`,
		`unknown log_level "loud"`,
		"redis: addr",
		"trading: fee_bps",
		"withdrawal: min_amount",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateArchiveNeedsS3(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "api"
	cfg.Archive.Enabled = true
	cfg.S3.Endpoint = ""
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want s3 errors")
	}
	if !strings.Contains(err.Error(), "s3: endpoint") || !strings.Contains(err.Error(), "s3: bucket") {
		t.Errorf("error missing s3 requirements:\n%v", err)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "5m", want: 5 * time.Minute},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "soon", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("UnmarshalText(%q) = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalText(%q) = %v", tt.in, err)
			}
			if d.Duration != tt.want {
				t.Errorf("duration = %v, want %v", d.Duration, tt.want)
			}
		})
	}
}
