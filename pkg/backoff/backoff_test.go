package backoff

import (
	"testing"
	"time"
)

func TestDurationDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 5 * time.Second}, // capped
		{100, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Duration(tt.attempt); got != tt.want {
			t.Errorf("Duration(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDurationCustom(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 3,
	}

	if got := cfg.Duration(1); got != time.Second {
		t.Errorf("Duration(1) = %v, want 1s", got)
	}
	if got := cfg.Duration(2); got != 3*time.Second {
		t.Errorf("Duration(2) = %v, want 3s", got)
	}
	if got := cfg.Duration(3); got != 9*time.Second {
		t.Errorf("Duration(3) = %v, want 9s", got)
	}
	if got := cfg.Duration(20); got != 30*time.Second {
		t.Errorf("Duration(20) = %v, want cap of 30s", got)
	}
}
