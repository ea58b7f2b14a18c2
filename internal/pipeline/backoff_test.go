package pipeline_test

import (
	"testing"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/pipeline"
)

func TestRetryDelay_ExponentialNoJitter(t *testing.T) {
	p := domain.RetryPolicy{BaseDelay: time.Second, MaxDelay: 300 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{9, 256 * time.Second},
		{10, 300 * time.Second}, // capped
		{20, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := pipeline.RetryDelay(p, tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: got %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelay_JitterBounds(t *testing.T) {
	p := domain.RetryPolicy{BaseDelay: time.Second, MaxDelay: 300 * time.Second, JitterRatio: 0.2}

	for i := 0; i < 100; i++ {
		got := pipeline.RetryDelay(p, 3)
		lo, hi := time.Duration(float64(4*time.Second)*0.8), time.Duration(float64(4*time.Second)*1.2)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %s outside [%s, %s]", got, lo, hi)
		}
	}
}
