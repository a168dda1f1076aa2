package upstream

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name        string
		policy      RetryPolicy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first retry with no jitter",
			policy:      RetryPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "third retry quadruples",
			policy:      RetryPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:     3,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      RetryPolicy{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2},
			attempt:     10,
			randomValue: 0,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "jitter added on top",
			policy:      RetryPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 1,
			expected:    150 * time.Millisecond,
		},
		{
			name:        "zero factor keeps initial",
			policy:      RetryPolicy{Initial: 100 * time.Millisecond},
			attempt:     4,
			randomValue: 0,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.delayWithRand(tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("delayWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepContext(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("sleepContext() = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleepContext did not return promptly")
	}
}
