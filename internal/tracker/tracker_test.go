package tracker

import (
	"testing"
	"time"
)

func TestTracker(t *testing.T) {
	t.Run("first_call_always_retries", func(t *testing.T) {
		tr := New()
		if !tr.ShouldRetry() {
			t.Error("expected ShouldRetry true before any Retried() call")
		}
	})

	t.Run("retry_blocked_within_min_interval", func(t *testing.T) {
		tr := NewWithInterval(50 * time.Millisecond)
		tr.Retried()
		if tr.ShouldRetry() {
			t.Error("expected ShouldRetry false immediately after Retried()")
		}
		time.Sleep(60 * time.Millisecond)
		if !tr.ShouldRetry() {
			t.Error("expected ShouldRetry true after min interval elapsed")
		}
	})

	t.Run("reset_clears_history", func(t *testing.T) {
		tr := NewWithInterval(time.Hour)
		tr.Retried()
		if tr.ShouldRetry() {
			t.Fatal("expected blocked before reset")
		}
		tr.Reset()
		if !tr.ShouldRetry() {
			t.Error("expected ShouldRetry true immediately after Reset()")
		}
	})

	t.Run("backoff_grows_linearly_and_caps", func(t *testing.T) {
		tr := NewWithInterval(10 * time.Millisecond)
		tr.mu.Lock()
		tr.attempts = 3
		tr.mu.Unlock()
		if got := tr.currentInterval(); got != 30*time.Millisecond {
			t.Errorf("currentInterval() = %v, want 30ms after 3 attempts", got)
		}
		tr.mu.Lock()
		tr.attempts = 100000
		tr.mu.Unlock()
		if got := tr.currentInterval(); got != MaxInterval {
			t.Errorf("currentInterval() = %v, want cap %v", got, MaxInterval)
		}
	})
}
