package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}, 3, time.Millisecond, 2.0)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	}, 5, time.Millisecond, 1.0)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 7 {
		t.Errorf("expected 7, got %d", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	wantErr := errors.New("attempt 3 failed")
	_, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 3 {
			return 0, wantErr
		}
		return 0, errors.New("transient")
	}, 3, time.Millisecond, 1.0)

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error to propagate, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly maxAttempts calls, got %d", calls)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("fail")
	}, 3, 10*time.Millisecond, 2.0)

	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Errorf("expected first attempt to run before cancellation halts retries, got %d calls", calls)
	}
}
