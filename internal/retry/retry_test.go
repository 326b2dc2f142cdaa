package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quick(maxAttempts int) Config {
	return Config{MaxAttempts: maxAttempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	result := Do(context.Background(), quick(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil || result.Attempts != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	want := errors.New("always")
	result := Do(context.Background(), quick(3), func() error { return want })
	if !errors.Is(result.Err, want) || result.Attempts != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), quick(5), func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, result = %+v", calls, result)
	}
	if !IsPermanent(result.Err) {
		t.Error("permanence lost")
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, quick(3), func() error { return errors.New("x") })
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("err = %v", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), quick(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if value != "ok" || result.Err != nil || result.Attempts != 2 {
		t.Errorf("value = %q, result = %+v", value, result)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported permanent")
	}
}

func TestLinearConfig(t *testing.T) {
	cfg := Linear(4, 50*time.Millisecond)
	if cfg.Factor != 1.0 || cfg.Jitter || cfg.MaxAttempts != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
}
