package retry

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

type insomniac struct {
	sleepIntervals []time.Duration
}

func newInsomniac() *insomniac {
	return &insomniac{sleepIntervals: []time.Duration{}}
}

func (i *insomniac) sleep(interval time.Duration) {
	i.sleepIntervals = append(i.sleepIntervals, interval)
}

var errDummy = errors.New("this makes it retry")

func TestDo_ExponentialBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()

	i := newInsomniac()
	err := NewRetrier(
		WithStrategy(Exponential(2*time.Second, 0)),
		WithMaxAttempts(5),
		WithSleepFunc(i.sleep),
	).Do(func(_ *Retrier) error {
		return errDummy
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	if !reflect.DeepEqual(want, i.sleepIntervals) {
		t.Errorf("sleepIntervals = %v, want %v", i.sleepIntervals, want)
	}
}

func TestDo_SucceedsWithoutRetrying(t *testing.T) {
	t.Parallel()

	calls := 0
	i := newInsomniac()
	err := NewRetrier(
		WithStrategy(Constant(time.Second)),
		WithMaxAttempts(3),
		WithSleepFunc(i.sleep),
	).Do(func(_ *Retrier) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(i.sleepIntervals) != 0 {
		t.Errorf("expected no sleeps, got %v", i.sleepIntervals)
	}
}

func TestCappedExponential_MatchesRestartBackoffFormula(t *testing.T) {
	t.Parallel()

	r := NewRetrier(
		WithStrategy(CappedExponential(1*time.Second, 30*time.Second)),
		TryForever(),
	)

	// min(1s * 2^n, 30s) for n = 0, 1, 2, ...
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // 32s capped
		30 * time.Second, // 64s capped
	}

	for n, w := range want {
		got := r.NextInterval()
		if got != w {
			t.Errorf("attempt %d: interval = %v, want %v", n, got, w)
		}
		r.MarkAttempt()
	}
}

func TestShouldGiveUp_RespectsBreak(t *testing.T) {
	t.Parallel()

	r := NewRetrier(WithStrategy(Constant(0)), TryForever())
	if r.ShouldGiveUp() {
		t.Fatal("forever retrier should not give up before Break()")
	}
	r.Break()
	if !r.ShouldGiveUp() {
		t.Fatal("retrier should give up after Break()")
	}
}
