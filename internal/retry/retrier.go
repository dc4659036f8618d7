// Package retry provides a small retry/backoff helper used for worker
// restart scheduling and file-watch failure backoff.
//
// It is intended for internal use by lootboxd only.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

var defaultRandom = rand.New(rand.NewSource(time.Now().UnixNano()))

const jitterInterval = 1000 * time.Millisecond

type Retrier struct {
	maxAttempts  int
	attemptCount int
	jitter       bool
	forever      bool
	rand         *rand.Rand

	breakNext     bool
	lastAttemptAt time.Time
	sleepFunc     func(time.Duration)

	intervalCalculator strategy
	strategyType       strategyType
}

type strategy func(*Retrier) time.Duration
type strategyType string

const (
	constantStrategy    strategyType = "constant"
	exponentialStrategy strategyType = "exponential"
	cappedStrategy      strategyType = "capped-exponential"
)

// Constant returns a strategy that always waits the same interval between attempts.
func Constant(interval time.Duration) (strategy, strategyType) {
	if interval < 0 {
		panic("constant retry strategies must have a positive interval")
	}

	return func(r *Retrier) time.Duration {
		return interval + r.calculateJitter()
	}, constantStrategy
}

// Exponential returns a strategy that increases exponentially with the
// number of attempts: adjustment + (base ** attempts) + jitter.
func Exponential(base, adjustment time.Duration) (strategy, strategyType) {
	if base < 1*time.Second {
		panic("exponential retry strategies must have a base of at least 1 second")
	}

	return func(r *Retrier) time.Duration {
		baseSeconds := int(base / time.Second)
		exponentSeconds := math.Pow(float64(baseSeconds), float64(r.attemptCount))
		exponent := time.Duration(exponentSeconds) * time.Second
		return adjustment + exponent + r.calculateJitter()
	}, exponentialStrategy
}

// CappedExponential returns min(unit*2^attempts, cap) with no jitter term
// beyond what the caller adds separately. This is the exact backoff shape
// used for worker restarts and file-watch failure backoff: min(1s*2^n, cap).
func CappedExponential(unit, cap time.Duration) (strategy, strategyType) {
	if unit <= 0 {
		panic("capped exponential retry strategies must have a positive unit")
	}

	return func(r *Retrier) time.Duration {
		d := time.Duration(float64(unit) * math.Pow(2, float64(r.attemptCount)))
		if d > cap || d <= 0 {
			d = cap
		}
		return d
	}, cappedStrategy
}

type retrierOpt func(*Retrier)

func WithMaxAttempts(maxAttempts int) retrierOpt {
	return func(r *Retrier) { r.maxAttempts = maxAttempts }
}

func WithRand(rand *rand.Rand) retrierOpt {
	return func(r *Retrier) { r.rand = rand }
}

func WithStrategy(strategy strategy, strategyType strategyType) retrierOpt {
	return func(r *Retrier) {
		r.strategyType = strategyType
		r.intervalCalculator = strategy
	}
}

func WithJitter() retrierOpt {
	return func(r *Retrier) { r.jitter = true }
}

func TryForever() retrierOpt {
	return func(r *Retrier) { r.forever = true }
}

func WithSleepFunc(f func(time.Duration)) retrierOpt {
	return func(r *Retrier) { r.sleepFunc = f }
}

func NewRetrier(opts ...retrierOpt) *Retrier {
	r := &Retrier{
		sleepFunc: time.Sleep,
		rand:      defaultRandom,
	}

	for _, o := range opts {
		o(r)
	}

	if r.maxAttempts == 0 && !r.forever {
		panic("retriers must either run forever, or have a maximum attempt count")
	}
	if r.maxAttempts < 0 {
		panic("retriers must have a positive max attempt count")
	}

	return r
}

func (r *Retrier) calculateJitter() time.Duration {
	if r.jitter {
		return time.Duration(r.rand.Float64() * float64(jitterInterval))
	}
	return 0
}

// MarkAttempt increments the attempt count. This affects ShouldGiveUp and
// the interval returned by exponential strategies.
func (r *Retrier) MarkAttempt() {
	r.attemptCount++
	r.lastAttemptAt = time.Now()
}

// Break causes the Retrier to give up after the current cycle.
func (r *Retrier) Break() {
	r.breakNext = true
}

func (r *Retrier) ShouldGiveUp() bool {
	if r.breakNext {
		return true
	}
	if r.forever {
		return false
	}
	return r.attemptCount >= r.maxAttempts
}

func (r *Retrier) NextInterval() time.Duration {
	return r.intervalCalculator(r)
}

func (r *Retrier) AttemptCount() int {
	return r.attemptCount
}

func (r *Retrier) String() string {
	str := fmt.Sprintf("Attempt %d/", r.attemptCount)
	if r.forever {
		str += "∞"
	} else {
		str += fmt.Sprintf("%d", r.maxAttempts)
	}

	nextInterval := r.NextInterval()
	if nextInterval > 0 {
		str += fmt.Sprintf(" Retrying in %s", nextInterval-time.Since(r.lastAttemptAt))
	} else {
		str += " Retrying immediately"
	}
	return str
}

// Do attempts callback, retrying according to the configured strategy until
// it succeeds, the retrier gives up, or callback calls r.Break().
func (r *Retrier) Do(callback func(*Retrier) error) error {
	var err error
	for {
		err = callback(r)
		if err == nil {
			return nil
		}

		nextInterval := r.NextInterval()
		r.MarkAttempt()

		if r.ShouldGiveUp() {
			return err
		}

		r.sleepFunc(nextInterval)
	}
}
