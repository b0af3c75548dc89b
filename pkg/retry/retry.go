// Package retry provides bounded exponential backoff for the transient
// backend errors the block cache's upload pipeline and the backend drivers
// encounter.
package retry

import (
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"context"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// Config defines backoff behaviour.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
	OnRetry      func(attempt int, err error, delay time.Duration)
}

// DefaultConfig mirrors the teacher's defaults for bounded backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes a function with bounded exponential backoff, retrying
// only errors classified KindTransient. A KindTransient error that
// exhausts MaxAttempts is returned to the caller unchanged; callers that
// want it treated as non-retryable from that point on should re-wrap it
// as KindPermanent once Do returns an error.
type Retryer struct {
	config Config
}

// New builds a Retryer, filling in zero-valued fields from DefaultConfig.
func New(config Config) *Retryer {
	d := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = d.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = d.Multiplier
	}
	return &Retryer{config: config}
}

// Do runs fn, retrying on transient errors until MaxAttempts is reached or
// ctx is cancelled.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == r.config.MaxAttempts {
			return lastErr
		}

		delay := r.delayFor(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func shouldRetry(err error) bool {
	var se *s3qlerrors.S3QLError
	if stderrors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay = delay * (0.8 + 0.4*rand.Float64())
	}
	return time.Duration(delay)
}
