// Package retry classifies request failures and computes resubmission
// delays. Classification feeds the dispatcher's retry loop; delays use
// exponential backoff with jitter, capped by configuration.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/jasonkneen/curator/internal/provider"
	"github.com/jasonkneen/curator/internal/ratelimit"
	"github.com/jasonkneen/curator/internal/validator"
)

// Class is the retry disposition of a failure.
type Class int

const (
	// ClassTransient failures are resubmitted after a delay.
	ClassTransient Class = iota
	// ClassPermanent failures terminate the row.
	ClassPermanent
	// ClassFatal failures terminate the whole run.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Policy decides whether and when a failed attempt is resubmitted.
// All knobs are configuration, not constants.
type Policy struct {
	// MaxAttempts bounds total submissions per row, including the first.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxValidationAttempts bounds submissions that produced a
	// validation failure. It is deliberately smaller than MaxAttempts:
	// malformed structured output is usually provider non-determinism
	// and either clears quickly or never will.
	MaxValidationAttempts int           `yaml:"max_validation_attempts"`
	InitialBackoff        time.Duration `yaml:"initial_backoff"`
	MaxBackoff            time.Duration `yaml:"max_backoff"`
	Multiplier            float64       `yaml:"multiplier"`
	Jitter                float64       `yaml:"jitter"`
}

// DefaultPolicy returns the stock retry configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:           5,
		MaxValidationAttempts: 3,
		InitialBackoff:        250 * time.Millisecond,
		MaxBackoff:            10 * time.Second,
		Multiplier:            2,
		Jitter:                0.25,
	}
}

// Classify maps a failure onto its retry class.
func (p Policy) Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case provider.ErrorKindAuth:
			return ClassFatal
		case provider.ErrorKindRequest:
			return ClassPermanent
		case provider.ErrorKindTransport, provider.ErrorKindRateLimit:
			return ClassTransient
		}
	}

	var ve *validator.Error
	if errors.As(err, &ve) {
		return ClassTransient
	}

	if errors.Is(err, ratelimit.ErrTokenCeiling) {
		// The request can never fit the endpoint's token budget; waiting
		// or resubmitting cannot change that.
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	// Unrecognized failures are retried: the provider boundary types
	// everything it understands, so whatever reaches here is most
	// likely environmental.
	return ClassTransient
}

// Delay computes the backoff before resubmitting attempt number
// `attempt` (1-based, counting completed submissions). The base delay is
// non-decreasing in attempt up to MaxBackoff; jitter adds up to
// Jitter*base on top, still capped by MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}

	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.Multiplier
		if backoff >= float64(p.MaxBackoff) {
			backoff = float64(p.MaxBackoff)
			break
		}
	}

	d := time.Duration(backoff)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		amount := time.Duration(float64(d) * jitter * rand.Float64())
		if d+amount <= p.MaxBackoff {
			d += amount
		} else {
			d = p.MaxBackoff
		}
	}
	return d
}

// IsValidation reports whether err is a validation failure, which is
// retried under MaxValidationAttempts instead of MaxAttempts.
func IsValidation(err error) bool {
	var ve *validator.Error
	return errors.As(err, &ve)
}
