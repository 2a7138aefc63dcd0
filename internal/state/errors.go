package state

import (
	"errors"
	"fmt"
)

var (
	// ErrTierUnavailable marks a failed call against a single tier.
	ErrTierUnavailable = errors.New("state: storage tier unavailable")
	// ErrAllTiersFailed means no durable tier accepted a write.
	ErrAllTiersFailed = errors.New("state: all durable tiers failed")
	ErrInvalidKey     = errors.New("state: invalid key")
)

// TierError wraps a driver error with the tier and operation that produced
// it. It matches ErrTierUnavailable and the underlying error.
type TierError struct {
	Tier TierName
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() []error {
	return []error{ErrTierUnavailable, e.Err}
}

func tierErr(tier TierName, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TierError{Tier: tier, Op: op, Err: err}
}
