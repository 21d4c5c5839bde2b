package retry

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Class decides what a consumer does with a failed attempt: transient
// failures are re-thrown so the broker redelivers, permanent failures
// terminate the job.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

type classified struct {
	err       error
	permanent bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable via broker redelivery.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, permanent: false}
}

// Permanent marks err as terminal: the job fails and is not retried by the
// engine (the broker may still dead-letter the message).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, permanent: true}
}

func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// Classify walks the error chain for an explicit marker. Unmarked errors
// default to transient — under at-least-once delivery, retrying an unknown
// failure is safe and losing a job is not. Missing rows are configuration
// or data errors and never heal on retry.
func Classify(err error) Class {
	var marked *classified
	if errors.As(err, &marked) {
		if marked.permanent {
			return ClassPermanent
		}
		return ClassTransient
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassTransient
}
