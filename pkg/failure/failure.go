package failure

import (
	"errors"
	"fmt"
)

const (
	MalformedRequest  = "malformed_request"
	DuplicateDelivery = "duplicate_delivery"
	QueueSaturated    = "queue_saturated"
	DownstreamFailure = "downstream_failure"
	StoreUnavailable  = "store_unavailable"
	Internal          = "internal"
)

// Error represents a stable, categorized gateway failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same category, so callers can compare
// against sentinels like ErrQueueSaturated.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}

	return other.Detail == "" && other.Err == nil && other.Category == e.Category
}

var (
	ErrMalformedRequest  = &Error{Category: MalformedRequest}
	ErrDuplicateDelivery = &Error{Category: DuplicateDelivery}
	ErrQueueSaturated    = &Error{Category: QueueSaturated}
	ErrDownstreamFailure = &Error{Category: DownstreamFailure}
	ErrStoreUnavailable  = &Error{Category: StoreUnavailable}
)

// New creates a categorized error.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap attaches a category to an underlying error. Wrapping nil returns nil.
func Wrap(category string, err error, detail string) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return Internal
}
