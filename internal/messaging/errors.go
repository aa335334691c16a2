package messaging

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for publisher usage violations.
var (
	// ErrNotInitialised is returned by Tick before Initialise.
	ErrNotInitialised = errors.New("progress publisher not initialised")
	// ErrPublisherClosed is returned for operations on a closed publisher.
	ErrPublisherClosed = errors.New("publisher closed")
	// ErrAlreadyStarted is returned when Configure follows the first publish.
	ErrAlreadyStarted = errors.New("publisher already started")
	// ErrInvalidSubscriber is returned for nil subscribers or empty IDs.
	ErrInvalidSubscriber = errors.New("invalid subscriber")
	// ErrHookClosed is returned when subscribing through a closed hook.
	ErrHookClosed = errors.New("subscriber hook closed")

	errUnspecified = errors.New("unspecified publisher error")
)

// PublisherError reports a usage violation on a publisher. It is fatal to the
// call that returned it.
type PublisherError struct {
	Publisher string
	Op        string
	Err       error
}

func (e *PublisherError) Error() string {
	return fmt.Sprintf("publisher %q: %s: %v", e.Publisher, e.Op, e.Err)
}

func (e *PublisherError) Unwrap() error {
	return e.Err
}

// ConfigurationError rejects an invalid configuration before any dispatch.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// SubscriberDeliveryError wraps a failure raised by one subscriber while
// receiving one event.
type SubscriberDeliveryError struct {
	Subscriber string
	EventID    uuid.UUID
	Err        error
}

func (e *SubscriberDeliveryError) Error() string {
	return fmt.Sprintf("deliver event %s to subscriber %q: %v", e.EventID, e.Subscriber, e.Err)
}

func (e *SubscriberDeliveryError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking subscriber.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("subscriber panicked: %v", e.Value)
}
