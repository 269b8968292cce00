package session

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition is the parent of every malformed-input error. These are
	// programmer errors: they are returned before any provider call and are not retryable.
	ErrPrecondition = errors.New("precondition violated")

	// ErrEmptyDataTypes is returned when a stream is started with no data types.
	ErrEmptyDataTypes = fmt.Errorf("%w: empty data type set", ErrPrecondition)

	// ErrTokenRequired is returned when a radio stream is started without a bearer token.
	ErrTokenRequired = fmt.Errorf("%w: token required for transport", ErrPrecondition)

	// ErrNilHandler is returned when a stream is started without an update handler.
	ErrNilHandler = fmt.Errorf("%w: nil update handler", ErrPrecondition)

	// ErrUnknownTransport is returned for transports outside the known set.
	ErrUnknownTransport = fmt.Errorf("%w: unknown transport", ErrPrecondition)

	// ErrNotConnected is returned when a stream operation needs a connected device.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectInProgress is the cause of a ConnectionError when another Connect is running.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrConnectAborted is the cause of a ConnectionError when Disconnect interrupted a Connect.
	ErrConnectAborted = errors.New("connect aborted by disconnect")

	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("connection failed")

	// ErrUnsupportedFeature matches every *UnsupportedFeatureError.
	ErrUnsupportedFeature = errors.New("feature not supported on this host")
)

// ConnectionError is a recoverable connect failure; callers may call Connect again.
type ConnectionError struct {
	Transport Transport
	Cause     error
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", ErrConnection.Error(), e.Transport)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConnection.Error(), e.Transport, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// UnsupportedFeatureError reports that this host lacks the capability behind a transport.
// It is recoverable but not retryable: callers should disable the affordance.
type UnsupportedFeatureError struct {
	Transport Transport
	Reason    string
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrUnsupportedFeature.Error(), e.Transport)
	}
	return fmt.Sprintf("%s: %s: %s", ErrUnsupportedFeature.Error(), e.Transport, e.Reason)
}

func (e *UnsupportedFeatureError) Is(target error) bool { return target == ErrUnsupportedFeature }
