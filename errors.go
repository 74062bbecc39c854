// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the core's status taxonomy. Check with
// errors.Is; they are returned from producer calls for errors detected
// before or during submission, and from a CompletionFunc for errors detected
// after submission already returned success.
var (
	// ErrBadParameter is returned when a producer call is given a null or
	// malformed argument, detected before any allocation.
	ErrBadParameter = errors.New("mqttagent: bad parameter")
	// ErrNoMemory is returned when GetCommand finds the allocator exhausted
	// or dispatch finds the pending-ack table at capacity.
	ErrNoMemory = errors.New("mqttagent: no memory")
	// ErrSendFailed is returned when CommandQueue.Send rejects a command.
	ErrSendFailed = errors.New("mqttagent: send failed")
	// ErrRecvFailed is the completion status used for commands aborted when
	// a Terminate command is dispatched.
	ErrRecvFailed = errors.New("mqttagent: recv failed")
	// ErrIllegalState is returned when the protocol engine refuses an
	// operation (e.g. returns a zero packet ID for a QoS>0 send) or the
	// pending-ack table is asked to track a duplicate packet identifier.
	ErrIllegalState = errors.New("mqttagent: illegal state")
)

/* ClientStateError */

const (
	// NotStarted means CommandLoop has not yet been called for this Agent.
	NotStarted = iota
	// Started means CommandLoop is running.
	Started
	// ShutDown means CommandLoop returned after Terminate or a fatal error.
	ShutDown
)

// ClientStateError is returned when an operation cannot proceed due to the
// Agent's lifecycle state.
type ClientStateError struct {
	// Must be NotStarted, Started, or ShutDown.
	State int
}

func (e *ClientStateError) Error() string {
	switch e.State {
	case NotStarted:
		return "CommandLoop not yet called on this Agent"
	case Started:
		return "CommandLoop already called on this Agent"
	case ShutDown:
		return "Agent has shut down"
	default:
		return ""
	}
}

/* FatalDisconnectError */

// FatalDisconnectError is returned by CommandLoop when it terminates due to
// a DISCONNECT whose reason code is deemed unrecoverable.
type FatalDisconnectError struct {
	ReasonCode byte
}

func (e *FatalDisconnectError) Error() string {
	return fmt.Sprintf("received DISCONNECT packet with fatal reason code %#x", e.ReasonCode)
}

/* DisconnectError */

// DisconnectError is delivered to disconnect-event handlers when the broker
// sends a DISCONNECT with a non-fatal reason code.
type DisconnectError struct {
	ReasonCode byte
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("received DISCONNECT packet with reason code %#x", e.ReasonCode)
}

/* SessionLostError */

// SessionLostError is returned by ResumeSession when reconnect is true, the
// broker's most recent CONNACK reported session present false, and there was
// at least one outstanding acknowledgment to fail.
type SessionLostError struct{}

func (*SessionLostError) Error() string {
	return "expected broker to retain session state, but CONNACK reported session present false"
}

/* RetryFailureError */

// RetryFailureError is returned by the Run reconnect helper if reconnection
// attempts exhaust the configured retrypolicy.RetryPolicy. It wraps the last
// observed error using standard Go error wrapping.
type RetryFailureError struct {
	// Must be set.
	lastError error
}

func (e *RetryFailureError) Error() string {
	return fmt.Sprintf(
		"retries failed according to retry policy. last seen error: %v",
		e.lastError,
	)
}

func (e *RetryFailureError) Unwrap() error {
	return e.lastError
}

/* ConnectionError */

// ConnectionError is returned if establishing the underlying network
// connection to the broker fails. ConnectionError is always wrapped by
// RetryFailureError when surfaced through Run, and may be checked using
// errors.As. It may wrap the underlying error using standard Go error
// wrapping.
type ConnectionError struct {
	// May or may not be set depending on whether there is actually an error
	// to wrap.
	wrappedError error
	// Must be set.
	message string
}

func (e *ConnectionError) Error() string {
	if e.wrappedError != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedError)
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.wrappedError
}

/* ConnackError */

// ConnackError is returned if the broker sends a CONNACK with a transient
// error reason code (server busy, quota exceeded) that a caller's
// connectOnce retry loop may retry past. ConnackError is always wrapped by
// RetryFailureError when surfaced through Run, and may be checked using
// errors.As.
type ConnackError struct {
	// Must be set.
	ReasonCode byte
}

func (e *ConnackError) Error() string {
	return fmt.Sprintf(
		"received CONNACK packet with error reason code %#x",
		e.ReasonCode,
	)
}

/* FatalConnackError */

// FatalConnackError is returned if the broker sends a CONNACK with a reason
// code connectOnce's retry loop cannot recover from by retrying (bad
// credentials, a banned or malformed client). It is always wrapped by
// RetryFailureError when surfaced through Run, and may be checked using
// errors.As.
type FatalConnackError struct {
	// Must be set.
	ReasonCode byte
}

func (e *FatalConnackError) Error() string {
	return fmt.Sprintf(
		"received CONNACK packet with fatal error reason code %#x",
		e.ReasonCode,
	)
}

/* InvalidArgumentError */

// InvalidArgumentError indicates the caller provided an invalid value for an
// option. It may wrap a more specific error using standard Go error
// wrapping.
type InvalidArgumentError struct {
	// May or may not be set depending on whether there is actually an error
	// to wrap.
	wrappedError error
	// Must be set.
	message string
}

func (e *InvalidArgumentError) Error() string {
	if e.wrappedError != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedError)
	}
	return e.message
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.wrappedError
}

/* InvalidOperationError */

// InvalidOperationError is returned if the caller makes a call that is
// invalid given the current state (e.g. attempting to ack a QoS0 message).
type InvalidOperationError struct {
	message string
}

func (e *InvalidOperationError) Error() string {
	return e.message
}
