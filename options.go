// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"log/slog"

	"github.com/brinepark/mqttagent/internal"
	"github.com/brinepark/mqttagent/retrypolicy"
)

// WithMaxOutstandingAcks bounds the pending-ack table's capacity, i.e. how
// many QoS>0 publishes, subscribes, and unsubscribes may await a broker
// acknowledgment at once. Defaults to defaultMaxOutstandingAcks.
func WithMaxOutstandingAcks(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxOutstandingAcks = n
		}
	}
}

// WithEventQueueWaitTime bounds how long CommandLoop's Recv call waits for a
// command before giving the Engine a chance to run ProcessLoop. Defaults to
// defaultEventQueueWaitTime (1 second).
func WithEventQueueWaitTime(nanoseconds int64) Option {
	return func(a *Agent) {
		if nanoseconds > 0 {
			a.eventQueueWaitTimeout = nanoseconds
		}
	}
}

// WithLogger sets the slog.Logger the Agent logs through. A nil logger
// restores slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.log = internal.NewLogger(logger)
	}
}

// WithConnRetry overrides the retry policy Run uses for reconnect attempts.
// Defaults to retrypolicy.NewExponentialBackoffRetryPolicy().
func WithConnRetry(policy retrypolicy.RetryPolicy) Option {
	return func(a *Agent) {
		if policy != nil {
			a.connRetry = policy
		}
	}
}

// WithIncomingPublishHandler registers handler at construction time,
// equivalent to calling RegisterIncomingPublishHandler immediately after
// NewAgent returns, for callers that prefer to configure handlers
// declaratively alongside other options.
func WithIncomingPublishHandler(handler func(*IncomingPublish)) Option {
	return func(a *Agent) {
		a.incomingPublishHandlers.AppendEntry(handler)
	}
}

// WithDisconnectHandler registers handler at construction time, equivalent
// to calling RegisterDisconnectHandler immediately after NewAgent returns.
func WithDisconnectHandler(handler func(error)) Option {
	return func(a *Agent) {
		a.disconnectHandlers.AppendEntry(handler)
	}
}

// WithAuthProvider sets the default EnhancedAuthenticationProvider used for
// Connect calls whose ConnectParams.AuthProvider is left nil.
func WithAuthProvider(provider EnhancedAuthenticationProvider) Option {
	return func(a *Agent) {
		a.authProvider = provider
	}
}
