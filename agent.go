// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/brinepark/mqttagent/internal"
	"github.com/brinepark/mqttagent/retrypolicy"
	"github.com/eclipse/paho.golang/paho"
)

// Agent is the per-connection dispatch core: one dedicated worker goroutine
// owns it exclusively once CommandLoop is called, while any number of
// producer goroutines may call its producer-facing methods concurrently.
//
// The zero value is not usable; construct with NewAgent.
type Agent struct {
	queue  CommandQueue
	engine Engine

	pending *pendingAckTable

	incomingPublishHandlers *internal.AppendableListWithRemoval[func(*IncomingPublish)]
	disconnectHandlers      *internal.AppendableListWithRemoval[func(error)]

	// terminate is set by dispatch when a Terminate, a producer-requested
	// Disconnect, or a fatal broker DISCONNECT runs. CommandLoop checks it
	// after every dispatch and exits for good: Run will not reconnect after
	// it is set.
	terminate atomic.Bool

	// connectionLost is set by dispatchServerDisconnect for any broker
	// DISCONNECT or transport error, fatal or not: the transport is gone
	// either way, so CommandLoop must exit this session regardless of
	// severity. Unlike terminate, Run resets it before starting the next
	// session's CommandLoop, so a non-fatal loss does not prevent
	// reconnecting.
	connectionLost atomic.Bool

	// loopExitErr is the error CommandLoop returns when it exits due to
	// connectionLost or terminate being set by dispatchServerDisconnect. It
	// is touched only by the worker goroutine, like every other field
	// dispatch mutates.
	loopExitErr error

	// connEpoch increments on every successful Connect dispatch. Ack-goroutines
	// spawned by the Engine for a prior connection carry no epoch of their
	// own (the Engine layer does not know about reconnection), but the
	// pending-ack table itself is cleared on every reconnect path (ResumeSession
	// or CancelAll), so stale acks simply find no matching entry and are
	// ignored as spurious, per the demultiplexer's routing rule.
	connEpoch atomic.Uint64

	log internal.Logger

	connRetry retrypolicy.RetryPolicy

	authProvider EnhancedAuthenticationProvider

	maxOutstandingAcks    int
	eventQueueWaitTimeout int64 // nanoseconds; see options.go
}

const (
	// defaultMaxOutstandingAcks is MQTT_AGENT_MAX_OUTSTANDING_ACKS's default.
	defaultMaxOutstandingAcks = 20
	// defaultEventQueueWaitTime is MQTT_AGENT_MAX_EVENT_QUEUE_WAIT_TIME's
	// default, in nanoseconds (1 second).
	defaultEventQueueWaitTime = int64(1_000_000_000)
)

// Option configures an Agent at construction time. See WithXxx functions in
// options.go.
type Option func(*Agent)

// NewAgent constructs an Agent around the given protocol Engine. queue may
// be nil to use the default channel-backed CommandQueue sized for four times
// the pending-ack capacity (maxOutstandingAcks, after opts are applied)
// buffered commands.
func NewAgent(engine Engine, queue CommandQueue, opts ...Option) *Agent {
	a := &Agent{
		engine:                engine,
		maxOutstandingAcks:    defaultMaxOutstandingAcks,
		eventQueueWaitTimeout: defaultEventQueueWaitTime,
		connRetry:             retrypolicy.NewExponentialBackoffRetryPolicy(),
		log:                   internal.NewLogger(nil),
	}
	a.incomingPublishHandlers = internal.NewAppendableListWithRemoval[func(*IncomingPublish)]()
	a.disconnectHandlers = internal.NewAppendableListWithRemoval[func(error)]()

	for _, opt := range opts {
		opt(a)
	}

	if queue == nil {
		queue = NewCommandQueue(a.maxOutstandingAcks * 4)
	}
	a.queue = queue
	a.pending = newPendingAckTable(a.maxOutstandingAcks)

	// engine may be nil for a caller that drives reconnection through Run,
	// which dials a fresh Engine per attempt and hands it to dispatchConnect
	// via ConnectParams.Engine instead of fixing one at construction time.
	if a.engine != nil {
		a.engine.SetCallbacks(a.onIncomingPublish, a.onAckArrived, a.onServerDisconnect, a.onClientError)
	}

	return a
}

// ConnEpoch reports how many CONNECTs this Agent has completed successfully.
// It is zero before the first CONNACK and increments on every reconnect;
// callers (and tests) can poll it to detect that a connection has been
// established without threading a completion callback through Run.
func (a *Agent) ConnEpoch() uint64 {
	return a.connEpoch.Load()
}

// RegisterIncomingPublishHandler registers handler to be invoked, from the
// worker goroutine, for every inbound PUBLISH observed by this Agent.
// Returns a function that unregisters it.
func (a *Agent) RegisterIncomingPublishHandler(handler func(*IncomingPublish)) func() {
	return a.incomingPublishHandlers.AppendEntry(handler)
}

// RegisterDisconnectHandler registers handler to be invoked, from the worker
// goroutine, whenever the connection is lost without the caller having
// requested it: the broker sends an unsolicited DISCONNECT (error is a
// *FatalDisconnectError or *DisconnectError depending on the reason code) or
// the underlying transport fails (error is a *ConnectionError). Returns a
// function that unregisters it.
func (a *Agent) RegisterDisconnectHandler(handler func(error)) func() {
	return a.disconnectHandlers.AppendEntry(handler)
}

// requestReauthentication is passed to EnhancedAuthenticationProvider.
// InitiateAuthExchange so the provider can ask the Agent to start a
// reauthentication exchange on the live connection (e.g. because a token is
// about to expire). It self-posts rather than calling the engine directly,
// since the provider may invoke it from any goroutine it owns.
func (a *Agent) requestReauthentication() {
	if a.authProvider == nil {
		return
	}
	_ = a.queue.Send(droppedSendCtx(), &Command{kind: commandReauthenticate})
}

// onServerDisconnect is the Engine's ServerDisconnectFunc.
func (a *Agent) onServerDisconnect(pkt *paho.Disconnect) {
	cmd := &Command{
		kind:   commandServerDisconnect,
		params: &serverDisconnectParams{packet: pkt},
	}
	_ = a.queue.Send(droppedSendCtx(), cmd)
}

// onClientError is the Engine's ClientErrorFunc. A raw transport failure
// carries no DISCONNECT reason code, so it is routed through the same
// commandServerDisconnect path with err set instead of packet, and is always
// treated as a recoverable connection loss rather than a fatal one: the
// broker did not choose to close the connection, so there is no reason to
// believe reconnecting would fail the same way.
func (a *Agent) onClientError(err error) {
	cmd := &Command{
		kind:   commandServerDisconnect,
		params: &serverDisconnectParams{err: err},
	}
	_ = a.queue.Send(droppedSendCtx(), cmd)
}

// onIncomingPublish is the Engine's IncomingPublishFunc. It may run on a
// goroutine the Engine owns; it must not touch the agent context directly,
// so it re-enters through the command queue as a commandIncomingPublish,
// ensuring the registered handlers only ever run on the worker goroutine.
func (a *Agent) onIncomingPublish(publish *paho.Publish, ack func() error) {
	cmd := &Command{
		kind: commandIncomingPublish,
		params: &incomingPublishParams{
			publish: publish,
			ack:     ack,
		},
	}
	// Best-effort, bounded wait: an incoming publish that cannot be queued
	// within droppedSendCtx's deadline (queue full) is dropped rather than
	// blocking the Engine's own I/O
	// goroutine indefinitely. This is the one intentional exception to "every
	// command gets a completion": there is no producer waiting on an inbound
	// PUBLISH to begin with.
	_ = a.queue.Send(droppedSendCtx(), cmd)
}

// droppedSendCtx bounds how long onIncomingPublish/onAckArrived will block
// the Engine's own goroutine trying to re-enter the command queue. A short,
// fixed deadline is used instead of context.Background so a wedged worker
// cannot stall paho's read goroutine indefinitely; the event is simply
// dropped if the queue does not drain in time.
func droppedSendCtx() context.Context {
	ctx, _ := context.WithTimeout(context.Background(), 100*time.Millisecond)
	return ctx
}

// onAckArrived is the Engine's AckFunc. Like onIncomingPublish, it may run on
// a goroutine the Engine owns, so it re-enters through the command queue.
func (a *Agent) onAckArrived(packetID uint16, info *ReturnInfo, err error) {
	cmd := &Command{
		kind: commandAckArrived,
		params: &ackArrivedParams{
			packetID: packetID,
			info:     info,
			err:      err,
		},
	}
	_ = a.queue.Send(droppedSendCtx(), cmd)
}
