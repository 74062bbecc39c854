// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"time"
)

// ResumeSession is called from the worker goroutine after a successful
// CONNECT, before resuming normal dispatch, to reconcile in-flight QoS>0
// state with the broker's reported session-present flag.
//
// reconnect is true if this CONNECT re-established a session that was
// previously connected (as opposed to the Agent's first-ever connection).
// sessionPresent is the broker's CONNACK session-present flag for this
// attempt.
//
// If reconnect is true and sessionPresent is false, the broker has
// discarded session state the Agent believed still existed; ResumeSession
// fails every outstanding QoS>0 publish/subscribe/unsubscribe with
// SessionLostError and, if there was at least one, returns it, since none of their original packet
// state is valid against the new session. Otherwise it resends every
// outstanding QoS>0 publish with DUP set, leaving subscribe/unsubscribe
// entries untouched (MQTT has no DUP concept for them; the broker either
// still has them pending or the client must resubmit them itself, which is a
// producer-level decision, not this core's).
func (a *Agent) ResumeSession(ctx context.Context, reconnect, sessionPresent bool) error {
	if reconnect && !sessionPresent {
		entries := a.pending.Drain()
		for _, entry := range entries {
			a.complete(entry.cmd, nil, &SessionLostError{})
		}
		if len(entries) > 0 {
			return &SessionLostError{}
		}
		return nil
	}

	for _, entry := range a.pending.QoSPublishEntries() {
		entry.publish.Duplicate = true
		id, err := a.engine.Publish(ctx, entry.publish)
		if err != nil {
			a.pending.Remove(entry.packetID)
			a.complete(entry.cmd, nil, err)
			continue
		}
		if id != entry.packetID {
			// The engine assigned a new correlation id for the resend; move
			// the entry so a later ack can still find it.
			a.pending.Remove(entry.packetID)
			entry.packetID = id
			_ = a.pending.Insert(entry)
		}
	}
	return nil
}

// drainPollInterval bounds how long each CancelAll drain iteration waits on
// CommandQueue.Recv. It must be short (draining should not stall the worker
// goroutine) but non-zero: an already-cancelled context would race Recv's
// internal select between its data-ready and ctx.Done() cases, and could
// lose a buffered command to that race instead of draining it.
const drainPollInterval = time.Millisecond

// CancelAll aborts every command currently outstanding — both awaiting a
// broker acknowledgment in the pending-ack table and buffered in the command
// queue but not yet dispatched — completing each with status. It is called
// from the worker goroutine when the connection is lost or the Agent is
// shutting down, so no orphaned producer goroutine blocks forever waiting on
// a completion that would otherwise never come.
//
// The queue is drained through the public CommandQueue.Recv, not a
// concrete-type assertion, so this works for any caller-supplied
// CommandQueue implementation, not only the default chanCommandQueue.
func (a *Agent) CancelAll(status error) {
	for _, entry := range a.pending.Drain() {
		a.complete(entry.cmd, nil, status)
	}

	for {
		ctx, cancel := context.WithTimeout(context.Background(), drainPollInterval)
		cmd, err := a.queue.Recv(ctx)
		cancel()
		if err != nil {
			return
		}
		switch cmd.kind {
		case commandAckArrived, commandIncomingPublish, commandProcessLoop, commandServerDisconnect, commandReauthenticate:
			// Internal events carry no producer waiting on a completion.
		default:
			a.complete(cmd, nil, status)
		}
	}
}
