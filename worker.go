// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"time"
)

// CommandLoop is the single worker goroutine's entry point. It must be
// called exactly once per Agent session, from the one goroutine that will
// own the agent context for the session's lifetime. It returns when
// Terminate or Disconnect is dispatched, the broker sends a DISCONNECT, the
// Engine reports a transport error, or ctx is cancelled. A broker DISCONNECT
// or transport error always ends the session (the connection is gone either
// way), but only a fatal one also sets terminate, which Run checks to
// decide whether to reconnect.
//
// Every command kind other than the internal commandProcessLoop,
// commandAckArrived, commandIncomingPublish, commandServerDisconnect, and
// commandReauthenticate originates from a producer goroutine calling one of
// the Agent's producer-facing methods
// (Publish/Subscribe/Unsubscribe/Connect/Disconnect/Ping/Terminate);
// commandProcessLoop is created by this loop itself, and the other internal
// kinds are self-posted by the Engine's callbacks (or, for
// commandReauthenticate, by the auth provider) so that every
// mutation of agent state and every invocation of a user callback happens
// only here.
func (a *Agent) CommandLoop(ctx context.Context) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, a.eventQueueWaitTime())
		cmd, err := a.queue.Recv(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// waitCtx's own deadline elapsed with nothing pending: give the
			// engine a chance to pump any I/O cycle it manages itself, then
			// go back to waiting.
			a.dispatch(ctx, &Command{kind: commandProcessLoop})
			continue
		}

		a.dispatch(ctx, cmd)

		if a.terminate.Load() || a.connectionLost.Load() {
			return a.loopExitErr
		}
	}
}

func (a *Agent) eventQueueWaitTime() time.Duration {
	return time.Duration(a.eventQueueWaitTimeout)
}
