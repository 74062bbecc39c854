// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"log/slog"

	"github.com/brinepark/mqttagent/internal"
	"github.com/eclipse/paho.golang/paho"
)

// dispatch executes a single Command on the worker goroutine. It is the only
// place in the package that calls into the Engine for CommandPublish,
// CommandSubscribe, and CommandUnsubscribe outside ResumeSession's resend,
// and, together with ResumeSession and CancelAll (which also run on the
// worker goroutine), the only place that inserts into or removes from the
// pending-ack table, so both stay single-threaded without locking.
func (a *Agent) dispatch(ctx context.Context, cmd *Command) {
	switch cmd.kind {
	case CommandConnect:
		a.dispatchConnect(ctx, cmd)
	case CommandPublish:
		a.dispatchPublish(ctx, cmd)
	case CommandSubscribe:
		a.dispatchSubscribe(ctx, cmd)
	case CommandUnsubscribe:
		a.dispatchUnsubscribe(ctx, cmd)
	case CommandPing:
		a.dispatchPing(ctx, cmd)
	case CommandDisconnect:
		a.dispatchDisconnect(ctx, cmd)
	case CommandTerminate:
		a.dispatchTerminate(cmd)
	case commandAckArrived:
		a.dispatchAckArrived(cmd)
	case commandIncomingPublish:
		a.dispatchIncomingPublish(cmd)
	case commandServerDisconnect:
		a.dispatchServerDisconnect(cmd)
	case commandReauthenticate:
		a.dispatchReauthenticate(ctx)
	case commandProcessLoop:
		if a.engine == nil {
			// No Engine yet: Run hands one in with the first CONNECT.
			return
		}
		if err := a.engine.ProcessLoop(ctx); err != nil {
			a.log.Err(ctx, err)
		}
	default:
		a.log.Log(ctx, slog.LevelError, "dispatch: unknown command kind", slog.Int("kind", int(cmd.kind)))
	}
}

// complete invokes cmd's CompletionFunc, if any, and then returns cmd to the
// CommandQueue's allocator: the core's ownership of a Command ends here.
func (a *Agent) complete(cmd *Command, info *ReturnInfo, err error) {
	if cmd.complete != nil {
		cmd.complete(cmd, info, err)
	}
	a.queue.ReleaseCommand(cmd)
}

func (a *Agent) dispatchConnect(ctx context.Context, cmd *Command) {
	params, ok := cmd.params.(*ConnectParams)
	if !ok || params == nil || params.Packet == nil {
		a.complete(cmd, nil, ErrBadParameter)
		return
	}

	if params.Engine != nil {
		a.engine = params.Engine
		a.engine.SetCallbacks(a.onIncomingPublish, a.onAckArrived, a.onServerDisconnect, a.onClientError)
	}

	a.log.Packet(ctx, "CONNECT", params.Packet)

	authProvider := params.AuthProvider
	if authProvider == nil {
		authProvider = a.authProvider
	}
	if authProvider != nil {
		values, err := authProvider.InitiateAuthExchange(ctx, params.Reconnect, a.requestReauthentication)
		if err != nil {
			a.complete(cmd, nil, &ConnectionError{wrappedError: err, message: "enhanced authentication exchange failed"})
			return
		}
		if values != nil {
			if params.Packet.Properties == nil {
				params.Packet.Properties = &paho.ConnectProperties{}
			}
			params.Packet.Properties.AuthMethod = values.AuthenticationMethod
			params.Packet.Properties.AuthData = values.AuthenticationData
		}
		a.authProvider = authProvider
	}

	ack, err := a.engine.Connect(ctx, params.Packet)
	if err != nil {
		a.complete(cmd, nil, &ConnectionError{wrappedError: err, message: "CONNECT failed"})
		return
	}
	if ack.ReasonCode >= 0x80 {
		var connackErr error
		if isFatalConnackReason(ack.ReasonCode) {
			connackErr = &FatalConnackError{ReasonCode: ack.ReasonCode}
		} else {
			connackErr = &ConnackError{ReasonCode: ack.ReasonCode}
		}
		a.complete(cmd, &ReturnInfo{ReasonCode: ack.ReasonCode}, connackErr)
		return
	}

	a.connEpoch.Add(1)
	if authProvider != nil {
		authProvider.AuthSuccess()
	}
	info := &ReturnInfo{ReasonCode: ack.ReasonCode, SessionPresent: ack.SessionPresent}
	a.complete(cmd, info, nil)
}

func (a *Agent) dispatchPublish(ctx context.Context, cmd *Command) {
	params, ok := cmd.params.(*PublishParams)
	if !ok || params == nil {
		a.complete(cmd, nil, ErrBadParameter)
		return
	}

	pkt := &paho.Publish{
		Topic:      params.Topic,
		Payload:    params.Payload,
		QoS:        params.QoS,
		Retain:     params.Retain,
		Properties: params.Properties,
	}
	a.log.Packet(ctx, "PUBLISH", pkt)

	if params.QoS == 0 {
		_, err := a.engine.Publish(ctx, pkt)
		a.complete(cmd, &ReturnInfo{}, err)
		return
	}

	if a.pending.Len() >= a.maxOutstandingAcks {
		a.complete(cmd, nil, ErrNoMemory)
		return
	}

	id, err := a.engine.Publish(ctx, pkt)
	if err != nil {
		a.complete(cmd, nil, err)
		return
	}
	if id == 0 {
		a.complete(cmd, nil, ErrIllegalState)
		return
	}

	cmd.packetID = id
	if err := a.pending.Insert(&pendingAckEntry{packetID: id, cmd: cmd, publish: pkt}); err != nil {
		a.complete(cmd, nil, err)
		return
	}
	// No completion yet: it fires from dispatchAckArrived when the PUBACK
	// arrives.
}

func (a *Agent) dispatchSubscribe(ctx context.Context, cmd *Command) {
	params, ok := cmd.params.(*SubscribeParams)
	if !ok || params == nil {
		a.complete(cmd, nil, ErrBadParameter)
		return
	}

	pkt := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:   params.Topic,
			QoS:     params.QoS,
			NoLocal: params.NoLocal,
		}},
		Properties: params.Properties,
	}
	a.log.Packet(ctx, "SUBSCRIBE", pkt)

	if a.pending.Len() >= a.maxOutstandingAcks {
		a.complete(cmd, nil, ErrNoMemory)
		return
	}
	id, err := a.engine.Subscribe(ctx, pkt)
	if err != nil {
		a.complete(cmd, nil, err)
		return
	}
	if id == 0 {
		a.complete(cmd, nil, ErrIllegalState)
		return
	}

	cmd.packetID = id
	if err := a.pending.Insert(&pendingAckEntry{packetID: id, cmd: cmd}); err != nil {
		a.complete(cmd, nil, err)
		return
	}
}

func (a *Agent) dispatchUnsubscribe(ctx context.Context, cmd *Command) {
	params, ok := cmd.params.(*UnsubscribeParams)
	if !ok || params == nil {
		a.complete(cmd, nil, ErrBadParameter)
		return
	}

	pkt := &paho.Unsubscribe{
		Topics:     []string{params.Topic},
		Properties: params.Properties,
	}
	a.log.Packet(ctx, "UNSUBSCRIBE", pkt)

	if a.pending.Len() >= a.maxOutstandingAcks {
		a.complete(cmd, nil, ErrNoMemory)
		return
	}
	id, err := a.engine.Unsubscribe(ctx, pkt)
	if err != nil {
		a.complete(cmd, nil, err)
		return
	}
	if id == 0 {
		a.complete(cmd, nil, ErrIllegalState)
		return
	}

	cmd.packetID = id
	if err := a.pending.Insert(&pendingAckEntry{packetID: id, cmd: cmd}); err != nil {
		a.complete(cmd, nil, err)
		return
	}
}

func (a *Agent) dispatchPing(ctx context.Context, cmd *Command) {
	err := a.engine.Ping(ctx)
	a.complete(cmd, nil, err)
}

func (a *Agent) dispatchDisconnect(ctx context.Context, cmd *Command) {
	params, ok := cmd.params.(*DisconnectParams)
	if !ok || params == nil || params.Packet == nil {
		a.complete(cmd, nil, ErrBadParameter)
		return
	}
	a.log.Packet(ctx, "DISCONNECT", params.Packet)
	err := a.engine.Disconnect(params.Packet)
	a.complete(cmd, nil, err)
	a.terminate.Store(true)
}

// dispatchTerminate fails every outstanding command with ErrRecvFailed via
// CancelAll, then completes the Terminate command itself successfully.
func (a *Agent) dispatchTerminate(cmd *Command) {
	a.CancelAll(ErrRecvFailed)
	a.complete(cmd, nil, nil)
	a.terminate.Store(true)
}

// dispatchAckArrived demultiplexes a broker acknowledgment to the producer
// command it completes. A packet identifier with no matching pending-ack
// entry is a spurious ack (e.g. one that arrived after CancelAll already
// drained the table) and is logged, not treated as fatal.
func (a *Agent) dispatchAckArrived(cmd *Command) {
	params, ok := cmd.params.(*ackArrivedParams)
	if !ok || params == nil {
		return
	}

	entry := a.pending.Remove(params.packetID)
	if entry == nil {
		a.log.Log(context.Background(), slog.LevelWarn, "ack arrived for unknown packet id",
			slog.Int("packet_id", int(params.packetID)))
		return
	}

	a.complete(entry.cmd, params.info, params.err)
}

// dispatchIncomingPublish runs every registered incoming-publish handler, in
// registration order, on the worker goroutine.
func (a *Agent) dispatchIncomingPublish(cmd *Command) {
	params, ok := cmd.params.(*incomingPublishParams)
	if !ok || params == nil {
		return
	}

	a.log.Packet(context.Background(), "PUBLISH (incoming)", params.publish)

	var userProperties map[string]string
	if params.publish.Properties != nil {
		userProperties = internal.UserPropertiesToMap(params.publish.Properties.User)
	}

	ip := &IncomingPublish{
		Topic:          params.publish.Topic,
		Payload:        params.publish.Payload,
		QoS:            params.publish.QoS,
		Retain:         params.publish.Retain,
		PacketID:       params.publish.PacketID,
		Properties:     params.publish.Properties,
		UserProperties: userProperties,
		Ack:            params.ack,
	}

	for handler := range a.incomingPublishHandlers.Iterator() {
		handler(ip)
	}
}

// dispatchReauthenticate runs one round of an MQTT 5 Enhanced Authentication
// re-authentication exchange, requested by the active authProvider via
// requestReauthentication. It is a single AUTH/AUTH round trip:
// ContinueAuthExchange is never called, and every commandReauthenticate
// starts a fresh exchange through InitiateAuthExchange.
func (a *Agent) dispatchReauthenticate(ctx context.Context) {
	if a.authProvider == nil {
		return
	}
	values, err := a.authProvider.InitiateAuthExchange(ctx, true, a.requestReauthentication)
	if err != nil {
		a.log.Err(ctx, err)
		return
	}
	if values == nil {
		return
	}
	_, err = a.engine.Authenticate(ctx, &paho.Auth{
		ReasonCode: 0x19, // Reauthenticate
		Properties: &paho.AuthProperties{
			AuthMethod: values.AuthenticationMethod,
			AuthData:   values.AuthenticationData,
		},
	})
	if err != nil {
		a.log.Err(ctx, err)
		return
	}
	a.authProvider.AuthSuccess()
}

// dispatchServerDisconnect handles the connection being torn down without a
// producer having requested it: either a broker-sent DISCONNECT (params.packet)
// or a raw transport error the Engine reported (params.err). Either way the
// transport is gone, so it cancels every outstanding command, notifies
// registered disconnect handlers, and always stops this session's
// CommandLoop via connectionLost; it additionally sets terminate (stopping
// Run's reconnect loop for good) only when the DISCONNECT reason code is
// fatal. A transport error with no DISCONNECT packet is never fatal: the
// broker did not choose to end the session, so Run should redial.
func (a *Agent) dispatchServerDisconnect(cmd *Command) {
	params, ok := cmd.params.(*serverDisconnectParams)
	if !ok || params == nil {
		return
	}

	var handlerErr error
	fatal := false
	if params.packet != nil {
		code := params.packet.ReasonCode
		fatal = isFatalDisconnectReason(code)
		if fatal {
			handlerErr = &FatalDisconnectError{ReasonCode: code}
		} else {
			handlerErr = &DisconnectError{ReasonCode: code}
		}
	} else {
		handlerErr = &ConnectionError{wrappedError: params.err, message: "transport error"}
	}

	a.CancelAll(handlerErr)

	for handler := range a.disconnectHandlers.Iterator() {
		handler(handlerErr)
	}

	a.loopExitErr = handlerErr
	a.connectionLost.Store(true)
	if fatal {
		a.terminate.Store(true)
	}
}
