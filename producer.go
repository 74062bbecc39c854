// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"

	"github.com/brinepark/mqttagent/internal"
	"github.com/eclipse/paho.golang/paho"
)

// Every producer-facing method below follows the same four-step contract:
// allocate a Command via GetCommand, populate its kind/params/completion,
// Send it, and return immediately without waiting for the worker to dispatch
// it. The CompletionFunc supplied by the caller runs later, on the worker
// goroutine, exactly once.

// Publish submits a PUBLISH. complete is invoked on the worker goroutine
// when the publish is acknowledged (QoS>0) or has been handed to the
// transport (QoS0).
func (a *Agent) Publish(ctx context.Context, params *PublishParams, info CommandInfo) error {
	if params == nil || params.Topic == "" {
		return ErrBadParameter
	}
	return a.submit(ctx, CommandPublish, params, info)
}

// Subscribe submits a SUBSCRIBE for a single topic filter. complete is
// invoked on the worker goroutine when the SUBACK arrives.
func (a *Agent) Subscribe(ctx context.Context, params *SubscribeParams, info CommandInfo) error {
	if params == nil || params.Topic == "" {
		return ErrBadParameter
	}
	return a.submit(ctx, CommandSubscribe, params, info)
}

// Unsubscribe submits an UNSUBSCRIBE for a single topic filter. complete is
// invoked on the worker goroutine when the UNSUBACK arrives.
func (a *Agent) Unsubscribe(ctx context.Context, params *UnsubscribeParams, info CommandInfo) error {
	if params == nil || params.Topic == "" {
		return ErrBadParameter
	}
	return a.submit(ctx, CommandUnsubscribe, params, info)
}

// Connect submits a CONNECT. complete is invoked on the worker goroutine
// once the CONNACK arrives or the attempt definitively fails.
func (a *Agent) Connect(ctx context.Context, params *ConnectParams, info CommandInfo) error {
	if params == nil || params.Packet == nil {
		return ErrBadParameter
	}
	return a.submit(ctx, CommandConnect, params, info)
}

// Disconnect submits a DISCONNECT and stops CommandLoop once it has been
// sent. complete is invoked on the worker goroutine beforehand.
func (a *Agent) Disconnect(ctx context.Context, params *DisconnectParams, info CommandInfo) error {
	if params == nil || params.Packet == nil {
		return ErrBadParameter
	}
	return a.submit(ctx, CommandDisconnect, params, info)
}

// Ping submits a PINGREQ. complete is invoked on the worker goroutine once
// the PINGRESP arrives or the attempt fails.
func (a *Agent) Ping(ctx context.Context, info CommandInfo) error {
	return a.submit(ctx, CommandPing, nil, info)
}

// Terminate requests CommandLoop stop after draining whatever is currently
// outstanding. complete is invoked on the worker goroutine immediately
// before CommandLoop returns.
func (a *Agent) Terminate(ctx context.Context, info CommandInfo) error {
	return a.submit(ctx, CommandTerminate, nil, info)
}

func (a *Agent) submit(ctx context.Context, kind CommandKind, params any, info CommandInfo) error {
	cmd, err := a.queue.GetCommand(ctx)
	if err != nil {
		return ErrNoMemory
	}
	cmd.kind = kind
	cmd.params = params
	cmd.complete = info.Complete
	cmd.userData = info.UserData

	if err := a.queue.Send(ctx, cmd); err != nil {
		a.queue.ReleaseCommand(cmd)
		return ErrSendFailed
	}
	return nil
}

// buildConnectPacket assembles a paho.Connect from connection settings,
// shared by the initial connect and every reconnect attempt Run drives.
// cleanStart is true only for the first CONNECT of a session; reconnect
// attempts pass false to ask the broker to resume the prior session.
func buildConnectPacket(settings *ConnectionSettings, cleanStart bool) *paho.Connect {
	sessionExpiryInterval := uint32(settings.SessionExpiry.Seconds())
	receiveMaximum := settings.ReceiveMaximum
	if receiveMaximum == 0 {
		receiveMaximum = defaultReceiveMaximum
	}

	pkt := &paho.Connect{
		ClientID:     settings.ClientID,
		CleanStart:   cleanStart,
		KeepAlive:    uint16(settings.KeepAlive.Seconds()),
		Username:     settings.Username,
		UsernameFlag: settings.Username != "",
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &sessionExpiryInterval,
			ReceiveMaximum:        &receiveMaximum,
			RequestProblemInfo:    true,
			User:                  internal.MapToUserProperties(settings.UserProperties),
		},
	}
	if len(settings.Password) > 0 {
		pkt.Password = settings.Password
		pkt.PasswordFlag = true
	}
	if settings.WillMessage != nil {
		pkt.WillMessage = settings.WillMessage
		pkt.WillProperties = settings.WillProperties
	}
	return pkt
}
