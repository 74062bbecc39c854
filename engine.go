// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
)

// AckFunc is invoked by an Engine when a previously sent QoS>0 publish,
// subscribe, or unsubscribe receives its broker acknowledgment. It may be
// called from any goroutine the Engine chooses; the Agent re-enters its own
// single-threaded worker before acting on it.
type AckFunc func(packetID uint16, info *ReturnInfo, err error)

// IncomingPublishFunc is invoked by an Engine for every inbound PUBLISH. It
// may be called from any goroutine the Engine chooses.
type IncomingPublishFunc func(publish *paho.Publish, ack func() error)

// ServerDisconnectFunc is invoked by an Engine when the broker sends a
// DISCONNECT, terminating the session without the Agent having requested it.
// It may be called from any goroutine the Engine chooses.
type ServerDisconnectFunc func(pkt *paho.Disconnect)

// ClientErrorFunc is invoked by an Engine when the underlying transport
// fails without a clean broker DISCONNECT (a socket read/write error, a
// malformed packet the client itself rejects, a missed keepalive). It may be
// called from any goroutine the Engine chooses.
type ClientErrorFunc func(err error)

// Engine is the narrow, sealed interface the core consumes for MQTT
// wire-level work: packet encode/decode, the CONNECT/PUBACK/etc state
// machine, and keepalive. It is the Go-idiomatic replacement for the
// function-pointer table described in the design notes — fixed for one
// connection, and replaced only on the worker goroutine when a Connect
// carries a new one in ConnectParams.Engine.
//
// Connect and Ping are synchronous: they return only once the broker has
// responded (or the attempt has definitively failed). Disconnect returns once
// the DISCONNECT is sent. Publish,
// Subscribe, and Unsubscribe are asynchronous: they must return as soon as
// the packet is handed to the transport, and report the broker's
// acknowledgment later via the AckFunc registered through SetCallbacks.
type Engine interface {
	// Connect opens a session with the broker and blocks for the CONNACK.
	Connect(ctx context.Context, pkt *paho.Connect) (*paho.Connack, error)
	// Publish sends pkt. For QoS0 it blocks for the write and returns the
	// final result directly (correlationID is always 0), since there is no
	// broker acknowledgment to wait for. For QoS>0 it returns a non-zero
	// correlationID as soon as the packet is handed off; the matching PUBACK
	// arrives later via AckFunc, tagged with that same correlationID. The
	// correlationID is the Engine's own bookkeeping value, not necessarily
	// the wire-level MQTT packet identifier paho.golang assigns internally.
	Publish(ctx context.Context, pkt *paho.Publish) (correlationID uint16, err error)
	// Subscribe sends pkt and returns a non-zero correlationID once it is
	// handed off; the SUBACK arrives later via AckFunc tagged with it.
	Subscribe(ctx context.Context, pkt *paho.Subscribe) (correlationID uint16, err error)
	// Unsubscribe sends pkt and returns a non-zero correlationID once it is
	// handed off; the UNSUBACK arrives later via AckFunc tagged with it.
	Unsubscribe(ctx context.Context, pkt *paho.Unsubscribe) (correlationID uint16, err error)
	// Ping sends a PINGREQ and blocks for the PINGRESP.
	Ping(ctx context.Context) error
	// Authenticate sends an AUTH packet for an MQTT 5 Enhanced
	// Authentication re-authentication exchange and blocks for the broker's
	// reply.
	Authenticate(ctx context.Context, pkt *paho.Auth) (*paho.AuthResponse, error)
	// Disconnect sends a DISCONNECT. The engine does not wait for any reply
	// (MQTT does not define one).
	Disconnect(pkt *paho.Disconnect) error
	// ProcessLoop services one I/O cycle of the underlying transport. For
	// engines that run their own read goroutine (as pahoEngine does), this
	// may simply return nil; it exists so engines that do not manage their
	// own I/O goroutine have a place to pump reads between commands.
	ProcessLoop(ctx context.Context) error
	// SetCallbacks registers the sinks for asynchronous events. It must be
	// called exactly once, before Connect.
	SetCallbacks(onPublish IncomingPublishFunc, onAck AckFunc, onServerDisconnect ServerDisconnectFunc, onClientError ClientErrorFunc)
}

// pahoEngine adapts github.com/eclipse/paho.golang/paho to the Engine
// interface. paho.Client's Publish/Subscribe/Unsubscribe calls block the
// calling goroutine until the matching ack arrives, so pahoEngine spawns one
// short-lived goroutine per QoS>0 send to perform that wait and report the
// result through AckFunc, keeping the Engine contract (return once handed
// off) intact without blocking the Agent's worker goroutine.
type pahoEngine struct {
	client PahoClient

	onPublish          IncomingPublishFunc
	onAck              AckFunc
	onServerDisconnect ServerDisconnectFunc
	onClientError      ClientErrorFunc

	nextPacketID atomic.Uint32
}

// PahoClient is the subset of *paho.Client that pahoEngine depends on. It is
// exported so tests can substitute a fake broker-facing client without
// opening a real network connection.
type PahoClient interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Publish(ctx context.Context, pb *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, sb *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, ub *paho.Unsubscribe) (*paho.Unsuback, error)
	Disconnect(d *paho.Disconnect) error
	Authenticate(ctx context.Context, a *paho.Auth) (*paho.AuthResponse, error)
	Ack(pb *paho.Publish) error
}

// NewPahoEngine constructs an Engine backed by an already-configured
// *paho.Client (or a test double implementing PahoClient). The returned
// engine's deliverPublish, deliverServerDisconnect, and deliverClientError
// are unexported, so a client's OnPublishReceived, OnServerDisconnect, and
// OnClientError hooks can be wired to them only from inside this package, as
// NewPahoClient does; an engine built here around a client whose hooks are
// not wired to it never reports incoming publishes, server disconnects, or
// client errors.
func NewPahoEngine(client PahoClient) Engine {
	return &pahoEngine{client: client}
}

func (e *pahoEngine) SetCallbacks(onPublish IncomingPublishFunc, onAck AckFunc, onServerDisconnect ServerDisconnectFunc, onClientError ClientErrorFunc) {
	e.onPublish = onPublish
	e.onAck = onAck
	e.onServerDisconnect = onServerDisconnect
	e.onClientError = onClientError
}

// deliverServerDisconnect is the function to wire into paho.ClientConfig's
// OnServerDisconnect.
func (e *pahoEngine) deliverServerDisconnect(pkt *paho.Disconnect) {
	if e.onServerDisconnect != nil {
		e.onServerDisconnect(pkt)
	}
}

// deliverClientError is the function to wire into paho.ClientConfig's
// OnClientError. paho.golang calls this for transport-level failures (a
// socket error, a malformed packet rejected by the client itself) that tear
// down the connection without a broker DISCONNECT ever arriving; since those
// failures leave the connection in the same unusable state as a DISCONNECT,
// they are reported the same way.
func (e *pahoEngine) deliverClientError(err error) {
	if e.onClientError != nil {
		e.onClientError(err)
	}
}

// deliverPublish is the function to wire into paho.ClientConfig's
// OnPublishReceived. It is a method of the concrete type rather than of the
// Engine interface because it is a paho-specific wiring detail, not part of
// the abstract protocol-engine contract.
func (e *pahoEngine) deliverPublish(pr paho.PublishReceived) (bool, error) {
	if e.onPublish == nil {
		return true, nil
	}
	ack := func() error {
		if pr.Packet.QoS == 0 {
			return &InvalidOperationError{message: "only QoS>0 messages may be acked"}
		}
		return e.client.Ack(pr.Packet)
	}
	e.onPublish(pr.Packet, ack)
	// Tell paho we've taken ownership of acking; the session client (not
	// paho's own auto-ack machinery) controls when the ack is sent.
	return true, nil
}

func (e *pahoEngine) Connect(ctx context.Context, pkt *paho.Connect) (*paho.Connack, error) {
	return e.client.Connect(ctx, pkt)
}

// nextCorrelationID hands out the Engine's own surrogate correlation ids.
// paho.golang's high-level Publish/Subscribe/Unsubscribe calls manage the
// wire-level MQTT packet identifier entirely internally (they block for the
// matching ack themselves), so the Engine cannot read one back before the
// call completes. The pending-ack table never needs the real wire id: it
// only needs a stable, non-zero key to correlate a dispatched command with
// the AckFunc call that eventually reports its outcome, so an independent
// counter serves exactly as well.
func (e *pahoEngine) nextCorrelationID() uint16 {
	for {
		id := uint16(e.nextPacketID.Add(1))
		if id != 0 {
			return id
		}
	}
}

func (e *pahoEngine) Publish(ctx context.Context, pkt *paho.Publish) (uint16, error) {
	if pkt.QoS == 0 {
		// QoS0 has no broker acknowledgment, so it completes synchronously
		// through the return value rather than a later AckFunc call.
		_, err := e.client.Publish(ctx, pkt)
		return 0, err
	}

	id := e.nextCorrelationID()
	go func() {
		resp, err := e.client.Publish(ctx, pkt)
		info := &ReturnInfo{}
		if resp != nil {
			info.ReasonCode = resp.ReasonCode
		}
		if e.onAck != nil {
			e.onAck(id, info, err)
		}
	}()
	return id, nil
}

func (e *pahoEngine) Subscribe(ctx context.Context, pkt *paho.Subscribe) (uint16, error) {
	id := e.nextCorrelationID()
	go func() {
		suback, err := e.client.Subscribe(ctx, pkt)
		info := &ReturnInfo{}
		if suback != nil && len(suback.Reasons) > 0 {
			info.ReasonCode = suback.Reasons[0]
			info.SubackReasons = suback.Reasons
		}
		if e.onAck != nil {
			e.onAck(id, info, err)
		}
	}()
	return id, nil
}

func (e *pahoEngine) Unsubscribe(ctx context.Context, pkt *paho.Unsubscribe) (uint16, error) {
	id := e.nextCorrelationID()
	go func() {
		unsuback, err := e.client.Unsubscribe(ctx, pkt)
		info := &ReturnInfo{}
		if unsuback != nil && len(unsuback.Reasons) > 0 {
			info.ReasonCode = unsuback.Reasons[0]
			info.SubackReasons = unsuback.Reasons
		}
		if e.onAck != nil {
			e.onAck(id, info, err)
		}
	}()
	return id, nil
}

func (e *pahoEngine) Ping(ctx context.Context) error {
	// paho.golang's client maintains its own keepalive goroutine that sends
	// PINGREQ on the negotiated interval and tracks the outstanding
	// PINGRESP; there is no user-facing Ping call to delegate to, so a
	// manually requested Ping here is a best-effort no-op that simply
	// confirms the connection is still believed to be up.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (e *pahoEngine) Authenticate(ctx context.Context, pkt *paho.Auth) (*paho.AuthResponse, error) {
	return e.client.Authenticate(ctx, pkt)
}

func (e *pahoEngine) Disconnect(pkt *paho.Disconnect) error {
	return e.client.Disconnect(pkt)
}

func (e *pahoEngine) ProcessLoop(ctx context.Context) error {
	// paho.golang owns its read loop on its own goroutines once Connect
	// succeeds, so there is no I/O cycle for this layer to pump. The worker
	// still calls this every MaxEventQueueWaitTime so an Engine that does
	// not run its own I/O goroutine (e.g. a test double) has a place to do
	// so.
	return nil
}
