// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import "github.com/eclipse/paho.golang/paho"

// CommandKind tags the MQTT operation a Command requests.
type CommandKind int

const (
	// CommandPublish requests a PUBLISH.
	CommandPublish CommandKind = iota
	// CommandSubscribe requests a SUBSCRIBE.
	CommandSubscribe
	// CommandUnsubscribe requests an UNSUBSCRIBE.
	CommandUnsubscribe
	// CommandConnect requests a CONNECT.
	CommandConnect
	// CommandDisconnect requests a DISCONNECT.
	CommandDisconnect
	// CommandPing requests a PINGREQ.
	CommandPing
	// CommandTerminate fails every outstanding command with ErrRecvFailed
	// and stops CommandLoop.
	CommandTerminate

	// commandProcessLoop drives the protocol engine's I/O cycle when the
	// worker's Recv times out with no external command pending. Producers
	// cannot construct this kind directly.
	commandProcessLoop

	// commandAckArrived is self-posted onto the command queue when a
	// previously dispatched QoS>0 publish, subscribe, or unsubscribe
	// receives its broker acknowledgment. Routing it back through the queue
	// keeps the pending-ack table single-threaded: only CommandLoop ever
	// removes an entry from it.
	commandAckArrived

	// commandIncomingPublish is self-posted by the protocol engine's
	// incoming-packet callback (which may run on a goroutine the engine
	// owns, not the worker) so that the global incoming-publish sink is
	// always invoked from the worker goroutine.
	commandIncomingPublish

	// commandServerDisconnect is self-posted when the broker sends a
	// DISCONNECT the Agent did not request, or the Engine reports a raw
	// transport error, so CancelAll and the terminate decision run on the
	// worker goroutine.
	commandServerDisconnect

	// commandReauthenticate is self-posted when an EnhancedAuthenticationProvider
	// calls its requestReauthentication closure, so the AUTH exchange runs on
	// the worker goroutine alongside every other connection-state change.
	commandReauthenticate
)

// CompletionFunc is invoked exactly once, from the worker goroutine, when a
// Command finishes. info is nil if the command kind does not produce one
// (Disconnect/Ping/Terminate completions carry no ReturnInfo).
type CompletionFunc func(cmd *Command, info *ReturnInfo, err error)

// CommandInfo bundles the completion callback and opaque user data a
// producer attaches to a command at submission time. UserData is never read
// or copied by the core; it round-trips to CompletionFunc unmodified.
type CommandInfo struct {
	Complete CompletionFunc
	UserData any
}

// Command is the envelope carrying one requested MQTT operation from a
// producer to the worker and back. A Command is allocated via GetCommand,
// owned by the core from a successful Send until ReleaseCommand, and must
// not be touched by the producer in between.
type Command struct {
	kind     CommandKind
	params   any
	complete CompletionFunc
	userData any

	// packetID is assigned at dispatch time for QoS>0 publishes, subscribes,
	// and unsubscribes. Zero means "not yet assigned" or "QoS0 publish".
	packetID uint16
}

// Kind reports the command's tag.
func (c *Command) Kind() CommandKind { return c.kind }

// UserData returns the opaque context a producer attached at submission.
func (c *Command) UserData() any { return c.userData }

// reset clears a Command so it is safe to hand back to the allocator pool.
func (c *Command) reset() {
	c.kind = commandProcessLoop
	c.params = nil
	c.complete = nil
	c.userData = nil
	c.packetID = 0
}

// ReturnInfo is the result delivered to a CompletionFunc for commands that
// carry broker-reported outcomes (publishes, subscribes, unsubscribes,
// connects).
type ReturnInfo struct {
	// ReasonCode is the MQTT reason code from the matching ack, when one
	// exists (PUBACK/SUBACK/UNSUBACK/CONNACK). Zero otherwise.
	ReasonCode byte
	// SubackReasons holds the per-filter reason codes for a SUBACK or
	// UNSUBACK; nil for every other command kind.
	SubackReasons []byte
	// SessionPresent is set for CONNACK results.
	SessionPresent bool
}

// PublishParams is the parameter payload for CommandPublish. The caller owns
// this block until completion; the core never copies it.
type PublishParams struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties *paho.PublishProperties
}

// SubscribeParams is the parameter payload for CommandSubscribe.
type SubscribeParams struct {
	Topic      string
	QoS        byte
	NoLocal    bool
	RetainSelf bool
	Properties *paho.SubscribeProperties
}

// UnsubscribeParams is the parameter payload for CommandUnsubscribe.
type UnsubscribeParams struct {
	Topic      string
	Properties *paho.UnsubscribeProperties
}

// ConnectParams is the parameter payload for CommandConnect.
type ConnectParams struct {
	Packet *paho.Connect
	// Reconnect is true if this CONNECT is re-establishing a session after a
	// prior successful connection (CleanStart is the negation of this).
	Reconnect bool
	// AuthProvider, if set, supplies MQTT 5 Enhanced Authentication values
	// for this CONNECT via InitiateAuthExchange before it is sent.
	AuthProvider EnhancedAuthenticationProvider
	// Engine, if set, replaces the Agent's Engine before the CONNECT is sent.
	// Run uses this to hand a freshly dialed Engine to the worker goroutine
	// instead of swapping a.engine from outside it.
	Engine Engine
}

// DisconnectParams is the parameter payload for CommandDisconnect.
type DisconnectParams struct {
	Packet *paho.Disconnect
}

// ackArrivedParams is the internal payload for commandAckArrived.
type ackArrivedParams struct {
	packetID uint16
	info     *ReturnInfo
	err      error
}

// incomingPublishParams is the internal payload for commandIncomingPublish.
type incomingPublishParams struct {
	publish *paho.Publish
	ack     func() error
}

// serverDisconnectParams is the internal payload for commandServerDisconnect.
// Exactly one of packet or err is set: packet for a broker-sent DISCONNECT,
// err for a raw transport failure reported via the Engine's ClientErrorFunc
// (no DISCONNECT packet exists in that case).
type serverDisconnectParams struct {
	packet *paho.Disconnect
	err    error
}

// IncomingPublish is delivered to registered incoming-publish sinks. Ack
// must be called exactly once for QoS>0 publishes; it is a no-op error for
// QoS0.
type IncomingPublish struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	PacketID   uint16
	Properties *paho.PublishProperties
	// UserProperties is Properties.User flattened to a map via
	// internal.UserPropertiesToMap, for handlers that don't need repeated
	// keys or ordering and would rather not walk the paho slice themselves.
	UserProperties map[string]string
	Ack            func() error
}
