// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import "context"

// AuthValues contains values from AUTH packets sent to and received from
// the MQTT server.
type AuthValues struct {
	AuthenticationMethod string
	AuthenticationData   []byte
}

// EnhancedAuthenticationProvider supplies MQTT 5 Enhanced Authentication
// (AUTH packet) values for a Connect dispatch and any later reauthentication
// the Agent's worker goroutine runs. All methods are called only from the
// worker goroutine, so implementations do not need to be thread-safe beyond
// what the requestReauthentication closure itself promises.
type EnhancedAuthenticationProvider interface {
	// InitiateAuthExchange is called by the Agent when an enhanced
	// authentication exchange is initiated. An enhanced authentication exchange
	// is initiated when a new MQTT connection is being created or when the
	// implementation of the EnhancedAuthenticationProvider calls the
	// requestReauthentication function passed to it from previous calls to
	// to InitiateAuthentication.
	//
	// reauthentication is true if this is a reauthentication on a live MQTT
	// connection and false it is on new MQTT connection.
	//
	// requestReauthentication is a function that the implementation of
	// EnhancedAuthenticationProvider may call to tell the Agent to
	// initiate a reauthentication on the live MQTT connection. Note that this
	// function is valid for use for the entire lifetime of the Agent.
	//
	// The return value is a pointer to an AuthValues struct that contains
	// values that will be sent to the server via a CONNECT or AUTH packet.
	InitiateAuthExchange(ctx context.Context, reauthentication bool, requestReauthentication func()) (*AuthValues, error)

	// ContinueAuthExchange handles an AUTH packet from the server with
	// reason code 0x18 (Continue authentication). The Agent itself never
	// calls it: neither its CONNECT path nor its reauthentication path
	// handles a 0x18 AUTH packet, so exchanges needing more than one round
	// are not carried out by the Agent.
	//
	// values contains the the values from the aforementioned AUTH packet.
	//
	// The return value is a pointer to to an AuthValues struct that contains
	// values that will be sent to the server via an AUTH packet for this round
	// of the enhanced authentication exchange.
	ContinueAuthExchange(ctx context.Context, values *AuthValues) (*AuthValues, error)

	// AuthSuccess is called by the Agent when it receives a CONNACK or AUTH
	// packet with a success reason code (0x00) after an enhanced
	// authentication exchange was initiated.
	AuthSuccess()
}
