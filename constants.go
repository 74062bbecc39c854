package mqttagent

// CONNACK reason codes.
const (
	connackSuccess                     byte = 0x00
	connackNotAuthorized               byte = 0x87
	connackServerUnavailable           byte = 0x88
	connackServerBusy                  byte = 0x89
	connackQuotaExceeded               byte = 0x97
	connackConnectionRateExceeded      byte = 0x9F
	connackMalformedPacket             byte = 0x81
	connackProtocolError               byte = 0x82
	connackImplementationSpecificError byte = 0x83
	connackUnsupportedProtocolVersion  byte = 0x84
	connackBadAuthenticationMethod     byte = 0x8C
	connackClientIdentifierNotValid    byte = 0x85
	connackBadUserNameOrPassword       byte = 0x86
	connackBanned                      byte = 0x8A
	connackUseAnotherServer            byte = 0x93
	connackReauthenticate              byte = 0x19
)

// DISCONNECT reason codes.
const (
	disconnectNormalDisconnection                 byte = 0x00
	disconnectNotAuthorized                       byte = 0x87
	disconnectServerUnavailable                   byte = 0x88
	disconnectServerBusy                          byte = 0x89
	disconnectQuotaExceeded                       byte = 0x97
	disconnectConnectionRateExceeded              byte = 0x9F
	disconnectMalformedPacket                     byte = 0x81
	disconnectProtocolError                       byte = 0x82
	disconnectBadAuthenticationMethod             byte = 0x8C
	disconnectSessionTakenOver                    byte = 0x8D
	disconnectTopicFilterInvalid                  byte = 0x8E
	disconnectTopicNameInvalid                    byte = 0x8F
	disconnectTopicAliasInvalid                   byte = 0x90
	disconnectPacketTooLarge                      byte = 0x95
	disconnectPayloadFormatInvalid                byte = 0x99
	disconnectRetainNotSupported                  byte = 0x9A
	disconnectQoSNotSupported                     byte = 0x9B
	disconnectServerMoved                         byte = 0x9D
	disconnectSharedSubscriptionsNotSupported     byte = 0x9E
	disconnectSubscriptionIdentifiersNotSupported byte = 0xA1
	disconnectWildcardSubscriptionsNotSupported   byte = 0xA2
)

// isFatalConnackReason reports whether a broker-sent CONNACK error reason
// code indicates a condition connectOnce's retry loop cannot recover from by
// retrying the CONNECT (bad credentials, a banned or malformed client), as
// opposed to a transient one (server busy, quota or connection-rate
// exceeded) worth retrying past. Unrecognized codes are treated as fatal, so
// an unexpected reason code fails the connect attempt instead of retrying
// forever against a broker that will never accept it.
func isFatalConnackReason(code byte) bool {
	switch code {
	case connackServerBusy,
		connackServerUnavailable,
		connackQuotaExceeded,
		connackConnectionRateExceeded:
		return false
	default:
		return true
	}
}

// isFatalDisconnectReason reports whether a broker-sent DISCONNECT reason
// code indicates a condition the Agent cannot recover from by reconnecting
// (e.g. a banned or misconfigured client), as opposed to a transient one
// (server busy, quota exceeded) a caller's reconnect policy may retry past.
func isFatalDisconnectReason(code byte) bool {
	switch code {
	case disconnectNotAuthorized,
		disconnectMalformedPacket,
		disconnectProtocolError,
		disconnectTopicFilterInvalid,
		disconnectTopicNameInvalid,
		disconnectTopicAliasInvalid,
		disconnectPayloadFormatInvalid,
		disconnectRetainNotSupported,
		disconnectQoSNotSupported,
		disconnectSharedSubscriptionsNotSupported,
		disconnectSubscriptionIdentifiersNotSupported,
		disconnectWildcardSubscriptionsNotSupported:
		return true
	default:
		return false
	}
}
