// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/eclipse/paho.golang/paho"
)

// NewPahoClient dials settings.ServerURL with connProvider (or the default
// TCP/TLS provider for the URL's scheme if connProvider is nil) and wires up
// a paho.Client wrapped in a pahoEngine, ready to pass to NewAgent. It exists
// because paho.golang's OnPublishReceived, OnServerDisconnect, and
// OnClientError hooks can only be set at paho.NewClient construction time,
// before a pahoEngine can be built around the resulting *paho.Client — so
// the two must be constructed together.
func NewPahoClient(ctx context.Context, settings *ConnectionSettings, connProvider ConnectionProvider) (Engine, error) {
	if connProvider == nil {
		var err error
		connProvider, err = defaultConnectionProvider(settings)
		if err != nil {
			return nil, err
		}
	}

	dialCtx := ctx
	if settings.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, settings.ConnectionTimeout)
		defer cancel()
	}
	conn, err := connProvider(dialCtx)
	if err != nil {
		return nil, err
	}

	engine := &pahoEngine{}
	client := paho.NewClient(paho.ClientConfig{
		Conn:                       conn,
		EnableManualAcknowledgment: true,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			engine.deliverPublish,
		},
		OnServerDisconnect: engine.deliverServerDisconnect,
		OnClientError:      engine.deliverClientError,
	})
	engine.client = client

	return engine, nil
}

func defaultConnectionProvider(settings *ConnectionSettings) (ConnectionProvider, error) {
	u, err := url.Parse(settings.ServerURL)
	if err != nil {
		return nil, &InvalidArgumentError{message: "invalid ServerURL", wrappedError: err}
	}
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, &InvalidArgumentError{message: "ServerURL must specify a port", wrappedError: err}
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		return TCPConnectionProvider(host, port), nil
	case "tls", "mqtts", "ssl":
		return TLSConnectionProviderWithConfig(host, port, settings.TLSConfig), nil
	case "ws":
		return WSConnectionProvider(settings.ServerURL, nil), nil
	case "wss":
		return WSConnectionProvider(settings.ServerURL, nil), nil
	default:
		return nil, &InvalidArgumentError{message: fmt.Sprintf("unsupported ServerURL scheme %q", u.Scheme)}
	}
}
