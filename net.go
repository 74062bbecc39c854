// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/gorilla/websocket"
)

// ConnectionProvider is a function that returns a net.Conn connected to an
// MQTT server that is ready to read to and write from. Note that the returned
// net.Conn must be thread-safe (i.e., concurrent Write calls must not
// interleave)
type ConnectionProvider func(context.Context) (net.Conn, error)

// TCPConnectionProvider is a ConnectionProvider that connects to an MQTT
// server over TCP.
func TCPConnectionProvider(hostname string, port int) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", hostname, port))
		if err != nil {
			return nil, &ConnectionError{
				message:      "error opening TCP connection",
				wrappedError: err,
			}
		}
		return conn, nil
	}
}

// TLSConfigProvider is a function that returns a *tls.Config to be used when
// opening a TLS connection to an MQTT server. See tls.Config for more
// information on TLS configuration options.
type TLSConfigProvider func(context.Context) (*tls.Config, error)

// constantTLSConfigProvider is a TLSConfigProvider that returns an unchanging
// *tls.Config. This can be used if the TLS configuration does not need to be
// updated between network connections to the MQTT server. Note that this is
// unexported because users should not call this directly and instead use
// TLSConnectionProviderWithConfig.
func constantTLSConfigProvider(config *tls.Config) TLSConfigProvider {
	return func(ctx context.Context) (*tls.Config, error) {
		return config, nil
	}
}

// TLSConnectionProviderWithConfigProvider is a ConnectionProvider that
// connects to an MQTT server with TLS over TCP given a TLSConfigProvider.
// This is an advanced option that most users will not need to use. Consider
// using TLSConnectionProviderWithConfig instead.
func TLSConnectionProviderWithConfigProvider(hostname string, port int, tlsConfigProvider TLSConfigProvider) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		config, err := tlsConfigProvider(ctx)
		if err != nil {
			return nil, &ConnectionError{
				message:      "error getting TLS configuration",
				wrappedError: err,
			}
		}

		d := tls.Dialer{Config: config}
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", hostname, port))
		if err != nil {
			return nil, &ConnectionError{
				message:      "error opening TLS connection",
				wrappedError: err,
			}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}

// TLSConnectionProviderWithConfig is a ConnectionProvider that connects to an
// MQTT server with TLS over TCP given an unchanging *tls.Config. A nil config
// is equivalent to the a zero config. See tls.Config for more information on
// TLS configuration options.
func TLSConnectionProviderWithConfig(hostname string, port int, config *tls.Config) ConnectionProvider {
	return TLSConnectionProviderWithConfigProvider(hostname, port, constantTLSConfigProvider(config))
}

// WSConnectionProvider is a ConnectionProvider that connects to an MQTT
// server over a WebSocket, negotiating the "mqtt" subprotocol as required by
// the MQTT-over-WebSockets binding. wsURL must be a ws:// or wss:// URL.
// header may be nil; it is forwarded as the HTTP request's headers during
// the WebSocket handshake (e.g. for a reverse proxy needing Host/Origin).
func WSConnectionProvider(wsURL string, header http.Header) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		if _, err := url.Parse(wsURL); err != nil {
			return nil, &ConnectionError{message: "invalid WebSocket URL", wrappedError: err}
		}

		dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
		conn, _, err := dialer.DialContext(ctx, wsURL, header)
		if err != nil {
			return nil, &ConnectionError{message: "error opening WebSocket connection", wrappedError: err}
		}
		return packets.NewThreadSafeConn(wsNetConn{conn}), nil
	}
}

// wsNetConn adapts a *websocket.Conn's message-oriented API to the
// byte-stream net.Conn interface paho.golang's transport expects.
type wsNetConn struct {
	*websocket.Conn
}

func (c wsNetConn) Read(b []byte) (int, error) {
	for {
		_, r, err := c.NextReader()
		if err != nil {
			return 0, err
		}
		n, err := r.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && err.Error() != "EOF" {
			return 0, err
		}
	}
}

func (c wsNetConn) Write(b []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c wsNetConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
