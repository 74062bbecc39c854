// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sosodev/duration"
)

// ConnectionSettings collects everything needed to dial a broker and build
// the CONNECT packet, populated from a connection string or the process
// environment via FromConnectionString/FromEnv, or built up directly by a
// caller that already knows its target.
type ConnectionSettings struct {
	ClientID string
	// ServerURL is parsed as a URL; its scheme selects the transport:
	// tcp:// or mqtt://, tls://, mqtts:// or ssl://, ws:// or wss://.
	ServerURL string
	Username  string
	Password  []byte
	// PasswordFile, if set, overrides Password when settings are loaded via
	// FromConnectionString/FromEnv.
	PasswordFile string

	// KeepAlive of 0 means the client is not obliged to send MQTT Control
	// Packets on any particular schedule.
	KeepAlive time.Duration
	// SessionExpiry of 0 means the session ends when the network connection
	// is closed.
	SessionExpiry time.Duration
	// ReceiveMaximum defaults to defaultReceiveMaximum when left 0.
	ReceiveMaximum uint16
	// ConnectionTimeout of 0 means no timeout on the dial itself (connRetry
	// still bounds the overall reconnect attempt).
	ConnectionTimeout time.Duration

	UseTLS                   bool
	TLSConfig                *tls.Config
	CertFile                 string
	KeyFile                  string
	KeyFilePassword          string
	CAFile                   string
	CARequireRevocationCheck bool

	WillMessage    *paho.WillMessage
	WillProperties *paho.WillProperties

	// UserProperties are attached to every CONNECT's properties via
	// internal.MapToUserProperties.
	UserProperties map[string]string
}

const (
	defaultReceiveMaximum uint16 = 65535
	maxKeepAliveSeconds   uint16 = 65535
	maxSessionExpiry      uint32 = 4294967295
)

// FromConnectionString populates cs from an Azure-IoT-Operations-style
// connection string: "HostName=localhost;TcpPort=1883;UseTls=True;ClientId=Test".
func (cs *ConnectionSettings) FromConnectionString(connStr string) error {
	return cs.applySettingsMap(parseConnectionString(connStr))
}

// FromEnv populates cs from MQTT_-prefixed environment variables, e.g.
// MQTT_HOST_NAME, MQTT_TCP_PORT, MQTT_USE_TLS.
func (cs *ConnectionSettings) FromEnv() error {
	return cs.applySettingsMap(parseEnv(os.Environ()))
}

func parseConnectionString(connStr string) map[string]string {
	settingsMap := make(map[string]string)
	connStr = strings.TrimSuffix(connStr, ";")
	for _, param := range strings.Split(connStr, ";") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) == 2 {
			settingsMap[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}
	return settingsMap
}

func parseEnv(envVars []string) map[string]string {
	settingsMap := make(map[string]string)
	for _, envVar := range envVars {
		kv := strings.SplitN(envVar, "=", 2)
		if len(kv) == 2 && strings.HasPrefix(kv[0], "MQTT_") {
			key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(kv[0], "MQTT_"), "_", ""))
			settingsMap[key] = strings.TrimSpace(kv[1])
		}
	}
	return settingsMap
}

func (cs *ConnectionSettings) applySettingsMap(settingsMap map[string]string) error {
	if settingsMap["hostname"] == "" {
		return &InvalidArgumentError{message: "HostName must not be empty"}
	}
	if settingsMap["tcpport"] == "" {
		return &InvalidArgumentError{message: "TcpPort must not be empty"}
	}

	if settingsMap["usetls"] == "true" {
		cs.UseTLS = true
		cs.ServerURL = "tls://"
	} else {
		cs.ServerURL = "tcp://"
	}
	cs.ServerURL += settingsMap["hostname"] + ":" + settingsMap["tcpport"]

	if password, exists := settingsMap["password"]; exists {
		cs.Password = []byte(password)
	}

	assignIfExists(settingsMap, "clientid", &cs.ClientID)
	assignIfExists(settingsMap, "username", &cs.Username)
	assignIfExists(settingsMap, "passwordfile", &cs.PasswordFile)
	assignIfExists(settingsMap, "certfile", &cs.CertFile)
	assignIfExists(settingsMap, "keyfile", &cs.KeyFile)
	assignIfExists(settingsMap, "keyfilepassword", &cs.KeyFilePassword)
	assignIfExists(settingsMap, "cafile", &cs.CAFile)

	cs.CARequireRevocationCheck = settingsMap["carequirerevocationcheck"] == "true"

	if value, exists := settingsMap["keepalive"]; exists {
		d, err := duration.Parse(value)
		if err != nil {
			return &InvalidArgumentError{message: "invalid KeepAlive in connection string", wrappedError: err}
		}
		cs.KeepAlive = d.ToTimeDuration()
	}

	if value, exists := settingsMap["sessionexpiry"]; exists {
		d, err := duration.Parse(value)
		if err != nil {
			return &InvalidArgumentError{message: "invalid SessionExpiry in connection string", wrappedError: err}
		}
		cs.SessionExpiry = d.ToTimeDuration()
	}

	if value, exists := settingsMap["receivemaximum"]; exists {
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return &InvalidArgumentError{message: "invalid ReceiveMaximum in connection string", wrappedError: err}
		}
		cs.ReceiveMaximum = uint16(n)
	}

	if value, exists := settingsMap["connectiontimeout"]; exists {
		d, err := duration.Parse(value)
		if err != nil {
			return &InvalidArgumentError{message: "invalid ConnectionTimeout in connection string", wrappedError: err}
		}
		cs.ConnectionTimeout = d.ToTimeDuration()
	}

	if cs.ClientID == "" {
		cs.ClientID = randomClientID()
	}
	if cs.ReceiveMaximum == 0 {
		cs.ReceiveMaximum = defaultReceiveMaximum
	}
	if cs.PasswordFile != "" {
		data, err := os.ReadFile(cs.PasswordFile)
		if err != nil {
			return &InvalidArgumentError{message: "cannot read password from PasswordFile", wrappedError: err}
		}
		cs.Password = data
	}

	return nil
}

// Validate checks the settings for internal consistency once construction is
// finished, before the first Connect.
func (cs *ConnectionSettings) Validate() error {
	if _, err := url.Parse(cs.ServerURL); err != nil {
		return &InvalidArgumentError{message: "server URL is not valid", wrappedError: err}
	}
	if cs.KeepAlive.Seconds() > float64(maxKeepAliveSeconds) {
		return &InvalidArgumentError{message: fmt.Sprintf("keepAlive cannot be more than %d seconds", maxKeepAliveSeconds)}
	}
	if cs.SessionExpiry.Seconds() > float64(maxSessionExpiry) {
		return &InvalidArgumentError{message: fmt.Sprintf("sessionExpiry cannot be more than %d seconds", maxSessionExpiry)}
	}
	return cs.validateTLS()
}

func (cs *ConnectionSettings) validateTLS() error {
	if !cs.UseTLS {
		if cs.CertFile != "" || cs.KeyFile != "" || cs.CAFile != "" || cs.TLSConfig != nil {
			return &InvalidArgumentError{message: "TLS settings should not be set when UseTLS is disabled"}
		}
		return nil
	}

	if cs.TLSConfig == nil {
		cs.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, MaxVersion: tls.VersionTLS13}
	}

	if cs.CertFile != "" || cs.KeyFile != "" {
		var cert tls.Certificate
		var err error
		if cs.KeyFilePassword != "" {
			cert, err = loadX509KeyPairWithPassword(cs.CertFile, cs.KeyFile, cs.KeyFilePassword)
		} else {
			cert, err = tls.LoadX509KeyPair(cs.CertFile, cs.KeyFile)
		}
		if err != nil {
			return &InvalidArgumentError{message: "X509 key pair cannot be loaded", wrappedError: err}
		}
		cs.TLSConfig.Certificates = []tls.Certificate{cert}
	}

	if cs.CAFile != "" {
		pool, err := loadCACertPool(cs.CAFile)
		if err != nil {
			return &InvalidArgumentError{message: "cannot load a CA certificate pool from CAFile", wrappedError: err}
		}
		cs.TLSConfig.RootCAs = pool
	}

	return nil
}

func assignIfExists(settingsMap map[string]string, key string, field *string) {
	if value, exists := settingsMap[key]; exists && value != "" {
		*field = value
	}
}

// randomClientID generates a client identifier when the caller does not
// supply one.
func randomClientID() string {
	return "mqttagent-" + uuid.NewString()
}

// loadX509KeyPairWithPassword loads a PEM client certificate whose private
// key is password-protected. PKCS#8 encrypted key decryption (RFC 8018
// PBES2) is not implemented; this returns an error naming the gap rather
// than silently loading an unprotected key.
func loadX509KeyPairWithPassword(certFile, keyFile, _ string) (tls.Certificate, error) {
	return tls.Certificate{}, fmt.Errorf(
		"password-protected private keys are not supported (cert %s, key %s): "+
			"decrypt the key out-of-band and leave KeyFilePassword empty",
		certFile, keyFile,
	)
}

func loadCACertPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}
