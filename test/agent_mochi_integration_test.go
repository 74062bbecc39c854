// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brinepark/mqttagent"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

const (
	mochiTCPPort   int    = 1236
	mochiUserName  string = "gary"
	mochiPassword  string = "pineapple"
	topicName      string = "agent/test/topic"
	publishMessage string = "krabby patty"
)

// startMochi brings up an in-process broker that only the configured
// username/password may connect to, mirroring the teacher's own mochi
// fixture, and registers its shutdown with t.Cleanup.
func startMochi(t *testing.T) {
	t.Helper()

	ledger := &auth.Ledger{
		Auth: auth.AuthRules{
			{
				Username: auth.RString(mochiUserName),
				Password: auth.RString(mochiPassword),
				Allow:    true,
			},
		},
	}

	server := mochi.New(nil)
	require.NoError(t, server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}))

	cfg := listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: fmt.Sprintf("localhost:%d", mochiTCPPort),
	})
	require.NoError(t, server.AddListener(cfg))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })
}

func mochiSettings(t *testing.T) *mqttagent.ConnectionSettings {
	t.Helper()
	settings := &mqttagent.ConnectionSettings{}
	require.NoError(t, settings.FromConnectionString(fmt.Sprintf(
		"HostName=localhost;TcpPort=%d;Username=%s;Password=%s;UseTls=false",
		mochiTCPPort, mochiUserName, mochiPassword,
	)))
	require.NoError(t, settings.Validate())
	return settings
}

// runAgent starts settings' Agent via Run in the background and returns it
// once the first CONNACK has arrived, along with a cancel func that stops
// Run and waits for it to return.
func runAgent(t *testing.T, settings *mqttagent.ConnectionSettings) (*mqttagent.Agent, func()) {
	t.Helper()

	connected := make(chan struct{})
	var once bool
	a := mqttagent.NewAgent(nil, nil, mqttagent.WithDisconnectHandler(func(error) {}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, settings, nil)
	}()

	// Run's first CONNECT attempt fires almost immediately; poll for it
	// rather than hooking a completion callback, since Run constructs its
	// own ConnectParams internally.
	go func() {
		for i := 0; i < 100; i++ {
			if a.ConnEpoch() > 0 {
				if !once {
					once = true
					close(connected)
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected to mochi broker")
	}

	return a, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run never returned after cancellation")
		}
	}
}

func TestAgentConnectsToMochi(t *testing.T) {
	startMochi(t)
	a, stop := runAgent(t, mochiSettings(t))
	defer stop()
	require.True(t, a.ConnEpoch() > 0)
}

func TestAgentSubscribeUnsubscribe(t *testing.T) {
	startMochi(t)
	a, stop := runAgent(t, mochiSettings(t))
	defer stop()

	completed := make(chan error, 1)
	err := a.Subscribe(context.Background(), &mqttagent.SubscribeParams{Topic: topicName, QoS: 1},
		mqttagent.CommandInfo{Complete: func(_ *mqttagent.Command, _ *mqttagent.ReturnInfo, err error) {
			completed <- err
		}})
	require.NoError(t, err)
	require.NoError(t, <-completed)

	err = a.Unsubscribe(context.Background(), &mqttagent.UnsubscribeParams{Topic: topicName},
		mqttagent.CommandInfo{Complete: func(_ *mqttagent.Command, _ *mqttagent.ReturnInfo, err error) {
			completed <- err
		}})
	require.NoError(t, err)
	require.NoError(t, <-completed)
}

func TestAgentSubscribePublishRoundTrip(t *testing.T) {
	startMochi(t)
	a, stop := runAgent(t, mochiSettings(t))
	defer stop()

	received := make(chan *mqttagent.IncomingPublish, 1)
	unregister := a.RegisterIncomingPublishHandler(func(ip *mqttagent.IncomingPublish) {
		if ip.Topic == topicName {
			received <- ip
		}
	})
	defer unregister()

	subDone := make(chan error, 1)
	err := a.Subscribe(context.Background(), &mqttagent.SubscribeParams{Topic: topicName, QoS: 1},
		mqttagent.CommandInfo{Complete: func(_ *mqttagent.Command, _ *mqttagent.ReturnInfo, err error) {
			subDone <- err
		}})
	require.NoError(t, err)
	require.NoError(t, <-subDone)

	pubDone := make(chan error, 1)
	err = a.Publish(context.Background(), &mqttagent.PublishParams{
		Topic:   topicName,
		Payload: []byte(publishMessage),
		QoS:     1,
	}, mqttagent.CommandInfo{Complete: func(_ *mqttagent.Command, _ *mqttagent.ReturnInfo, err error) {
		pubDone <- err
	}})
	require.NoError(t, err)
	require.NoError(t, <-pubDone)

	select {
	case ip := <-received:
		require.Equal(t, topicName, ip.Topic)
		require.Equal(t, []byte(publishMessage), ip.Payload)
		if ip.QoS > 0 {
			require.NoError(t, ip.Ack())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("published message was never observed by the subscriber")
	}
}
