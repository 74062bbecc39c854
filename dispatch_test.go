// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a programmable Engine double, grounded on the same
// narrow-interface shape pahoEngine implements, so dispatch.go can be tested
// without a real broker.
type fakeEngine struct {
	mu sync.Mutex

	connAck    *paho.Connack
	connErr    error
	pingErr    error
	authResp   *paho.AuthResponse
	authErr    error
	publishID  uint16
	publishErr error
	subID      uint16
	subErr     error
	unsubID    uint16
	unsubErr   error

	onPublish          IncomingPublishFunc
	onAck              AckFunc
	onServerDisconnect ServerDisconnectFunc
	onClientError      ClientErrorFunc

	disconnected []*paho.Disconnect
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{connAck: &paho.Connack{ReasonCode: 0}}
}

func (f *fakeEngine) SetCallbacks(onPublish IncomingPublishFunc, onAck AckFunc, onServerDisconnect ServerDisconnectFunc, onClientError ClientErrorFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPublish = onPublish
	f.onAck = onAck
	f.onServerDisconnect = onServerDisconnect
	f.onClientError = onClientError
}

func (f *fakeEngine) Connect(context.Context, *paho.Connect) (*paho.Connack, error) {
	return f.connAck, f.connErr
}

func (f *fakeEngine) Publish(context.Context, *paho.Publish) (uint16, error) {
	return f.publishID, f.publishErr
}

func (f *fakeEngine) Subscribe(context.Context, *paho.Subscribe) (uint16, error) {
	return f.subID, f.subErr
}

func (f *fakeEngine) Unsubscribe(context.Context, *paho.Unsubscribe) (uint16, error) {
	return f.unsubID, f.unsubErr
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) Authenticate(context.Context, *paho.Auth) (*paho.AuthResponse, error) {
	return f.authResp, f.authErr
}

func (f *fakeEngine) Disconnect(pkt *paho.Disconnect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, pkt)
	return nil
}

func (f *fakeEngine) ProcessLoop(context.Context) error { return nil }

func newTestAgent(engine *fakeEngine, opts ...Option) *Agent {
	allOpts := append([]Option{WithMaxOutstandingAcks(2)}, opts...)
	return NewAgent(engine, nil, allOpts...)
}

func completeSync(t *testing.T, a *Agent, cmd *Command, timeout time.Duration) (*ReturnInfo, error) {
	t.Helper()
	done := make(chan struct{})
	var info *ReturnInfo
	var resultErr error
	cmd.complete = func(_ *Command, i *ReturnInfo, err error) {
		info, resultErr = i, err
		close(done)
	}
	a.dispatch(context.Background(), cmd)
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("completion never fired")
	}
	return info, resultErr
}

func TestDispatchConnectSuccess(t *testing.T) {
	engine := newFakeEngine()
	engine.connAck = &paho.Connack{ReasonCode: 0, SessionPresent: true}
	a := newTestAgent(engine)

	cmd := &Command{kind: CommandConnect, params: &ConnectParams{Packet: &paho.Connect{}}}
	info, err := completeSync(t, a, cmd, time.Second)

	require.NoError(t, err)
	require.True(t, info.SessionPresent)
	require.EqualValues(t, 1, a.connEpoch.Load())
}

func TestDispatchConnectRefusedFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.connAck = &paho.Connack{ReasonCode: connackNotAuthorized}
	a := newTestAgent(engine)

	cmd := &Command{kind: CommandConnect, params: &ConnectParams{Packet: &paho.Connect{}}}
	_, err := completeSync(t, a, cmd, time.Second)

	var fatal *FatalConnackError
	require.ErrorAs(t, err, &fatal)
	require.EqualValues(t, connackNotAuthorized, fatal.ReasonCode)
}

func TestDispatchConnectRefusedTransient(t *testing.T) {
	engine := newFakeEngine()
	engine.connAck = &paho.Connack{ReasonCode: connackServerBusy}
	a := newTestAgent(engine)

	cmd := &Command{kind: CommandConnect, params: &ConnectParams{Packet: &paho.Connect{}}}
	_, err := completeSync(t, a, cmd, time.Second)

	var connack *ConnackError
	require.ErrorAs(t, err, &connack)
	require.EqualValues(t, connackServerBusy, connack.ReasonCode)
}

func TestDispatchConnectBadParameter(t *testing.T) {
	a := newTestAgent(newFakeEngine())

	cmd := &Command{kind: CommandConnect, params: &ConnectParams{}}
	_, err := completeSync(t, a, cmd, time.Second)
	require.ErrorIs(t, err, ErrBadParameter)
}

func TestDispatchPublishQoS0CompletesImmediately(t *testing.T) {
	engine := newFakeEngine()
	a := newTestAgent(engine)

	cmd := &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 0}}
	_, err := completeSync(t, a, cmd, time.Second)
	require.NoError(t, err)
	require.Zero(t, a.pending.Len())
}

func TestDispatchPublishQoS1WaitsForAck(t *testing.T) {
	engine := newFakeEngine()
	engine.publishID = 7
	a := newTestAgent(engine)

	cmd := &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}}
	completed := make(chan struct{})
	var gotInfo *ReturnInfo
	cmd.complete = func(_ *Command, info *ReturnInfo, err error) {
		gotInfo = info
		require.NoError(t, err)
		close(completed)
	}

	a.dispatch(context.Background(), cmd)
	require.EqualValues(t, 1, a.pending.Len())

	select {
	case <-completed:
		t.Fatal("completed before ack arrived")
	case <-time.After(20 * time.Millisecond):
	}

	a.dispatch(context.Background(), &Command{kind: commandAckArrived, params: &ackArrivedParams{packetID: 7, info: &ReturnInfo{ReasonCode: 0}}})

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("completion never fired after ack")
	}
	require.NotNil(t, gotInfo)
	require.Zero(t, a.pending.Len())
}

func TestDispatchPublishTableAtCapacityReturnsNoMemory(t *testing.T) {
	engine := newFakeEngine()
	a := newTestAgent(engine) // capacity 2

	engine.publishID = 1
	a.dispatch(context.Background(), &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}})
	engine.publishID = 2
	a.dispatch(context.Background(), &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}})
	require.EqualValues(t, 2, a.pending.Len())

	cmd := &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}}
	_, err := completeSync(t, a, cmd, time.Second)
	require.ErrorIs(t, err, ErrNoMemory)
}

func TestDispatchAckArrivedSpuriousIsIgnored(t *testing.T) {
	a := newTestAgent(newFakeEngine())
	// No panic, no crash: a packet id with no matching entry is logged and
	// dropped.
	a.dispatch(context.Background(), &Command{kind: commandAckArrived, params: &ackArrivedParams{packetID: 99}})
}

func TestResumeSessionLostFailsPending(t *testing.T) {
	engine := newFakeEngine()
	engine.publishID = 5
	a := newTestAgent(engine)

	completed := make(chan error, 1)
	cmd := &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}, complete: func(_ *Command, _ *ReturnInfo, err error) {
		completed <- err
	}}
	a.dispatch(context.Background(), cmd)
	require.EqualValues(t, 1, a.pending.Len())

	err := a.ResumeSession(context.Background(), true, false)
	var lost *SessionLostError
	require.ErrorAs(t, err, &lost)
	require.Zero(t, a.pending.Len())

	select {
	case gotErr := <-completed:
		require.ErrorAs(t, gotErr, &lost)
	case <-time.After(time.Second):
		t.Fatal("pending publish was never completed")
	}
}

func TestResumeSessionPresentResendsWithDuplicate(t *testing.T) {
	engine := newFakeEngine()
	engine.publishID = 5
	a := newTestAgent(engine)

	a.dispatch(context.Background(), &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}})
	require.EqualValues(t, 1, a.pending.Len())

	err := a.ResumeSession(context.Background(), true, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, a.pending.Len())
	require.True(t, a.pending.QoSPublishEntries()[0].publish.Duplicate)
}

func TestDispatchServerDisconnectFatalStopsLoopForGood(t *testing.T) {
	a := newTestAgent(newFakeEngine())

	var gotErr error
	a.RegisterDisconnectHandler(func(err error) { gotErr = err })

	a.dispatch(context.Background(), &Command{
		kind:   commandServerDisconnect,
		params: &serverDisconnectParams{packet: &paho.Disconnect{ReasonCode: disconnectNotAuthorized}},
	})

	var fatal *FatalDisconnectError
	require.ErrorAs(t, gotErr, &fatal)
	require.True(t, a.connectionLost.Load())
	require.True(t, a.terminate.Load())
	require.ErrorAs(t, a.loopExitErr, &fatal)
}

func TestDispatchServerDisconnectNonFatalStopsSessionButNotAgent(t *testing.T) {
	a := newTestAgent(newFakeEngine())

	var gotErr error
	a.RegisterDisconnectHandler(func(err error) { gotErr = err })

	a.dispatch(context.Background(), &Command{
		kind:   commandServerDisconnect,
		params: &serverDisconnectParams{packet: &paho.Disconnect{ReasonCode: disconnectServerBusy}},
	})

	var disconn *DisconnectError
	require.ErrorAs(t, gotErr, &disconn)
	require.True(t, a.connectionLost.Load())
	require.False(t, a.terminate.Load())
}

func TestDispatchClientErrorStopsSessionButNotAgent(t *testing.T) {
	a := newTestAgent(newFakeEngine())

	var gotErr error
	a.RegisterDisconnectHandler(func(err error) { gotErr = err })

	cause := errors.New("read tcp: connection reset by peer")
	a.dispatch(context.Background(), &Command{
		kind:   commandServerDisconnect,
		params: &serverDisconnectParams{err: cause},
	})

	var connErr *ConnectionError
	require.ErrorAs(t, gotErr, &connErr)
	require.ErrorIs(t, connErr, cause)
	require.True(t, a.connectionLost.Load())
	require.False(t, a.terminate.Load())
}

func TestCancelAllDrainsPendingAndQueue(t *testing.T) {
	engine := newFakeEngine()
	engine.publishID = 1
	a := newTestAgent(engine)

	pendingDone := make(chan error, 1)
	a.dispatch(context.Background(), &Command{kind: CommandPublish, params: &PublishParams{Topic: "t", QoS: 1}, complete: func(_ *Command, _ *ReturnInfo, err error) {
		pendingDone <- err
	}})
	require.EqualValues(t, 1, a.pending.Len())

	queuedDone := make(chan error, 1)
	queuedCmd, err := a.queue.GetCommand(context.Background())
	require.NoError(t, err)
	queuedCmd.kind = CommandPing
	queuedCmd.complete = func(_ *Command, _ *ReturnInfo, err error) { queuedDone <- err }
	require.NoError(t, a.queue.Send(context.Background(), queuedCmd))

	cause := errors.New("connection lost")
	a.CancelAll(cause)

	require.Zero(t, a.pending.Len())
	require.ErrorIs(t, <-pendingDone, cause)
	require.ErrorIs(t, <-queuedDone, cause)
}
