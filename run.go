// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import (
	"context"
	"errors"

	"github.com/brinepark/mqttagent/retrypolicy"
	"golang.org/x/sync/errgroup"
)

// Run drives CommandLoop and the reconnect lifecycle together: it starts
// CommandLoop, connects through it (retrying per the Agent's configured
// retrypolicy.RetryPolicy), and — for a connection lost without a deliberate
// Terminate — reconnects and resumes. Run returns when ctx is cancelled,
// Terminate succeeds, or a connect attempt exhausts the retry policy
// (wrapped in RetryFailureError).
//
// Run is a convenience on top of CommandLoop/Connect/ResumeSession/CancelAll
// for callers that want "just keep this connection up"; callers needing
// finer control over reconnect timing or session-resumption policy should
// drive those calls directly instead.
func (a *Agent) Run(ctx context.Context, settings *ConnectionSettings, connProvider ConnectionProvider) error {
	reconnect := false
	for {
		loopErr, connectErr := a.runSession(ctx, settings, connProvider, reconnect)
		if connectErr != nil {
			return &RetryFailureError{lastError: connectErr}
		}
		reconnect = true

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.terminate.Load() {
			return loopErr
		}

		a.CancelAll(loopErr)
	}
}

// runSession starts CommandLoop, dials and CONNECTs through it, and — once
// connected — waits for CommandLoop to exit (connection lost, Terminate, or
// ctx cancellation). CommandLoop must already be running before the CONNECT
// command is submitted, since nothing else drains the command queue.
//
// If connectOnce exhausts its retry policy, CommandLoop is stopped (via a
// context cancellation private to this session, not ctx itself) and its
// error is discarded in favor of connectErr.
func (a *Agent) runSession(ctx context.Context, settings *ConnectionSettings, connProvider ConnectionProvider, reconnect bool) (loopErr, connectErr error) {
	// connectionLost/loopExitErr are session-scoped: a non-fatal loss in a
	// prior session must not immediately end this one's CommandLoop before
	// it ever starts. terminate is not reset here since it means "stop for
	// good" across the whole Agent lifetime.
	a.connectionLost.Store(false)
	a.loopExitErr = nil

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return a.CommandLoop(gctx) })

	connectErr = a.connectOnce(gctx, settings, connProvider, reconnect)
	if connectErr != nil {
		cancelSession()
		return g.Wait(), connectErr
	}

	return g.Wait(), nil
}

// connectOnce dials a fresh Engine and dispatches a CONNECT through the
// already-running CommandLoop, retrying the whole dial-and-CONNECT attempt
// per a.connRetry until it succeeds, a FatalConnackError is returned, or ctx
// is cancelled. A (non-fatal) ConnackError and every other connect-time
// error are retried, matching connectOnce's own optimism: dialing or a
// transient CONNACK rejection may well succeed on the next attempt.
func (a *Agent) connectOnce(ctx context.Context, settings *ConnectionSettings, connProvider ConnectionProvider, reconnect bool) error {
	task := retrypolicy.Task{
		Name: "connect",
		Exec: func(ctx context.Context) error {
			engine, err := NewPahoClient(ctx, settings, connProvider)
			if err != nil {
				return err
			}

			done := make(chan error, 1)
			err = a.Connect(ctx, &ConnectParams{
				Packet:       buildConnectPacket(settings, !reconnect),
				Reconnect:    reconnect,
				AuthProvider: a.authProvider,
				Engine:       engine,
			}, CommandInfo{Complete: func(_ *Command, info *ReturnInfo, err error) {
				if err == nil && info != nil {
					err = a.ResumeSession(ctx, reconnect, info.SessionPresent)
				}
				done <- err
			}})
			if err != nil {
				return err
			}

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Cond: func(err error) bool {
			var fatal *FatalConnackError
			return !errors.As(err, &fatal)
		},
	}

	return a.connRetry.Start(ctx, a.log.Wrapped.Error, task)
}
