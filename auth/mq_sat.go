// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package auth provides EnhancedAuthenticationProvider implementations.
package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/brinepark/mqttagent"
)

// ServiceAccountToken implements mqttagent.EnhancedAuthenticationProvider by
// reading a Kubernetes service account token from the given filename and
// presenting it as MQTT Enhanced Authentication data.
type ServiceAccountToken struct {
	filename string
}

func NewServiceAccountToken(filename string) *ServiceAccountToken {
	return &ServiceAccountToken{filename: filename}
}

func (sat *ServiceAccountToken) InitiateAuthExchange(
	_ context.Context,
	_ bool,
	_ func(),
) (*mqttagent.AuthValues, error) {
	token, err := os.ReadFile(sat.filename)
	if err != nil {
		return nil, err
	}
	return &mqttagent.AuthValues{
		AuthenticationMethod: "K8S-SAT",
		AuthenticationData:   token,
	}, nil
}

func (sat *ServiceAccountToken) ContinueAuthExchange(
	context.Context,
	*mqttagent.AuthValues,
) (*mqttagent.AuthValues, error) {
	return nil, fmt.Errorf("ContinueAuthExchange called on ServiceAccountToken, but multiple rounds of exchange were not expected")
}

func (sat *ServiceAccountToken) AuthSuccess() {
	// No periodic re-authentication: the caller's reconnect path re-reads
	// the token file on every fresh CONNECT via InitiateAuthExchange.
}
