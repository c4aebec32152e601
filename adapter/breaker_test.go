// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxra/adapter"
	"github.com/absmach/fluxra/endpoint"
	"github.com/absmach/fluxra/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	ctx := context.Background()
	svc := &testutil.ActivationService{Max: 3, ActivateErr: errors.New("connection refused")}
	b := adapter.NewBreaker("jms", svc, adapter.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	}, nil)
	assert.Equal(t, 3, b.MaxEndpoints())

	f, err := endpoint.NewFactory(endpoint.Config{Name: "orders", ActivationServiceID: "jms"}, &testutil.Recorder{}, nil)
	require.NoError(t, err)
	req := endpoint.ActivationRequest{Service: b}

	for range 2 {
		err := f.ActivateInternal(ctx, req)
		assert.ErrorIs(t, err, endpoint.ErrSetup)
		assert.ErrorIs(t, err, svc.ActivateErr)
	}
	assert.Equal(t, "open", b.State())

	err = f.ActivateInternal(ctx, req)
	assert.ErrorIs(t, err, adapter.ErrBreakerOpen)
	assert.Len(t, svc.Activations(), 2)
	assert.Equal(t, endpoint.FactoryInactive, f.State())

	svc.ActivateErr = nil
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, f.ActivateInternal(ctx, req))
	assert.Equal(t, endpoint.FactoryActive, f.State())
	assert.Equal(t, "closed", b.State())

	require.NoError(t, f.DeactivateInternal(ctx, b))
	assert.Equal(t, 1, svc.Deactivations())
}
