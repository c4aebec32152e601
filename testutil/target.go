// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"sync"

	"github.com/absmach/fluxra/endpoint"
)

// Delivery is one recorded business invocation.
type Delivery struct {
	Method  endpoint.Method
	Message any
	Caller  endpoint.CallerID
}

// Recorder is an endpoint.Target that records every delivery.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery

	// Err is returned from every delivery when set.
	Err error
	// Hook runs inside the delivery, before it is recorded.
	Hook func(ctx context.Context)
	// Delivered receives every delivery when non-nil.
	Delivered chan Delivery
}

var _ endpoint.Target = (*Recorder)(nil)

func (r *Recorder) Deliver(ctx context.Context, m endpoint.Method, msg any) error {
	if r.Hook != nil {
		r.Hook(ctx)
	}
	d := Delivery{Method: m, Message: msg, Caller: endpoint.CallerFrom(ctx)}

	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	err := r.Err
	r.mu.Unlock()

	if r.Delivered != nil {
		r.Delivered <- d
	}
	return err
}

func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}
