// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"

	"github.com/google/uuid"
)

// CallerID identifies the party driving a delivery cycle. Every call in one
// cycle must carry the same CallerID.
type CallerID string

type callerKey struct{}

// NewCallerID returns a fresh random caller id.
func NewCallerID() CallerID {
	return CallerID(uuid.NewString())
}

// WithCaller returns a copy of ctx carrying id.
func WithCaller(ctx context.Context, id CallerID) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFrom returns the caller carried by ctx. A context without one is the
// anonymous caller "".
func CallerFrom(ctx context.Context) CallerID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(callerKey{}).(CallerID)
	return id
}
