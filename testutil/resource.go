// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

// Resource is a named endpoint.Resource.
type Resource string

func (r Resource) ResourceName() string { return string(r) }

// RecoverableResource carries its own recovery token.
type RecoverableResource struct {
	Name  string
	Token int
}

func (r RecoverableResource) ResourceName() string { return r.Name }
func (r RecoverableResource) RecoveryToken() int   { return r.Token }
