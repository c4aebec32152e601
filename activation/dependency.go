// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package activation

import (
	"context"
	"fmt"
	"strings"
)

// Kind distinguishes the two dependencies a listener waits for.
type Kind int

const (
	KindActivationService Kind = iota
	KindDestination
)

func (k Kind) String() string {
	switch k {
	case KindActivationService:
		return "activation_service"
	case KindDestination:
		return "destination"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the configuration form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "activation_service", "service":
		return KindActivationService, nil
	case "destination":
		return KindDestination, nil
	default:
		return 0, fmt.Errorf("unknown dependency kind %q", s)
	}
}

// Dependency identifies one external service by kind and id.
type Dependency struct {
	Kind Kind
	ID   string
}

func ServiceDependency(id string) Dependency {
	return Dependency{Kind: KindActivationService, ID: id}
}

func DestinationDependency(id string) Dependency {
	return Dependency{Kind: KindDestination, ID: id}
}

func (d Dependency) String() string {
	return d.Kind.String() + "/" + d.ID
}

// Listener receives dependency availability changes.
type Listener interface {
	DependencyAvailable(ctx context.Context, dep Dependency, handle any)
	DependencyRemoved(ctx context.Context, dep Dependency)
}

// Tracker publishes the availability of one kind of dependency. Subscribe
// returns a function that cancels the subscription. Trackers must not hold
// their own locks while notifying listeners.
type Tracker interface {
	Resolve(id string) (any, bool)
	Subscribe(l Listener) (cancel func())
}

// Scope selects the activation services a coordinator is responsible for.
type Scope func(serviceID string) bool

// ScopeAll accepts every activation service.
func ScopeAll(string) bool { return true }

// ScopePrefix accepts activation services whose id starts with prefix.
func ScopePrefix(prefix string) Scope {
	return func(id string) bool {
		return strings.HasPrefix(id, prefix)
	}
}
