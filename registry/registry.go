// Package registry lets peers find each other.
//
// A serving peer advertises the address it listens on under a service name,
// together with the methods its dispatch table exposes. Callers discover the
// instances of a service and pick one with a loadbalance.Balancer.
package registry

import (
	"context"
	"errors"
	"slices"
)

var ErrNoInstances = errors.New("registry: no instances available")

// Instance is one advertised peer.
type Instance struct {
	Addr    string   `json:"addr"`
	Weight  int      `json:"weight"` // relative share for weighted balancing, <= 0 counts as 1
	Version string   `json:"version,omitempty"`
	Methods []string `json:"methods,omitempty"` // empty means unknown, not none
}

// Serves reports whether the instance advertises method. An instance that
// advertises no methods is assumed to serve everything.
func (i Instance) Serves(method string) bool {
	return len(i.Methods) == 0 || slices.Contains(i.Methods, method)
}

type Registry interface {
	// Register advertises instance under service until Deregister is called
	// or the registering process stops renewing it for ttl seconds.
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
}

// Filter returns the instances of list that serve method.
func Filter(list []Instance, method string) []Instance {
	out := make([]Instance, 0, len(list))
	for _, inst := range list {
		if inst.Serves(method) {
			out = append(out, inst)
		}
	}
	return out
}
