// Package loadbalance picks the peer a call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      peers of equal capacity
//   - WeightedRandom:  peers of different capacity, by Instance.Weight
//   - ConsistentHash:  calls for the same key (the method name) stick to one peer
package loadbalance

import (
	"fmt"

	"duplex-rpc/config"
	"duplex-rpc/registry"
)

// Balancer selects one instance for a call. key is the method being called;
// only key-based strategies look at it. Pick must be safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []registry.Instance) (*registry.Instance, error)
	Name() string
}

// New returns the balancer named by a [client] balancer setting.
func New(name string) (Balancer, error) {
	switch name {
	case "", config.BalancerRoundRobin:
		return &RoundRobinBalancer{}, nil
	case config.BalancerWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case config.BalancerConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
