package transport

import (
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// Correlation id schemes.
const (
	IDSchemeCounter = "counter"
	IDSchemeUUID    = "uuid"
)

// IDGenerator allocates correlation ids. Next is always called with the
// Correlator lock held; inUse reports whether a candidate is still pending.
type IDGenerator interface {
	Next(inUse func(string) bool) string
}

// CounterIDs hands out -1, -2, -3, ... Negative ids stay clear of the small
// positive ids most peers choose for their own requests. After the minimum
// int64 the counter wraps back to -1, and ids still pending are skipped, so an
// id is never handed out twice while its call is outstanding.
type CounterIDs struct {
	next int64
}

func NewCounterIDs() *CounterIDs {
	return &CounterIDs{next: -1}
}

func (g *CounterIDs) Next(inUse func(string) bool) string {
	for {
		n := g.next
		if n == math.MinInt64 {
			g.next = -1
		} else {
			g.next = n - 1
		}
		key := strconv.FormatInt(n, 10)
		if !inUse(key) {
			return key
		}
	}
}

// UUIDs hands out random version 4 UUIDs.
type UUIDs struct{}

func (UUIDs) Next(inUse func(string) bool) string {
	for {
		key := uuid.NewString()
		if !inUse(key) {
			return key
		}
	}
}

// NewIDGenerator returns the generator for a configured scheme name.
// The empty name selects the counter.
func NewIDGenerator(scheme string) (IDGenerator, error) {
	switch scheme {
	case "", IDSchemeCounter:
		return NewCounterIDs(), nil
	case IDSchemeUUID:
		return UUIDs{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown id scheme %q", scheme)
	}
}
