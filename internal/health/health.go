// Package health composes a go-sundheit health-check aggregator across the
// relational and ephemeral storage adapters, grounded on the teacher's
// cmd/dex wiring of github.com/AppsFlyer/go-sundheit.
package health

import (
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
)

// Pinger is satisfied by any storage adapter that can report liveness.
type Pinger interface {
	Ping() error
}

// Checker aggregates named Pingers into a single go-sundheit health.
type Checker struct {
	Health gosundheit.Health
}

// New builds a Checker and registers each named Pinger, polled on interval.
func New(pingers map[string]Pinger, interval time.Duration) (*Checker, error) {
	h := gosundheit.New()
	for name, p := range pingers {
		err := h.RegisterCheck(&gosundheit.Config{
			Check: &checks.CustomCheck{
				CheckName: name,
				CheckFunc: func(p Pinger) func() (interface{}, error) {
					return func() (interface{}, error) { return nil, p.Ping() }
				}(p),
			},
			ExecutionPeriod:  interval,
			InitiallyPassing: true,
		})
		if err != nil {
			return nil, err
		}
	}
	return &Checker{Health: h}, nil
}

// Healthy reports whether every registered check is currently passing.
func (c *Checker) Healthy() bool {
	_, healthy := c.Health.Results()
	return healthy
}

// Deregister stops all periodic checks.
func (c *Checker) Deregister() {
	c.Health.DeregisterAll()
}
