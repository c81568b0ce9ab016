// Package pinreg tracks ownership of the chip's GPIO pins. It is the leaf
// dependency of every allocation decision: a state machine construct first
// reserves its pin ranges here, and only then is allowed to consume slots
// or program memory.
package pinreg

import (
	"sync"

	"github.com/pkg/errors"

	"rp2pio-go/errcode"
)

// Registry is a process-wide record of pin claims. Claims are either
// exclusive (one owner, nobody else) or shared (any number of owners, all
// of them shared). The two never mix on one pin.
type Registry struct {
	mu      sync.Mutex
	numPins int
	claims  map[int]*claim
}

type claim struct {
	exclusive bool
	owners    map[string]struct{}
}

// New returns a registry for pins 0..numPins-1.
func New(numPins int) *Registry {
	return &Registry{
		numPins: numPins,
		claims:  map[int]*claim{},
	}
}

// Reserve claims every pin in pins for owner, all-or-nothing. On conflict
// no partial claim is left behind and the error wraps errcode.PinInUse;
// a pin outside the controllable range wraps errcode.UnknownPin.
func (r *Registry) Reserve(owner string, pins []int, exclusive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range pins {
		if p < 0 || p >= r.numPins {
			return errors.Wrapf(errcode.UnknownPin, "pin %d", p)
		}
		c, inUse := r.claims[p]
		if !inUse {
			continue
		}
		if c.exclusive || exclusive {
			return errors.Wrapf(errcode.PinInUse, "pin %d", p)
		}
	}

	for _, p := range pins {
		c := r.claims[p]
		if c == nil {
			c = &claim{exclusive: exclusive, owners: map[string]struct{}{}}
			r.claims[p] = c
		}
		c.owners[owner] = struct{}{}
	}
	return nil
}

// Release drops owner's claim on each pin. Pins the owner does not hold
// are ignored, so release is idempotent per owner.
func (r *Registry) Release(owner string, pins []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range pins {
		c := r.claims[p]
		if c == nil {
			continue
		}
		if _, held := c.owners[owner]; !held {
			continue
		}
		delete(c.owners, owner)
		if len(c.owners) == 0 {
			delete(r.claims, p)
		}
	}
}

// InUse reports whether pin currently has any claim.
func (r *Registry) InUse(pin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claims[pin]
	return ok
}
