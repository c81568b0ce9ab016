package rp2pio

import (
	"sync"

	"github.com/pkg/errors"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
)

// The process-wide default allocator. On rp2040 builds the register
// backend installs itself at init; hosts install piosim (or any other
// backend) explicitly before the first Construct.
var (
	defaultMu    sync.Mutex
	defaultAlloc *Allocator
)

// SetBackend installs the backend behind the package-level Construct.
// It is an init-once affair: installing twice panics, because swapping
// backends under live handles cannot be made safe.
func SetBackend(b hw.Backend) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultAlloc != nil {
		panic("rp2pio: backend already installed")
	}
	defaultAlloc = NewAllocator(b)
}

// Construct allocates a state machine on the default backend.
func Construct(cfg Config) (*StateMachine, error) {
	defaultMu.Lock()
	a := defaultAlloc
	defaultMu.Unlock()
	if a == nil {
		return nil, errors.Wrap(errcode.Unsupported, "no PIO backend installed")
	}
	return a.Construct(cfg)
}
