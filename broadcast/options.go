package broadcast

import (
	"crypto"

	"github.com/rs/zerolog"

	"github.com/dsbnet/dsb/membership"
)

// Option is a set of configurable parameters. If left empty, defaults
// will be used
type Option func(e *Engine)

// WithHashFunc sets the hash function used to derive op ids. The function
// must produce 32 byte digests.
func WithHashFunc(f crypto.Hash) Option {
	return func(e *Engine) {
		e.hasher = f
	}
}

// WithVerifyFunc sets how actor signatures are verified. It must match the
// signature scheme of the group's signers.
func WithVerifyFunc(f membership.VerifyFunc) Option {
	return func(e *Engine) {
		e.verify = f
	}
}

// WithLogger sets the engine's logger. By default nothing is logged.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithOrdering sets the tie-break order for entries certified within the same
// generation. All processes in a network must use the same ordering.
func WithOrdering(cmp Ordering) Option {
	return func(e *Engine) {
		e.ordering = cmp
	}
}

// WithEquivocationObserver registers a callback for equivocation evidence.
func WithEquivocationObserver(obs EquivocationObserver) Option {
	return func(e *Engine) {
		e.observer = obs
	}
}

// WithStore attaches a persistence layer for delivered certificates and
// membership snapshots.
func WithStore(store Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

const DefaultHashFunc = crypto.SHA256
