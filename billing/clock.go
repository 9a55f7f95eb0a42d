package billing

import "time"

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies "now" to the generator, reconciler and aggregation engine.
// Nothing in this package calls time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Used by tests and replays.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

