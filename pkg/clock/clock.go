// Package clock wraps the monotonic time source used for
// concurrency-adjustment ticking and ready-queue-wait metrics, so tests can
// substitute a deterministic source instead of wall-clock time.
package clock

import "github.com/benbjohnson/clock"

// Source is the monotonic time source consumed throughout the module. It is
// satisfied by both clock.New() (real time) and clock.NewMock() (tests).
type Source = clock.Clock

// Mock is a controllable Source for deterministic tests.
type Mock = clock.Mock

// New returns the real, wall-clock backed Source.
func New() Source {
	return clock.New()
}

// NewMock returns a deterministic Source for tests, advanced by calling
// (*Mock).Add.
func NewMock() *Mock {
	return clock.NewMock()
}
