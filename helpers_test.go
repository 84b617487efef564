package polyclient

import "time"

// Shared polling bounds for require.Eventually across this package's
// tests that coordinate with a goroutine blocked on a gate channel.
const (
	assertEventuallyTimeout = time.Second
	assertEventuallyTick    = time.Millisecond
)
