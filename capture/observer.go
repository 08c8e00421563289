package capture

// Observer receives notifications about SDK-internal failures.
//
// The SDK's public contract is silence: buffer overflow and transport
// failure never surface to the application. That silence makes SDK
// misbehavior hard to diagnose, so an application may register an Observer
// to see what is being swallowed. The default is a no-op; absence of an
// observer preserves the silent contract exactly.
//
// Callbacks may be invoked from SDK background goroutines and must not block.
type Observer interface {
	// OnDrop is called when the buffer evicts events to stay within its
	// bound, with the number of events dropped.
	OnDrop(count int)

	// OnTransportFailure is called when a send exhausts its retries or
	// times out. envelopeType is the wire type that failed (decision,
	// decisions, run, step).
	OnTransportFailure(envelopeType string, err error)
}

// NoopObserver is the default Observer; it discards all notifications.
type NoopObserver struct{}

// OnDrop implements Observer.
func (NoopObserver) OnDrop(int) {}

// OnTransportFailure implements Observer.
func (NoopObserver) OnTransportFailure(string, error) {}
