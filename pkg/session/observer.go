package session

import "time"

// Observer receives session and request lifecycle events, typically to
// feed metrics. Implementations must not block.
type Observer interface {
	SessionOpened(backend string)
	SessionClosed(backend, reason string, lifetime time.Duration)
	RequestFinished(backend, outcome string, latency time.Duration)
	ReplyDiscarded(backend string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string) {}
func (nopObserver) SessionClosed(string, string, time.Duration) {}
func (nopObserver) RequestFinished(string, string, time.Duration) {}
func (nopObserver) ReplyDiscarded(string) {}
