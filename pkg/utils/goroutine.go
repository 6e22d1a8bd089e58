// Package utils holds test support shared by the gateway packages.
package utils

import (
	"runtime"
	"time"
)

// Reporter is the subset of testing.TB the leak detector writes to.
type Reporter interface {
	Helper()
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
}

// GoroutineLeakDetector compares the goroutine count before and after a
// test body. Subprocess reapers and connection readers finish
// asynchronously, so Check samples several times and keeps the lowest count.
type GoroutineLeakDetector struct {
	r              Reporter
	initialCount   int
	allowedGrowth  int
	samples        int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to r.
func NewGoroutineLeakDetector(r Reporter) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		r:              r,
		samples:        5,
		checkInterval:  100 * time.Millisecond,
		stabilizeDelay: 200 * time.Millisecond,
	}
}

// Start records the initial goroutine count.
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
}

// Leaked returns how many goroutines were added since Start.
func (d *GoroutineLeakDetector) Leaked() int {
	time.Sleep(d.stabilizeDelay)

	lowest := runtime.NumGoroutine()
	for i := 1; i < d.samples && lowest > d.initialCount+d.allowedGrowth; i++ {
		time.Sleep(d.checkInterval)
		if n := runtime.NumGoroutine(); n < lowest {
			lowest = n
		}
	}
	return lowest - d.initialCount
}

// Check fails the test when more goroutines than allowed are still running.
func (d *GoroutineLeakDetector) Check() {
	d.r.Helper()

	leaked := d.Leaked()
	if leaked <= d.allowedGrowth {
		return
	}
	d.r.Errorf("goroutine leak: started with %d, leaked %d (allowed %d)",
		d.initialCount, leaked, d.allowedGrowth)

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	d.r.Logf("goroutines still running:\n%s", buf[:n])
}

// SetAllowedGrowth sets the number of goroutines allowed to remain.
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets how long Start and Check wait before sampling.
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}
