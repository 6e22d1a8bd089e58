package utils

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingReporter struct {
	errors []string
}

func (r *recordingReporter) Helper()                   {}
func (r *recordingReporter) Logf(string, ...any)       {}
func (r *recordingReporter) Errorf(f string, a ...any) { r.errors = append(r.errors, fmt.Sprintf(f, a...)) }

func TestGoroutineLeakDetector(t *testing.T) {
	t.Run("NoLeak", func(t *testing.T) {
		r := &recordingReporter{}
		detector := NewGoroutineLeakDetector(r).SetStabilizeDelay(20 * time.Millisecond)
		detector.Start()

		ch := make(chan struct{})
		go func() {
			ch <- struct{}{}
		}()
		<-ch

		detector.Check()
		assert.Empty(t, r.errors)
	})

	t.Run("DetectsLeak", func(t *testing.T) {
		r := &recordingReporter{}
		detector := NewGoroutineLeakDetector(r).SetStabilizeDelay(20 * time.Millisecond)
		detector.Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()
		assert.Len(t, r.errors, 1)
	})

	t.Run("AllowedGrowth", func(t *testing.T) {
		r := &recordingReporter{}
		detector := NewGoroutineLeakDetector(r).
			SetStabilizeDelay(20 * time.Millisecond).
			SetAllowedGrowth(1)
		detector.Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()
		assert.Empty(t, r.errors)
	})
}
