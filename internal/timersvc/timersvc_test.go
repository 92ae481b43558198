package timersvc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallbackFiresAfterInterval(t *testing.T) {
	s := New(5 * time.Millisecond)
	var count int32
	s.Register(10*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&count, 1)
	})
	s.Start()
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(2))
}

func TestDifferentIntervalsRunIndependently(t *testing.T) {
	s := New(5 * time.Millisecond)
	var fast, slow int32
	s.Register(10*time.Millisecond, func(time.Time) { atomic.AddInt32(&fast, 1) })
	s.Register(100*time.Millisecond, func(time.Time) { atomic.AddInt32(&slow, 1) })
	s.Start()
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&fast), atomic.LoadInt32(&slow))
}
