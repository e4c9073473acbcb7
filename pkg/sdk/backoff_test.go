package sdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffStaysWithinBounds(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 30; i++ {
		d := b.Duration()
		assert.GreaterOrEqual(t, d, b.Min, "attempt %d", i)
		assert.LessOrEqual(t, d, b.Max, "attempt %d", i)
	}
	assert.Equal(t, 30, b.Attempt())
}

func TestBackoffReset(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 5; i++ {
		b.Duration()
	}
	b.Reset()
	assert.Equal(t, 0, b.Attempt())

	d := b.Duration()
	assert.LessOrEqual(t, d, time.Duration(float64(b.Min)*(1+b.Jitter)))
}

func TestBackoffWithoutJitterIsExponential(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Duration(), "attempt %d", i)
	}
}
