package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_ImmediateAndFirst(t *testing.T) {
	p := Defaults[Private]
	assert.Equal(t, time.Duration(0), Delay(p, 0))
	assert.Equal(t, p.Min, Delay(p, 1))
}

func TestDelay_GrowsTowardMaxAndClamps(t *testing.T) {
	p := Policy{Min: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 0.5}

	prev := Delay(p, 1)
	for n := 2; n <= 20; n++ {
		d := Delay(p, n)
		assert.LessOrEqual(t, d, p.Max)
		assert.GreaterOrEqual(t, d, p.Min)
		_ = prev
		prev = d
	}

	assert.Equal(t, p.Max, Delay(p, 20))
}

func TestNamed_FallsBackToDefaults(t *testing.T) {
	assert.Equal(t, Defaults[Consumed], Named(nil, Consumed))
	assert.Equal(t, Defaults[Consumed], Named(nil, "bogus"))

	custom := map[string]Policy{Private: {Min: time.Second, Max: 2 * time.Second, Factor: 1}}
	assert.Equal(t, custom[Private], Named(custom, Private))
}
