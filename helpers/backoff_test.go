package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())
	assert.Equal(t, 100*time.Millisecond, b.Next())

	b.Failure()
	d := b.DelayBefore()
	assert.True(t, d > 0 && d <= 100*time.Millisecond, "delay=%s", d)
	assert.Equal(t, 200*time.Millisecond, b.Next())

	b.Failure()
	b.Failure()
	b.Failure()
	b.Failure()
	assert.Equal(t, time.Second, b.Next())
	d = b.DelayBefore()
	assert.True(t, d > 500*time.Millisecond && d <= time.Second, "delay=%s", d)

	b.Update(true)
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}
