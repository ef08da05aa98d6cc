package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminal(t *testing.T) {
	assert.False(t, StatusNew.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusAborted.Terminal())
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusNew, StatusQueued},
		{StatusQueued, StatusActive},
		{StatusActive, StatusComplete},
		{StatusActive, StatusFailed},
		{StatusActive, StatusQueued}, // transient retry / liveness requeue
		{StatusActive, StatusAborted},
		{StatusFailed, StatusAborted},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusComplete, StatusActive},
		{StatusComplete, StatusQueued},
		{StatusAborted, StatusQueued},
		{StatusFailed, StatusQueued},
		{StatusQueued, StatusComplete},
		{StatusNew, StatusActive},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
