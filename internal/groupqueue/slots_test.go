package groupqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotPool(t *testing.T) {
	t.Parallel()

	p := slotPool{}
	p.resize(2, 1)

	assert.True(t, p.claimFor(LaneTask))
	assert.False(t, p.claimFor(LaneTask), "task ceiling")
	assert.True(t, p.claimFor(LaneMessage))
	assert.True(t, p.saturated())
	assert.False(t, p.claimFor(LaneMessage), "global ceiling")
	assert.False(t, p.claim())

	p.releaseFor(LaneTask)
	assert.Equal(t, 1, p.held)
	assert.Equal(t, 0, p.taskHeld)

	p.releaseFor(LaneMessage)
	p.releaseFor(LaneMessage)
	p.release()
	assert.Equal(t, 0, p.held, "never below zero")

	p.resize(1, 0)
	assert.True(t, p.claimFor(LaneTask))
	assert.False(t, p.claimFor(LaneMessage))
}
