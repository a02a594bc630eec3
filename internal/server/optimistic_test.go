package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptimisticToggleLifecycle(t *testing.T) {
	var toggle OptimisticToggle
	assert.False(t, toggle.Value)

	toggle.Propose(true)
	assert.Equal(t, SettingPending, toggle.State)
	assert.True(t, toggle.Value)

	toggle.Confirm()
	assert.Equal(t, SettingConfirmed, toggle.State)
	assert.True(t, toggle.Value)
}

func TestOptimisticToggleReject(t *testing.T) {
	toggle := OptimisticToggle{State: SettingConfirmed, Value: true}

	toggle.Propose(false)
	toggle.Reject("quota exceeded")

	assert.Equal(t, SettingFailed, toggle.State)
	assert.True(t, toggle.Value, "rejection restores the pre-proposal value")
	assert.Equal(t, "quota exceeded", toggle.Error)
}

func TestOptimisticToggleReproposeKeepsRollback(t *testing.T) {
	toggle := OptimisticToggle{State: SettingConfirmed, Value: false}

	toggle.Propose(true)
	toggle.Propose(true) // double-click before the gate answered
	toggle.Reject("backend down")

	assert.False(t, toggle.Value, "rollback is the last confirmed value, not the repeated proposal")
}

func TestOptimisticToggleConfirmClearsError(t *testing.T) {
	toggle := OptimisticToggle{State: SettingFailed, Error: "stale failure"}

	toggle.Propose(true)
	toggle.Confirm()
	assert.Empty(t, toggle.Error)
}
