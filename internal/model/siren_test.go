package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntensityForLevel(t *testing.T) {
	assert.Equal(t, 0, IntensityForLevel(0))
	assert.Equal(t, 30, IntensityForLevel(1))
	assert.Equal(t, 55, IntensityForLevel(2))
	assert.Equal(t, 75, IntensityForLevel(3))
	assert.Equal(t, 90, IntensityForLevel(4))
	assert.Equal(t, 100, IntensityForLevel(5))
	// Out-of-range levels still map to a value.
	assert.Equal(t, 100, IntensityForLevel(6))
	assert.Equal(t, 0, IntensityForLevel(-1))
}

func TestIntensityForLevelMonotonic(t *testing.T) {
	for lvl := 1; lvl <= MaxEscalationLevel; lvl++ {
		assert.Greater(t, IntensityForLevel(lvl), IntensityForLevel(lvl-1), "level %d", lvl)
	}
}

func TestSirenTypeForLevel(t *testing.T) {
	assert.Equal(t, SirenStandardAlert, SirenTypeForLevel(1))
	assert.Equal(t, SirenUrgentAlert, SirenTypeForLevel(2))
	assert.Equal(t, SirenCriticalAlarm, SirenTypeForLevel(3))
	assert.Equal(t, SirenCriticalAlarm, SirenTypeForLevel(4))
	assert.Equal(t, SirenEmergencySiren, SirenTypeForLevel(5))
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleAdmin, RoleMonitor))
	assert.True(t, RoleAtLeast(RoleMonitor, RoleReader))
	assert.True(t, RoleAtLeast(RoleReader, RoleReader))
	assert.False(t, RoleAtLeast(RoleClient, RoleReader))
	assert.False(t, RoleAtLeast(Role("unknown"), RoleClient))
}
