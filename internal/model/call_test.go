package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to CallStatus
		want     bool
	}{
		{CallStatusPending, CallStatusConnected, true},
		{CallStatusPending, CallStatusEnded, true},
		{CallStatusPending, CallStatusEscalated, false},
		{CallStatusConnected, CallStatusEscalated, true},
		{CallStatusConnected, CallStatusEnded, true},
		{CallStatusConnected, CallStatusPending, false},
		{CallStatusEscalated, CallStatusConnected, true},
		{CallStatusEscalated, CallStatusEnded, true},
		{CallStatusEscalated, CallStatusPending, false},
		// Ended is terminal.
		{CallStatusEnded, CallStatusPending, false},
		{CallStatusEnded, CallStatusConnected, false},
		{CallStatusEnded, CallStatusEscalated, false},
		{CallStatusEnded, CallStatusEnded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ValidTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestValidCallType(t *testing.T) {
	assert.True(t, ValidCallType(CallTypeVoice))
	assert.True(t, ValidCallType(CallTypeVideo))
	assert.False(t, ValidCallType(CallType("fax")))
}
