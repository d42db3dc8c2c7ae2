package sepkern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduleRejectsEmpty(t *testing.T) {
	_, err := NewSchedule("empty", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeEmptySchedule))
}

func TestNextActionSkipsSentinelSlot(t *testing.T) {
	s, err := NewSchedule("s", []ScheduleEntry{
		Wait{Duration: 1 * time.Millisecond},
		FunctionInvocation{Function: 0},
		IoIn{FromIo: 0, ToChannel: 1},
	})
	require.NoError(t, err)

	// a fresh schedule's first returned entry is sequence[1 mod n]
	assert.Equal(t, FunctionInvocation{Function: 0}, s.NextAction())
	assert.Equal(t, 1, s.Cursor())

	assert.Equal(t, IoIn{FromIo: 0, ToChannel: 1}, s.NextAction())
	assert.Equal(t, 2, s.Cursor())

	// wraps to the sentinel slot, then around again
	assert.Equal(t, Wait{Duration: 1 * time.Millisecond}, s.NextAction())
	assert.Equal(t, 0, s.Cursor())
	assert.Equal(t, FunctionInvocation{Function: 0}, s.NextAction())
}

func TestNextActionSingleEntry(t *testing.T) {
	s, err := NewSchedule("one", []ScheduleEntry{FunctionInvocation{Function: 3}})
	require.NoError(t, err)

	// 1 mod 1 == 0: a single-entry schedule always returns its only entry
	for i := 0; i < 5; i++ {
		assert.Equal(t, FunctionInvocation{Function: 3}, s.NextAction())
		assert.Equal(t, 0, s.Cursor())
	}
}

func TestNextActionCursorStaysInRange(t *testing.T) {
	entries := []ScheduleEntry{
		Wait{}, Wait{}, Wait{}, Wait{}, Wait{},
	}
	s, err := NewSchedule("bounds", entries)
	require.NoError(t, err)

	for i := 0; i < 3*len(entries); i++ {
		s.NextAction()
		assert.GreaterOrEqual(t, s.Cursor(), 0)
		assert.Less(t, s.Cursor(), s.Len())
	}
}

func TestResetRewindsToSentinel(t *testing.T) {
	s, err := NewSchedule("r", []ScheduleEntry{
		Wait{}, SwitchSchedule{Target: 1}, Wait{},
	})
	require.NoError(t, err)

	s.NextAction()
	s.NextAction()
	require.Equal(t, 2, s.Cursor())

	s.Reset()
	assert.Equal(t, 0, s.Cursor())

	// after a reset the next entry is again sequence[1]
	assert.Equal(t, SwitchSchedule{Target: 1}, s.NextAction())
}
