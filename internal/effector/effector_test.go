package effector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEffector_Unlock(t *testing.T) {
	e := NewCommandEffector("/bin/true")
	require.NoError(t, e.Unlock(context.Background()))
}

func TestCommandEffector_UnlockSurfacesExitError(t *testing.T) {
	e := NewCommandEffector("/bin/false")
	assert.Error(t, e.Unlock(context.Background()))
}

func TestRecorderEffector_RecordsCalls(t *testing.T) {
	r := &RecorderEffector{}
	require.NoError(t, r.Unlock(context.Background()))
	require.NoError(t, r.Unlock(context.Background()))
	assert.Equal(t, 2, r.Calls)
}

func TestRecorderEffector_ReturnsConfiguredError(t *testing.T) {
	want := errors.New("locker unavailable")
	r := &RecorderEffector{Err: want}
	assert.ErrorIs(t, r.Unlock(context.Background()), want)
	assert.Equal(t, 1, r.Calls)
}
