package replay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControllerHappyPath(t *testing.T) {
	c := NewController(nil)
	require.Equal(t, StateIdle, c.State())

	s, err := c.Fire(EventStartCapture)
	require.NoError(t, err)
	require.Equal(t, StateStarting, s)

	s, err = c.Fire(EventInterfaceReady)
	require.NoError(t, err)
	require.Equal(t, StateRunning, s)

	s, err = c.Fire(EventPauseSignal)
	require.NoError(t, err)
	require.Equal(t, StatePaused, s)

	s, err = c.Fire(EventResumeSignal)
	require.NoError(t, err)
	require.Equal(t, StateRunning, s)

	s, err = c.Fire(EventStopCapture)
	require.NoError(t, err)
	require.Equal(t, StateStopping, s)
}

func TestInvalidTransitionRejected(t *testing.T) {
	c := NewController(nil)
	_, err := c.Fire(EventStopCapture)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCaptureErrorAlwaysSucceeds(t *testing.T) {
	c := NewController(nil)
	c.Fire(EventStartCapture)
	c.Fire(EventInterfaceReady)
	c.Fire(EventPauseSignal)

	s, err := c.Fire(EventCaptureError)
	require.NoError(t, err)
	require.Equal(t, StateError, s)
}

func TestSaveAndRestartRunsSideEffectsThenReturnsToStarting(t *testing.T) {
	called := false
	c := NewController(func() error {
		called = true
		return nil
	})
	c.Fire(EventStartCapture)
	c.Fire(EventInterfaceReady)

	s, err := c.Fire(EventSaveAndRestartCapture)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, StateStarting, s)
}

func TestRestartFailureGoesToError(t *testing.T) {
	c := NewController(func() error { return errTest })
	c.Fire(EventStartCapture)
	c.Fire(EventInterfaceReady)

	s, err := c.Fire(EventSaveAndRestartCapture)
	require.Error(t, err)
	require.Equal(t, StateError, s)
}

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "boom" }
