package replay

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var controllerLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		controllerLog = l
	}
}

// State is one of the seven capture-controller states (§4.J).
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateRestarting State = "restarting"
	StateError      State = "error"
)

// ErrInvalidTransition is returned when an event has no transition
// defined from the controller's current state.
var ErrInvalidTransition = errors.New("replay: invalid state transition")

// Event drives the state machine; named after the trigger in §4.J.
type Event string

const (
	EventStartCapture           Event = "start_capture"
	EventInterfaceReady         Event = "interface_ready"
	EventPauseSignal            Event = "pause"
	EventResumeSignal           Event = "resume"
	EventStopCapture            Event = "stop_capture"
	EventSaveAndRestartCapture  Event = "save_and_restart_capture"
	EventCaptureError           Event = "capture_error"
)

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStartCapture: StateStarting,
	},
	StateStarting: {
		EventInterfaceReady: StateRunning,
		EventCaptureError:   StateError,
	},
	StateRunning: {
		EventPauseSignal:           StatePaused,
		EventStopCapture:           StateStopping,
		EventSaveAndRestartCapture: StateStarting,
		EventCaptureError:          StateError,
	},
	StatePaused: {
		EventResumeSignal: StateRunning,
		EventCaptureError: StateError,
	},
	StateStopping: {
		EventCaptureError: StateError,
	},
	StateError: {
		EventStartCapture: StateStarting,
	},
}

// RestartFunc performs the three restart side effects (§4.J): flush
// accumulated frames to a new file, clear D/E/F/G plus the ring and
// alerts, and report back so the controller can return to starting.
type RestartFunc func() error

// Controller is the mutex-guarded capture-control state machine
// shared by live and replay runs.
type Controller struct {
	mu      sync.Mutex
	state   State
	restart RestartFunc
}

// NewController starts in idle.
func NewController(restart RestartFunc) *Controller {
	return &Controller{state: StateIdle, restart: restart}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fire applies event to the state machine. capture_error always
// succeeds regardless of current state and leaves aggregated state
// untouched (§4.J: "any->error on capture_error").
func (c *Controller) Fire(event Event) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if event == EventCaptureError {
		c.state = StateError
		return c.state, nil
	}

	next, ok := transitions[c.state][event]
	if !ok {
		return c.state, errors.Wrapf(ErrInvalidTransition, "%s from %s", event, c.state)
	}

	if event == EventSaveAndRestartCapture {
		c.state = StateRestarting
		if c.restart != nil {
			if err := c.restart(); err != nil {
				c.state = StateError
				return c.state, errors.Wrap(err, "restart capture")
			}
		}
	}

	c.state = next
	return c.state, nil
}
