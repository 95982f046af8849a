package authflow

// State is the position of one device in the authentication flow.
type State int

const (
	// StateLoading is the initial state while conditions are evaluated.
	StateLoading State = iota
	// StateUnauthenticated means no identity session exists.
	StateUnauthenticated
	// StateNoPIN means a session exists but no credential is configured;
	// the device must complete first-time PIN setup.
	StateNoPIN
	// StateNewDevice forces full PIN entry with biometric suppressed.
	StateNewDevice
	// StateNeedsPIN prompts for the PIN.
	StateNeedsPIN
	// StateAuthenticated admits the device.
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateNoPIN:
		return "no_pin"
	case StateNewDevice:
		return "new_device"
	case StateNeedsPIN:
		return "needs_pin"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Event is one input to the flow state machine.
type Event interface {
	flowEvent()
}

// EventSessionAbsent reports that no identity session exists.
type EventSessionAbsent struct{}

// EventSessionPresent carries the evaluated conditions for a device with
// an identity session.
type EventSessionPresent struct {
	HasPIN          bool
	NewDevice       bool
	BiometricPassed bool
}

// EventPINAccepted reports a successful PIN verification.
type EventPINAccepted struct{}

// EventPINRejected reports a failed PIN verification (including one that
// engaged the lockout); the device stays where it is.
type EventPINRejected struct{}

// EventSetupCompleted reports that first-time PIN setup finished.
type EventSetupCompleted struct{}

// EventReset restarts evaluation, e.g. on app foreground.
type EventReset struct{}

func (EventSessionAbsent) flowEvent()  {}
func (EventSessionPresent) flowEvent() {}
func (EventPINAccepted) flowEvent()    {}
func (EventPINRejected) flowEvent()    {}
func (EventSetupCompleted) flowEvent() {}
func (EventReset) flowEvent()          {}

// Transition is the pure state function: same state and event always
// yield the same next state. Undefined combinations keep the current
// state rather than inventing one.
func Transition(state State, event Event) State {
	switch e := event.(type) {
	case EventReset:
		return StateLoading

	case EventSessionAbsent:
		if state == StateLoading {
			return StateUnauthenticated
		}

	case EventSessionPresent:
		if state != StateLoading {
			break
		}
		switch {
		case !e.HasPIN:
			return StateNoPIN
		case e.NewDevice:
			return StateNewDevice
		case e.BiometricPassed:
			return StateAuthenticated
		default:
			return StateNeedsPIN
		}

	case EventPINAccepted:
		if state == StateNeedsPIN || state == StateNewDevice {
			return StateAuthenticated
		}

	case EventPINRejected:
		// Failed attempts do not move the device.
		return state

	case EventSetupCompleted:
		if state == StateNoPIN {
			return StateAuthenticated
		}
	}

	return state
}
