package device

import "fmt"

// Event is a state machine input (spec §4.D's transition labels).
type Event string

const (
	EventDiscover        Event = "discover"
	EventDiscoverRefresh Event = "discoverRefresh"
	EventBoot            Event = "boot"
	EventBootOK          Event = "bootOk"
	EventBootFail        Event = "bootFail"
	EventShutdown        Event = "shutdown"
	EventShutdownOK      Event = "shutdownOk"
	EventRestart         Event = "restart"
	EventRecover         Event = "recover"
)

// IllegalTransitionError is returned when the state machine forbids an
// event in the device's current state.
type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not allowed from state %q", e.Event, e.From)
}

// transitions encodes spec §4.D's table. discoverRefresh is handled
// specially (see Apply) since it may resolve to either Shutdown or Booted
// from any state, rather than following a single fixed target.
var transitions = map[State]map[Event]State{
	Unknown: {
		EventDiscover: "", // resolved dynamically to Shutdown|Booted by caller
	},
	Shutdown: {
		EventBoot: Booting,
	},
	Booting: {
		EventBootOK:   Booted,
		EventBootFail: Errored,
	},
	Booted: {
		EventShutdown: ShuttingDown,
		EventRestart:  Booting,
	},
	ShuttingDown: {
		EventShutdownOK: Shutdown,
	},
	Errored: {
		EventRecover: Shutdown,
	},
}

// Apply validates and performs event against the device's current state,
// mutating it on success. discovered is the resolved target state and is
// only consulted for EventDiscover/EventDiscoverRefresh, which spec §4.D
// allows from any state ("Any --discoverRefresh--> (may correct to
// Shutdown/Booted)").
func (r *Record) Apply(event Event, discovered State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event == EventDiscover || event == EventDiscoverRefresh {
		if discovered != Shutdown && discovered != Booted {
			return &IllegalTransitionError{From: r.state, Event: event}
		}
		r.state = discovered
		return nil
	}

	allowed, ok := transitions[r.state]
	if !ok {
		return &IllegalTransitionError{From: r.state, Event: event}
	}
	next, ok := allowed[event]
	if !ok || next == "" {
		return &IllegalTransitionError{From: r.state, Event: event}
	}
	r.state = next
	return nil
}

// RequireBooted returns DeviceNotBootedError unless the device is currently
// Booted — the guard every usable-device operation in §4.F asserts.
func (r *Record) RequireBooted() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != Booted {
		return &DeviceNotBootedError{State: r.state}
	}
	return nil
}

// DeviceNotBootedError is returned when an operation requires state==Booted.
type DeviceNotBootedError struct {
	State State
}

func (e *DeviceNotBootedError) Error() string {
	return fmt.Sprintf("device not booted (state=%s)", e.State)
}
