package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the connection status of a single device.
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Reconnecting Status = "reconnecting"
)

// Events accepted by Machine.
const (
	EventConnect   = "connect"
	EventConnected = "connected"
	EventFail      = "fail"
	EventDrop      = "drop"
	EventReconnect = "reconnect"
)

// Machine tracks a device's connection status and rejects transitions the
// pool never performs, for example polling-failure from an idle handle.
//
// Machine is safe for concurrent use; the underlying fsm serialises events.
type Machine struct {
	fsm *fsm.FSM
}

// NewMachine returns a machine in the disconnected state. onEnter, when
// non-nil, is invoked with (from, to) after every status change.
func NewMachine(onEnter func(from, to Status)) *Machine {
	callbacks := fsm.Callbacks{}
	if onEnter != nil {
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			onEnter(Status(e.Src), Status(e.Dst))
		}
	}
	return &Machine{
		fsm: fsm.NewFSM(
			string(Disconnected),
			fsm.Events{
				{Name: EventConnect, Src: []string{string(Disconnected), string(Reconnecting)}, Dst: string(Connecting)},
				{Name: EventConnected, Src: []string{string(Connecting)}, Dst: string(Connected)},
				{Name: EventFail, Src: []string{string(Connecting)}, Dst: string(Disconnected)},
				{Name: EventDrop, Src: []string{string(Connected), string(Connecting)}, Dst: string(Disconnected)},
				{Name: EventReconnect, Src: []string{string(Disconnected)}, Dst: string(Reconnecting)},
			},
			callbacks,
		),
	}
}

// Current returns the present status.
func (m *Machine) Current() Status {
	return Status(m.fsm.Current())
}

// Is reports whether the machine is in status s.
func (m *Machine) Is(s Status) bool {
	return m.fsm.Is(string(s))
}

// Fire applies event. Firing an event that leaves the status unchanged is not
// an error. Cancellation of ctx does not prevent the transition.
func (m *Machine) Fire(ctx context.Context, event string) error {
	err := m.fsm.Event(context.WithoutCancel(ctx), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("connection status %s: %w", m.Current(), err)
}

// Release forces the machine back to disconnected regardless of the current
// status. It is used by explicit disconnects, which are valid from any status.
func (m *Machine) Release() {
	m.fsm.SetState(string(Disconnected))
}
