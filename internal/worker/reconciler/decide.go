// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"github.com/juju/mongoriver/core/status"
)

// Action is what a reconciliation pass does to a river.
type Action string

const (
	ActionNone    Action = "none"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionRebuild Action = "rebuild"
)

// Decision is the single action taken for a river in a pass. For
// ActionStop, Status is the actual status the river is left in.
type Decision struct {
	Action Action
	Status status.Status
}

var none = Decision{Action: ActionNone}

// Decide returns the action that moves a river with the given actual
// status towards the desired status and config signal.
func Decide(desired, actual status.Status, signal status.ConfigSignal) Decision {
	switch desired {
	case status.Running:
		switch actual {
		case status.Starting:
			return none
		case status.Running:
			if signal == status.SignalUpdate {
				return Decision{Action: ActionRebuild}
			}
			return none
		}
		return Decision{Action: ActionStart}

	case status.Stopped, status.Interrupted:
		switch actual {
		case status.Stopped, status.Interrupted:
			return none
		}
		return Decision{Action: ActionStop, Status: desired}

	case status.ImportFailed, status.SourceDropped, status.StartFailed:
		if actual == desired {
			return none
		}
		return Decision{Action: ActionStop, Status: desired}

	case status.Restart:
		return Decision{Action: ActionRestart}

	case status.Unknown, status.Pending, status.Starting:
		return none
	}
	return none
}
