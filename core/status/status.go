// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status

import (
	"github.com/juju/errors"
)

// Status represents the run state of a river. The same values are used for
// the desired status, which is written by operators into the control store,
// and for the actual status, which is owned by the river's runtime.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

const (
	// Unknown is reported when no status record exists for a river.
	Unknown Status = "unknown"

	// Pending is set when:
	// The river has been defined but nobody has asked for it to run yet.
	Pending Status = "pending"

	// Running is set when:
	// The river is tailing its source and indexing changes.
	Running Status = "running"

	// Restart is set when:
	// An operator asked for the river to be stopped and started again with
	// its current definition. It is acknowledged by moving back to Running.
	Restart Status = "restart"

	// Stopped is set when:
	// The river is deliberately not running.
	Stopped Status = "stopped"

	// ImportFailed is set when:
	// The river could not import its source data. Terminal until an
	// operator sets the river back to Running.
	ImportFailed Status = "import-failed"

	// StartFailed is set when:
	// One or more workers could not be spawned. Terminal until an operator
	// sets the river back to Running.
	StartFailed Status = "start-failed"

	// SourceDropped is set when:
	// The tailed collection or its database was dropped at the source.
	// Terminal until an operator sets the river back to Running.
	SourceDropped Status = "source-dropped"

	// Interrupted is set when:
	// The river was stopped by something other than an operator, for
	// example the loss of its indexing worker.
	Interrupted Status = "interrupted"

	// Starting is only ever an actual status. It covers the window in which
	// a runtime is spawning its workers.
	Starting Status = "starting"
)

// Validate returns an error if the status is not one of the known values.
func (s Status) Validate() error {
	switch s {
	case Unknown, Pending, Running, Restart, Stopped,
		ImportFailed, StartFailed, SourceDropped, Interrupted, Starting:
		return nil
	}
	return errors.NotValidf("status %q", string(s))
}

// IsDesired returns true if the status may be requested through the control
// store.
func (s Status) IsDesired() bool {
	switch s {
	case Starting:
		return false
	case Unknown, Pending, Running, Restart, Stopped,
		ImportFailed, StartFailed, SourceDropped, Interrupted:
		return true
	}
	return false
}

// IsTerminal returns true for the failure states that are never left
// without operator intervention.
func (s Status) IsTerminal() bool {
	switch s {
	case ImportFailed, StartFailed, SourceDropped:
		return true
	}
	return false
}

// IsHalted returns true if no workers are expected to be running.
func (s Status) IsHalted() bool {
	switch s {
	case Stopped, Interrupted:
		return true
	}
	return s.IsTerminal()
}

// ConfigSignal is the secondary flag used to request that a running river
// picks up a changed source server list.
type ConfigSignal string

const (
	// SignalNormal means there is nothing to apply.
	SignalNormal ConfigSignal = "normal"

	// SignalUpdate means the persisted definition changed and the river
	// should be rebuilt with it.
	SignalUpdate ConfigSignal = "update"
)

// String returns a string representation of the ConfigSignal.
func (s ConfigSignal) String() string {
	return string(s)
}

// Validate returns an error if the signal is not one of the known values.
func (s ConfigSignal) Validate() error {
	switch s {
	case SignalNormal, SignalUpdate:
		return nil
	}
	return errors.NotValidf("config signal %q", string(s))
}

// Snapshot is the desired state of a river as read in a single store
// operation, so that the status and the signal are never observed from two
// different writes.
type Snapshot struct {
	Desired Status
	Signal  ConfigSignal
}
