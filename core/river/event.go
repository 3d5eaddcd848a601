// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package river

import (
	"github.com/juju/errors"
)

// ErrSourceDropped is reported by a tailer when the collection it follows,
// or its database, has been dropped at the source.
const ErrSourceDropped = errors.ConstError("source collection dropped")

// Operation is the kind of change carried by a ChangeEvent.
type Operation string

const (
	Insert Operation = "insert"
	Update Operation = "update"
	Delete Operation = "delete"
	NoOp   Operation = "noop"
)

// ChangeEvent is one change read from the source log, on its way to the
// target index.
type ChangeEvent struct {
	// Position is the oplog position of the change.
	Position Position

	// Operation is the kind of change.
	Operation Operation

	// ID is the source document id.
	ID interface{}

	// Payload is the full document for inserts and updates.
	Payload map[string]interface{}

	// Collection is the source collection the change applies to.
	Collection string

	// Attachment is true for GridFS files.
	Attachment bool

	// Checkpoint is the namespace key under which the position is
	// committed once the change has been applied.
	Checkpoint string
}
