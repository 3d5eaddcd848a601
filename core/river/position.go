// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package river

import (
	"fmt"
	"time"

	"github.com/juju/mgo/v3/bson"
)

// Position is a point in the source oplog. It mirrors the mongo timestamp
// layout: seconds since the epoch and an ordinal within that second.
// The zero Position means "no position".
type Position struct {
	T uint32 `bson:"t" yaml:"t" json:"t"`
	I uint32 `bson:"i" yaml:"i" json:"i"`
}

// PositionFromTimestamp converts an oplog timestamp.
func PositionFromTimestamp(ts bson.MongoTimestamp) Position {
	return Position{
		T: uint32(uint64(ts) >> 32),
		I: uint32(uint64(ts)),
	}
}

// PositionFromTime returns the first position of the given second.
func PositionFromTime(t time.Time) Position {
	return Position{T: uint32(t.Unix())}
}

// Timestamp returns the oplog timestamp for the position.
func (p Position) Timestamp() bson.MongoTimestamp {
	return bson.MongoTimestamp(int64(uint64(p.T)<<32 | uint64(p.I)))
}

// Time returns the wall clock second of the position.
func (p Position) Time() time.Time {
	return time.Unix(int64(p.T), 0).UTC()
}

// IsZero returns true for the absent position.
func (p Position) IsZero() bool {
	return p.T == 0 && p.I == 0
}

// Compare returns -1, 0 or 1 if p is before, equal to or after other.
func (p Position) Compare(other Position) int {
	switch {
	case p.T < other.T:
		return -1
	case p.T > other.T:
		return 1
	case p.I < other.I:
		return -1
	case p.I > other.I:
		return 1
	}
	return 0
}

// After reports whether p is strictly later than other.
func (p Position) After(other Position) bool {
	return p.Compare(other) > 0
}

// String implements fmt.Stringer.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.T, p.I)
}

// Checkpoint is the durable replication progress for one tailed namespace.
type Checkpoint struct {
	Namespace string   `json:"namespace"`
	Position  Position `json:"position"`
}
