// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package river

import (
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	// UnboundedThrottle selects a queue that never blocks its producers.
	UnboundedThrottle = -1

	// DefaultThrottleSize is the queue capacity used when none is given.
	DefaultThrottleSize = 500

	// DefaultBulkSize is the largest number of events written to the
	// target in one request.
	DefaultBulkSize = 1000

	// DefaultFlushInterval bounds how long a partial bulk is held back.
	DefaultFlushInterval = 100 * time.Millisecond

	gridFSFilesSuffix = ".files"
)

// ShardingMode says how the source topology is discovered.
type ShardingMode string

const (
	// ShardingAuto asks the source whether it is a mongos router.
	ShardingAuto ShardingMode = "auto"

	// ShardingEnabled forces one tailer per shard.
	ShardingEnabled ShardingMode = "sharded"

	// ShardingDisabled forces a single tailer against the given servers.
	ShardingDisabled ShardingMode = "unsharded"
)

// Validate returns an error for unknown sharding modes.
func (m ShardingMode) Validate() error {
	switch m {
	case ShardingAuto, ShardingEnabled, ShardingDisabled:
		return nil
	}
	return errors.NotValidf("sharding mode %q", string(m))
}

// Definition is the configuration of a single run of a river. A running
// river never sees its definition change; reconfiguration replaces the
// definition and rebuilds the river.
type Definition struct {
	// Name identifies the river.
	Name string `bson:"_id" yaml:"name" json:"name"`

	// Servers are the source mongo servers, either replica set members or
	// mongos routers.
	Servers []ServerAddress `bson:"servers" yaml:"servers" json:"servers"`

	// Database and Collection name the tailed source collection.
	Database   string `bson:"database" yaml:"database" json:"database"`
	Collection string `bson:"collection" yaml:"collection" json:"collection"`

	// Index and Type name the target.
	Index string `bson:"index" yaml:"index" json:"index"`
	Type  string `bson:"type,omitempty" yaml:"type,omitempty" json:"type,omitempty"`

	// ThrottleSize is the event queue capacity, UnboundedThrottle for no
	// limit.
	ThrottleSize int `bson:"throttle-size" yaml:"throttle-size" json:"throttle-size"`

	// BulkSize and FlushInterval shape the writes to the target.
	BulkSize      int           `bson:"bulk-size" yaml:"bulk-size" json:"bulk-size"`
	FlushInterval time.Duration `bson:"flush-interval" yaml:"flush-interval" json:"flush-interval"`

	// InitialPosition is where tailing starts when no checkpoint exists.
	InitialPosition Position `bson:"initial-position" yaml:"initial-position" json:"initial-position"`

	// GridFS selects attachment mode, where the files collection of the
	// given GridFS prefix is tailed and file contents are indexed.
	GridFS bool `bson:"gridfs" yaml:"gridfs" json:"gridfs"`

	// Sharding selects the topology discovery mode.
	Sharding ShardingMode `bson:"sharding" yaml:"sharding" json:"sharding"`

	// SecondaryRead allows reading the oplog from secondaries.
	SecondaryRead bool `bson:"secondary-read" yaml:"secondary-read" json:"secondary-read"`
}

// WithDefaults returns a copy with unset optional values filled in.
func (d Definition) WithDefaults() Definition {
	out := d.clone()
	if out.Index == "" {
		out.Index = strings.ToLower(out.Database)
	}
	if out.Type == "" {
		out.Type = out.Collection
	}
	if out.ThrottleSize == 0 {
		out.ThrottleSize = DefaultThrottleSize
	}
	if out.BulkSize == 0 {
		out.BulkSize = DefaultBulkSize
	}
	if out.FlushInterval == 0 {
		out.FlushInterval = DefaultFlushInterval
	}
	if out.Sharding == "" {
		out.Sharding = ShardingAuto
	}
	return out
}

// Validate ensures the definition can be run.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.NotValidf("empty river name")
	}
	if strings.ContainsAny(d.Name, "/ ") {
		return errors.NotValidf("river name %q", d.Name)
	}
	if len(d.Servers) == 0 {
		return errors.NotValidf("river %q with no servers", d.Name)
	}
	for _, s := range d.Servers {
		if err := s.Validate(); err != nil {
			return errors.Annotatef(err, "river %q", d.Name)
		}
	}
	if d.Database == "" {
		return errors.NotValidf("river %q with empty database", d.Name)
	}
	if d.Collection == "" {
		return errors.NotValidf("river %q with empty collection", d.Name)
	}
	if d.Index == "" {
		return errors.NotValidf("river %q with empty index", d.Name)
	}
	if d.ThrottleSize != UnboundedThrottle && d.ThrottleSize <= 0 {
		return errors.NotValidf("river %q throttle size %d", d.Name, d.ThrottleSize)
	}
	if d.BulkSize <= 0 {
		return errors.NotValidf("river %q bulk size %d", d.Name, d.BulkSize)
	}
	if d.FlushInterval <= 0 {
		return errors.NotValidf("river %q flush interval %v", d.Name, d.FlushInterval)
	}
	return errors.Trace(d.Sharding.Validate())
}

// WithServers returns a copy of the definition using the given servers.
func (d Definition) WithServers(servers []ServerAddress) Definition {
	out := d.clone()
	out.Servers = append([]ServerAddress(nil), servers...)
	return out
}

// ServerSet returns the definition's servers as a set.
func (d Definition) ServerSet() ServerSet {
	return NewServerSet(d.Servers...)
}

// SourceCollection is the collection whose oplog entries are followed.
func (d Definition) SourceCollection() string {
	if d.GridFS {
		return d.Collection + gridFSFilesSuffix
	}
	return d.Collection
}

// OplogNamespace is the db.collection value of the followed entries.
func (d Definition) OplogNamespace() string {
	return d.Database + "." + d.SourceCollection()
}

// CheckpointKey is the checkpoint namespace for the given shard. The shard
// is empty for an unsharded source.
func (d Definition) CheckpointKey(shard string) string {
	return d.Name + "/" + shard + "/" + d.OplogNamespace()
}

// CheckpointPrefix is the common prefix of all the river's checkpoint keys.
func (d Definition) CheckpointPrefix() string {
	return d.Name + "/"
}

func (d Definition) clone() Definition {
	out := d
	out.Servers = append([]ServerAddress(nil), d.Servers...)
	return out
}
