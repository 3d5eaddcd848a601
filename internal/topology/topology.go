// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package topology works out which servers a river must tail: the given
// servers for a plain replica set, or one member list per shard when the
// servers are mongos routers.
package topology

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/mongoriver/core/river"
)

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// ShardHost is an entry of the config.shards collection.
type ShardHost struct {
	Name string `bson:"_id"`
	Host string `bson:"host"`
}

// Session is the part of a mongo session used for discovery.
type Session interface {
	// ServerProcess returns the process name reported by serverStatus.
	ServerProcess() (string, error)

	// ShardHosts lists the shards known to a mongos router.
	ShardHosts() ([]ShardHost, error)

	// ReplicaSetMembers returns the addresses of the current replica set
	// members.
	ReplicaSetMembers() ([]string, error)

	// Close releases the session.
	Close()
}

// DialFunc opens a discovery session to the given servers.
type DialFunc func(servers []river.ServerAddress) (Session, error)

// Shard is a set of servers tailed by one tailer. Name is empty for an
// unsharded source.
type Shard struct {
	Name    string
	Servers []river.ServerAddress
}

// Config holds the dependencies of a Discoverer.
type Config struct {
	Dial   DialFunc
	Logger Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Discoverer resolves the shards of a river's source.
type Discoverer struct {
	config Config
}

// NewDiscoverer returns a Discoverer for the given configuration.
func NewDiscoverer(config Config) (*Discoverer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Discoverer{config: config}, nil
}

// Discover returns the shards to tail for the definition. A shard that
// cannot be reached is logged and left out; it is an error only if no
// shard at all can be reached.
func (d *Discoverer) Discover(ctx context.Context, def river.Definition) ([]Shard, error) {
	if def.Sharding == river.ShardingDisabled {
		return []Shard{{Servers: def.Servers}}, nil
	}

	session, err := d.config.Dial(def.Servers)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to source of river %q", def.Name)
	}
	defer session.Close()

	sharded := def.Sharding == river.ShardingEnabled
	if !sharded {
		process, err := session.ServerProcess()
		if err != nil {
			return nil, errors.Annotatef(err, "reading server status of river %q", def.Name)
		}
		sharded = strings.Contains(process, "mongos")
	}
	if !sharded {
		return []Shard{{Servers: def.Servers}}, nil
	}

	hosts, err := session.ShardHosts()
	if err != nil {
		return nil, errors.Annotatef(err, "listing shards of river %q", def.Name)
	}

	var shards []Shard
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		shard, err := d.resolveShard(host)
		if err != nil {
			d.config.Logger.Warningf("river %q skipping shard %q: %v", def.Name, host.Name, err)
			continue
		}
		d.config.Logger.Debugf("river %q shard %q servers %v", def.Name, shard.Name, river.ServerAddresses(shard.Servers))
		shards = append(shards, shard)
	}
	if len(shards) == 0 {
		return nil, errors.NotFoundf("reachable shards for river %q", def.Name)
	}
	d.config.Logger.Infof("river %q tailing %d of %d shards", def.Name, len(shards), len(hosts))
	return shards, nil
}

func (d *Discoverer) resolveShard(host ShardHost) (Shard, error) {
	setName, seeds, err := river.ParseShardHost(host.Host)
	if err != nil {
		return Shard{}, errors.Trace(err)
	}
	name := host.Name
	if name == "" {
		name = setName
	}

	session, err := d.config.Dial(seeds)
	if err != nil {
		return Shard{}, errors.Trace(err)
	}
	defer session.Close()

	members, err := session.ReplicaSetMembers()
	if err != nil || len(members) == 0 {
		d.config.Logger.Debugf("shard %q using seed servers, members unavailable: %v", name, err)
		return Shard{Name: name, Servers: seeds}, nil
	}

	servers := make([]river.ServerAddress, 0, len(members))
	for _, member := range members {
		addr, err := river.ParseServerAddress(member)
		if err != nil {
			return Shard{}, errors.Annotatef(err, "shard %q member", name)
		}
		servers = append(servers, addr)
	}
	return Shard{Name: name, Servers: river.SortServers(servers)}, nil
}
