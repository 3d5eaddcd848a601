// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package topology

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/replicaset/v3"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/internal/mongo"
)

// NewMongoDialer returns a DialFunc opening real mongo sessions.
func NewMongoDialer(opts mongo.DialOpts) DialFunc {
	return func(servers []river.ServerAddress) (Session, error) {
		session, err := mongo.Dial(servers, opts)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &mgoSession{session: session}, nil
	}
}

type mgoSession struct {
	session *mgo.Session
}

// ServerProcess is part of Session.
func (s *mgoSession) ServerProcess() (string, error) {
	var result struct {
		Process string `bson:"process"`
	}
	if err := s.session.Run(bson.D{{"serverStatus", 1}}, &result); err != nil {
		return "", errors.Trace(err)
	}
	return result.Process, nil
}

// ShardHosts is part of Session.
func (s *mgoSession) ShardHosts() ([]ShardHost, error) {
	var hosts []ShardHost
	err := s.session.DB("config").C("shards").Find(nil).Sort("_id").All(&hosts)
	return hosts, errors.Trace(err)
}

// ReplicaSetMembers is part of Session.
func (s *mgoSession) ReplicaSetMembers() ([]string, error) {
	members, err := replicaset.CurrentMembers(s.session)
	if err != nil {
		return nil, errors.Trace(err)
	}
	addrs := make([]string, 0, len(members))
	for _, m := range members {
		if m.Arbiter != nil && *m.Arbiter {
			continue
		}
		addrs = append(addrs, m.Address)
	}
	return addrs, nil
}

// Close is part of Session.
func (s *mgoSession) Close() {
	s.session.Close()
}
