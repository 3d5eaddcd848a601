// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package checkpoint

import (
	"context"
	"regexp"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mongoriver/core/river"
)

// CheckpointsC is the default collection holding checkpoints.
const CheckpointsC = "checkpoints"

// checkpointDoc is the persistent form of a checkpoint. The position is
// held as a mongo timestamp so that $max keeps it monotonic.
type checkpointDoc struct {
	Key       string              `bson:"_id"`
	Timestamp bson.MongoTimestamp `bson:"ts"`
}

// MongoStore keeps checkpoints in a mongo collection.
type MongoStore struct {
	session    *mgo.Session
	database   string
	collection string
}

// NewMongoStore returns a store using the given collection. The session is
// copied per operation and is not closed by the store.
func NewMongoStore(session *mgo.Session, database, collection string) (*MongoStore, error) {
	if session == nil {
		return nil, errors.NotValidf("nil session")
	}
	if database == "" {
		return nil, errors.NotValidf("empty database")
	}
	if collection == "" {
		collection = CheckpointsC
	}
	return &MongoStore{
		session:    session,
		database:   database,
		collection: collection,
	}, nil
}

func (s *MongoStore) coll() (*mgo.Collection, func()) {
	session := s.session.Copy()
	return session.DB(s.database).C(s.collection), session.Close
}

// GetCheckpoint is part of Store.
func (s *MongoStore) GetCheckpoint(_ context.Context, key string) (river.Position, bool, error) {
	coll, closer := s.coll()
	defer closer()

	var doc checkpointDoc
	err := coll.FindId(key).One(&doc)
	if err == mgo.ErrNotFound {
		return river.Position{}, false, nil
	} else if err != nil {
		return river.Position{}, false, errors.Annotatef(err, "getting checkpoint %q", key)
	}
	return river.PositionFromTimestamp(doc.Timestamp), true, nil
}

// PutCheckpoint is part of Store.
func (s *MongoStore) PutCheckpoint(_ context.Context, key string, pos river.Position) error {
	coll, closer := s.coll()
	defer closer()

	_, err := coll.UpsertId(key, bson.D{
		{"$max", bson.D{{"ts", pos.Timestamp()}}},
	})
	return errors.Annotatef(err, "putting checkpoint %q", key)
}

// Checkpoints is part of Store.
func (s *MongoStore) Checkpoints(_ context.Context, prefix string) ([]river.Checkpoint, error) {
	coll, closer := s.coll()
	defer closer()

	var docs []checkpointDoc
	if err := coll.Find(prefixQuery(prefix)).Sort("_id").All(&docs); err != nil {
		return nil, errors.Annotatef(err, "listing checkpoints %q", prefix)
	}
	out := make([]river.Checkpoint, len(docs))
	for i, doc := range docs {
		out[i] = river.Checkpoint{
			Namespace: doc.Key,
			Position:  river.PositionFromTimestamp(doc.Timestamp),
		}
	}
	return out, nil
}

// DeleteCheckpoints is part of Store.
func (s *MongoStore) DeleteCheckpoints(_ context.Context, prefix string) error {
	coll, closer := s.coll()
	defer closer()

	_, err := coll.RemoveAll(prefixQuery(prefix))
	return errors.Annotatef(err, "deleting checkpoints %q", prefix)
}

func prefixQuery(prefix string) bson.D {
	return bson.D{{"_id", bson.RegEx{Pattern: "^" + regexp.QuoteMeta(prefix)}}}
}
