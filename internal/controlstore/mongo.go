// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlstore

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
)

const (
	// RiversC holds one document per river.
	RiversC = "rivers"

	// AuditC holds the reconfiguration audit trail.
	AuditC = "riverAudit"
)

// riverDoc is the persistent form of a river. Status and signal share the
// document so that a single read observes both.
type riverDoc struct {
	Name       string              `bson:"_id"`
	Definition river.Definition    `bson:"definition"`
	Desired    status.Status       `bson:"status"`
	Signal     status.ConfigSignal `bson:"signal"`
}

type snapshotDoc struct {
	Desired status.Status       `bson:"status"`
	Signal  status.ConfigSignal `bson:"signal"`
}

// MongoStore is a Store backed by a mongo database.
type MongoStore struct {
	session  *mgo.Session
	database string
	clock    clock.Clock
}

// NewMongoStore returns a store in the given database. The session is
// copied per operation and is not closed by the store.
func NewMongoStore(session *mgo.Session, database string, clk clock.Clock) (*MongoStore, error) {
	if session == nil {
		return nil, errors.NotValidf("nil session")
	}
	if database == "" {
		return nil, errors.NotValidf("empty database")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	return &MongoStore{session: session, database: database, clock: clk}, nil
}

// EnsureIndexes creates the indexes the store relies on.
func (s *MongoStore) EnsureIndexes() error {
	audit, closer := s.collection(AuditC)
	defer closer()
	return errors.Annotate(audit.EnsureIndex(mgo.Index{
		Key: []string{"river", "timestamp"},
	}), "ensuring audit index")
}

func (s *MongoStore) collection(name string) (*mgo.Collection, func()) {
	session := s.session.Copy()
	return session.DB(s.database).C(name), session.Close
}

func notFound(err error, name string) error {
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("river %q", name)
	}
	return errors.Annotatef(err, "river %q", name)
}

// Snapshot is part of Store.
func (s *MongoStore) Snapshot(_ context.Context, name string) (status.Snapshot, error) {
	rivers, closer := s.collection(RiversC)
	defer closer()

	var doc snapshotDoc
	err := rivers.FindId(name).Select(bson.M{"status": 1, "signal": 1}).One(&doc)
	if err != nil {
		return status.Snapshot{}, notFound(err, name)
	}
	return status.Snapshot{Desired: doc.Desired, Signal: doc.Signal}, nil
}

// GetDesiredStatus is part of Store.
func (s *MongoStore) GetDesiredStatus(ctx context.Context, name string) (status.Status, error) {
	snapshot, err := s.Snapshot(ctx, name)
	if err != nil {
		return status.Unknown, errors.Trace(err)
	}
	return snapshot.Desired, nil
}

// SetDesiredStatus is part of Store.
func (s *MongoStore) SetDesiredStatus(_ context.Context, name string, desired status.Status) error {
	if !desired.IsDesired() {
		return errors.NotValidf("desired status %q", desired)
	}
	return s.update(name, bson.D{{"$set", bson.D{{"status", desired}}}})
}

// GetConfigSignal is part of Store.
func (s *MongoStore) GetConfigSignal(ctx context.Context, name string) (status.ConfigSignal, error) {
	snapshot, err := s.Snapshot(ctx, name)
	if err != nil {
		return status.SignalNormal, errors.Trace(err)
	}
	return snapshot.Signal, nil
}

// RaiseConfigSignal is part of Store.
func (s *MongoStore) RaiseConfigSignal(_ context.Context, name string) error {
	return s.update(name, bson.D{{"$set", bson.D{{"signal", status.SignalUpdate}}}})
}

// ClearConfigSignal is part of Store.
func (s *MongoStore) ClearConfigSignal(_ context.Context, name string) error {
	return s.update(name, bson.D{{"$set", bson.D{{"signal", status.SignalNormal}}}})
}

func (s *MongoStore) update(name string, change bson.D) error {
	rivers, closer := s.collection(RiversC)
	defer closer()

	if err := rivers.UpdateId(name, change); err != nil {
		return notFound(err, name)
	}
	return nil
}

// GetDefinition is part of Store.
func (s *MongoStore) GetDefinition(_ context.Context, name string) (river.Definition, error) {
	rivers, closer := s.collection(RiversC)
	defer closer()

	var doc riverDoc
	if err := rivers.FindId(name).One(&doc); err != nil {
		return river.Definition{}, notFound(err, name)
	}
	return doc.Definition, nil
}

// PutDefinition is part of Store.
func (s *MongoStore) PutDefinition(_ context.Context, def river.Definition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return errors.Trace(err)
	}
	rivers, closer := s.collection(RiversC)
	defer closer()

	_, err := rivers.UpsertId(def.Name, bson.D{
		{"$set", bson.D{{"definition", def}}},
		{"$setOnInsert", bson.D{
			{"status", status.Pending},
			{"signal", status.SignalNormal},
		}},
	})
	return errors.Annotatef(err, "putting river %q", def.Name)
}

// UpdateServers is part of Store.
func (s *MongoStore) UpdateServers(_ context.Context, name string, servers []river.ServerAddress) error {
	if len(servers) == 0 {
		return errors.NotValidf("empty server list")
	}
	return s.update(name, bson.D{{"$set", bson.D{{"definition.servers", servers}}}})
}

// RecordAudit is part of Store.
func (s *MongoStore) RecordAudit(_ context.Context, entry AuditEntry) error {
	audit, closer := s.collection(AuditC)
	defer closer()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now().UTC()
	}
	return errors.Annotatef(audit.Insert(entry), "recording audit for river %q", entry.River)
}

// AuditHistory is part of Store.
func (s *MongoStore) AuditHistory(_ context.Context, name string) ([]AuditEntry, error) {
	audit, closer := s.collection(AuditC)
	defer closer()

	var entries []AuditEntry
	if err := audit.Find(bson.D{{"river", name}}).Sort("timestamp", "_id").All(&entries); err != nil {
		return nil, errors.Annotatef(err, "reading audit for river %q", name)
	}
	return entries, nil
}

// ListPipelines is part of Store.
func (s *MongoStore) ListPipelines(context.Context) ([]string, error) {
	rivers, closer := s.collection(RiversC)
	defer closer()

	var docs []struct {
		Name string `bson:"_id"`
	}
	if err := rivers.Find(nil).Select(bson.M{"_id": 1}).Sort("_id").All(&docs); err != nil {
		return nil, errors.Annotate(err, "listing rivers")
	}
	names := make([]string, len(docs))
	for i, doc := range docs {
		names[i] = doc.Name
	}
	return names, nil
}

// DeletePipeline is part of Store.
func (s *MongoStore) DeletePipeline(_ context.Context, name string) error {
	rivers, closer := s.collection(RiversC)
	defer closer()

	if err := rivers.RemoveId(name); err != nil {
		return notFound(err, name)
	}
	_, err := rivers.Database.C(AuditC).RemoveAll(bson.D{{"river", name}})
	return errors.Annotatef(err, "removing audit for river %q", name)
}
