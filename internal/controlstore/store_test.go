// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlstore_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
	"github.com/juju/mongoriver/internal/controlstore"
)

// storeSuite runs the same behaviour checks against every store.
type storeSuite struct {
	testing.IsolationSuite

	newStore func(c *gc.C) controlstore.Store
	store    controlstore.Store
	ctx      context.Context
}

func (s *storeSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.ctx = context.Background()
	s.store = s.newStore(c)
}

type memorySuite struct {
	storeSuite
}

var _ = gc.Suite(&memorySuite{storeSuite{
	newStore: func(*gc.C) controlstore.Store {
		return controlstore.NewMemoryStore()
	},
}})

func (s *storeSuite) putRiver(c *gc.C, name string) {
	err := s.store.PutDefinition(s.ctx, river.Definition{
		Name:       name,
		Servers:    []river.ServerAddress{{Host: "a", Port: 27017}},
		Database:   "shop",
		Collection: "orders",
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *storeSuite) TestNewRiverIsPending(c *gc.C) {
	s.putRiver(c, "orders")

	snapshot, err := s.store.Snapshot(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(snapshot, gc.Equals, status.Snapshot{
		Desired: status.Pending,
		Signal:  status.SignalNormal,
	})

	def, err := s.store.GetDefinition(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(def.Index, gc.Equals, "shop")
	c.Check(def.ThrottleSize, gc.Equals, river.DefaultThrottleSize)
}

func (s *storeSuite) TestPutDefinitionKeepsStatus(c *gc.C) {
	s.putRiver(c, "orders")
	c.Assert(s.store.SetDesiredStatus(s.ctx, "orders", status.Running), jc.ErrorIsNil)

	s.putRiver(c, "orders")

	desired, err := s.store.GetDesiredStatus(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(desired, gc.Equals, status.Running)
}

func (s *storeSuite) TestPutDefinitionInvalid(c *gc.C) {
	err := s.store.PutDefinition(s.ctx, river.Definition{Name: "orders"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *storeSuite) TestMissingRiver(c *gc.C) {
	_, err := s.store.Snapshot(s.ctx, "nope")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	_, err = s.store.GetDefinition(s.ctx, "nope")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	err = s.store.SetDesiredStatus(s.ctx, "nope", status.Running)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	err = s.store.RaiseConfigSignal(s.ctx, "nope")
	c.Check(err, gc.ErrorMatches, `river "nope" not found`)
	err = s.store.DeletePipeline(s.ctx, "nope")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *storeSuite) TestStartingIsNotDesired(c *gc.C) {
	s.putRiver(c, "orders")
	err := s.store.SetDesiredStatus(s.ctx, "orders", status.Starting)
	c.Check(err, gc.ErrorMatches, `desired status "starting" not valid`)
}

func (s *storeSuite) TestConfigSignal(c *gc.C) {
	s.putRiver(c, "orders")

	c.Assert(s.store.RaiseConfigSignal(s.ctx, "orders"), jc.ErrorIsNil)
	signal, err := s.store.GetConfigSignal(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(signal, gc.Equals, status.SignalUpdate)

	c.Assert(s.store.ClearConfigSignal(s.ctx, "orders"), jc.ErrorIsNil)
	signal, err = s.store.GetConfigSignal(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(signal, gc.Equals, status.SignalNormal)
}

func (s *storeSuite) TestUpdateServers(c *gc.C) {
	s.putRiver(c, "orders")

	servers := []river.ServerAddress{{Host: "b", Port: 1}, {Host: "c", Port: 2}}
	c.Assert(s.store.UpdateServers(s.ctx, "orders", servers), jc.ErrorIsNil)
	servers[0].Host = "mutated"

	def, err := s.store.GetDefinition(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(def.Servers, jc.DeepEquals, []river.ServerAddress{{Host: "b", Port: 1}, {Host: "c", Port: 2}})

	err = s.store.UpdateServers(s.ctx, "orders", nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *storeSuite) TestAuditAndDelete(c *gc.C) {
	s.putRiver(c, "orders")
	s.putRiver(c, "users")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, name := range []string{"orders", "users", "orders"} {
		err := s.store.RecordAudit(s.ctx, controlstore.AuditEntry{
			River:     name,
			From:      []river.ServerAddress{{Host: "a", Port: 1}},
			To:        []river.ServerAddress{{Host: "b", Port: 1}},
			Timestamp: now,
		})
		c.Assert(err, jc.ErrorIsNil)
	}

	history, err := s.store.AuditHistory(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(history, gc.HasLen, 2)

	names, err := s.store.ListPipelines(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(names, jc.DeepEquals, []string{"orders", "users"})

	c.Assert(s.store.DeletePipeline(s.ctx, "orders"), jc.ErrorIsNil)

	names, err = s.store.ListPipelines(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(names, jc.DeepEquals, []string{"users"})

	history, err = s.store.AuditHistory(s.ctx, "orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(history, gc.HasLen, 0)
	history, err = s.store.AuditHistory(s.ctx, "users")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(history, gc.HasLen, 1)
}
