// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package river_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongoriver/core/river"
)

type definitionSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&definitionSuite{})

func minimalDefinition() river.Definition {
	return river.Definition{
		Name:       "orders",
		Servers:    []river.ServerAddress{{Host: "mongo-1", Port: 27017}},
		Database:   "Shop",
		Collection: "orders",
	}
}

func (s *definitionSuite) TestDefaults(c *gc.C) {
	def := minimalDefinition().WithDefaults()
	c.Check(def.Index, gc.Equals, "shop")
	c.Check(def.Type, gc.Equals, "orders")
	c.Check(def.ThrottleSize, gc.Equals, river.DefaultThrottleSize)
	c.Check(def.BulkSize, gc.Equals, river.DefaultBulkSize)
	c.Check(def.FlushInterval, gc.Equals, river.DefaultFlushInterval)
	c.Check(def.Sharding, gc.Equals, river.ShardingAuto)
	c.Check(def.Validate(), jc.ErrorIsNil)
}

func (s *definitionSuite) TestValidateErrors(c *gc.C) {
	tests := []struct {
		mutate   func(*river.Definition)
		expected string
	}{{
		mutate:   func(d *river.Definition) { d.Name = "" },
		expected: "empty river name not valid",
	}, {
		mutate:   func(d *river.Definition) { d.Name = "a/b" },
		expected: `river name "a/b" not valid`,
	}, {
		mutate:   func(d *river.Definition) { d.Servers = nil },
		expected: `river "orders" with no servers not valid`,
	}, {
		mutate:   func(d *river.Definition) { d.ThrottleSize = -2 },
		expected: `river "orders" throttle size -2 not valid`,
	}, {
		mutate:   func(d *river.Definition) { d.Sharding = "maybe" },
		expected: `sharding mode "maybe" not valid`,
	}}
	for i, test := range tests {
		c.Logf("test %d", i)
		def := minimalDefinition().WithDefaults()
		test.mutate(&def)
		err := def.Validate()
		c.Check(err, gc.ErrorMatches, test.expected)
		c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
	}
}

func (s *definitionSuite) TestUnboundedThrottleIsValid(c *gc.C) {
	def := minimalDefinition()
	def.ThrottleSize = river.UnboundedThrottle
	c.Check(def.WithDefaults().Validate(), jc.ErrorIsNil)
}

func (s *definitionSuite) TestWithServersCopies(c *gc.C) {
	def := minimalDefinition()
	next := def.WithServers([]river.ServerAddress{{Host: "mongo-2", Port: 27017}})
	c.Check(def.Servers[0].Host, gc.Equals, "mongo-1")
	c.Check(next.Servers[0].Host, gc.Equals, "mongo-2")

	next.Servers[0].Host = "mutated"
	c.Check(def.Servers[0].Host, gc.Equals, "mongo-1")
}

func (s *definitionSuite) TestNamespaces(c *gc.C) {
	def := minimalDefinition()
	c.Check(def.OplogNamespace(), gc.Equals, "Shop.orders")
	c.Check(def.CheckpointKey(""), gc.Equals, "orders//Shop.orders")
	c.Check(def.CheckpointKey("rs1"), gc.Equals, "orders/rs1/Shop.orders")

	def.GridFS = true
	c.Check(def.SourceCollection(), gc.Equals, "orders.files")
	c.Check(def.OplogNamespace(), gc.Equals, "Shop.orders.files")
}
