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

type addressSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&addressSuite{})

func (s *addressSuite) TestParseServers(c *gc.C) {
	servers, err := river.ParseServers("10.20.15.11:27017, mongo-2:27018,mongo-3")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(servers, jc.DeepEquals, []river.ServerAddress{
		{Host: "10.20.15.11", Port: 27017},
		{Host: "mongo-2", Port: 27018},
		{Host: "mongo-3", Port: 27017},
	})
}

func (s *addressSuite) TestParseServersInvalid(c *gc.C) {
	_, err := river.ParseServers("mongo-1:port")
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = river.ParseServers(" , ")
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = river.ParseServers("mongo-1:70000")
	c.Check(err, gc.ErrorMatches, `server address "mongo-1:70000": server port 70000 not valid`)
}

func (s *addressSuite) TestParseShardHost(c *gc.C) {
	name, servers, err := river.ParseShardHost("rs0/a:27017,b:27018")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(name, gc.Equals, "rs0")
	c.Check(servers, jc.DeepEquals, []river.ServerAddress{
		{Host: "a", Port: 27017},
		{Host: "b", Port: 27018},
	})

	name, servers, err = river.ParseShardHost("c:27019")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(name, gc.Equals, "")
	c.Check(servers, gc.HasLen, 1)
}

func (s *addressSuite) TestServerSetIgnoresOrder(c *gc.C) {
	a := river.NewServerSet(
		river.ServerAddress{Host: "a", Port: 1},
		river.ServerAddress{Host: "b", Port: 2},
	)
	b := river.NewServerSet(
		river.ServerAddress{Host: "b", Port: 2},
		river.ServerAddress{Host: "a", Port: 1},
	)
	c.Check(a.Equals(b), jc.IsTrue)
	c.Check(a.String(), gc.Equals, "{a:1,b:2}")
}

func (s *addressSuite) TestServerSetNormalizesLocalhost(c *gc.C) {
	a := river.NewServerSet(river.ServerAddress{Host: "localhost", Port: 27017})
	b := river.NewServerSet(river.ServerAddress{Host: "127.0.0.1", Port: 27017})
	c.Check(a.Equals(b), jc.IsTrue)
	c.Check(a.IsLoopbackPlaceholder(), jc.IsTrue)
}

func (s *addressSuite) TestServerSetDiffers(c *gc.C) {
	a := river.NewServerSet(
		river.ServerAddress{Host: "a", Port: 1},
		river.ServerAddress{Host: "b", Port: 2},
	)
	b := river.NewServerSet(
		river.ServerAddress{Host: "a", Port: 1},
		river.ServerAddress{Host: "b", Port: 2},
		river.ServerAddress{Host: "c", Port: 3},
	)
	c.Check(a.Equals(b), jc.IsFalse)
	c.Check(b.Equals(a), jc.IsFalse)
	c.Check(river.ServerSet{}.IsEmpty(), jc.IsTrue)
	c.Check(a.IsLoopbackPlaceholder(), jc.IsFalse)
}
