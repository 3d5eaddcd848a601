// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package elastic

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongoriver/core/river"
)

type bulkSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&bulkSuite{})

func (s *bulkSuite) TestDocumentID(c *gc.C) {
	c.Check(DocumentID(bson.ObjectIdHex("5f1b2c3d4e5f6a7b8c9d0e1f")), gc.Equals, "5f1b2c3d4e5f6a7b8c9d0e1f")
	c.Check(DocumentID("o1"), gc.Equals, "o1")
	c.Check(DocumentID(42), gc.Equals, "42")
}

func (s *bulkSuite) TestEncodeBulk(c *gc.C) {
	body, err := encodeBulk("shop", []river.ChangeEvent{{
		Operation: river.Insert,
		ID:        "o1",
		Payload:   map[string]interface{}{"_id": "o1", "total": 12},
	}, {
		Operation: river.NoOp,
	}, {
		Operation: river.Delete,
		ID:        "o2",
	}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), gc.Equals, ""+
		`{"index":{"_index":"shop","_id":"o1"}}`+"\n"+
		`{"total":12}`+"\n"+
		`{"delete":{"_index":"shop","_id":"o2"}}`+"\n")
}

func (s *bulkSuite) TestEncodeBulkUnknownOperation(c *gc.C) {
	_, err := encodeBulk("shop", []river.ChangeEvent{{Operation: "upsert", ID: "o1"}})
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}

func (s *bulkSuite) TestItemFailures(c *gc.C) {
	retry, rejected := itemFailures(bulkResponse{
		Errors: true,
		Items: []map[string]bulkItemOutcome{
			{"index": {ID: "a", Status: 201}},
			{"delete": {ID: "b", Status: 404}},
			{"index": {ID: "c", Status: 429}},
			{"index": {ID: "d", Status: 400, Error: []byte(`{"type":"mapper_parsing_exception"}`)}},
		},
	})
	c.Check(retry, jc.DeepEquals, []string{"index c: 429"})
	c.Check(rejected, jc.DeepEquals, []string{`index d: 400 {"type":"mapper_parsing_exception"}`})
}
