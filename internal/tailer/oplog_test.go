// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tailer

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongoriver/core/river"
)

type translateSuite struct {
	testing.IsolationSuite

	docs *fakeDocuments
}

var _ = gc.Suite(&translateSuite{})

func (s *translateSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.docs = &fakeDocuments{
		docs:  make(map[interface{}]bson.M),
		files: make(map[interface{}]Attachment),
	}
}

func (s *translateSuite) translator(gridFS bool) translator {
	collection := "orders"
	if gridFS {
		collection = "fs.files"
	}
	return translator{
		database:   "shop",
		collection: collection,
		namespace:  "shop." + collection,
		gridFS:     gridFS,
		checkpoint: "orders/rs0/shop." + collection,
		docs:       s.docs,
	}
}

func ts(t, i uint32) bson.MongoTimestamp {
	return river.Position{T: t, I: i}.Timestamp()
}

func (s *translateSuite) TestInsert(c *gc.C) {
	event, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(10, 1),
		Operation: "i",
		Namespace: "shop.orders",
		Object:    bson.M{"_id": "o1", "total": 12},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(event, jc.DeepEquals, river.ChangeEvent{
		Position:   river.Position{T: 10, I: 1},
		Operation:  river.Insert,
		ID:         "o1",
		Payload:    map[string]interface{}{"_id": "o1", "total": 12},
		Collection: "orders",
		Checkpoint: "orders/rs0/shop.orders",
	})
}

func (s *translateSuite) TestOtherNamespaceIgnored(c *gc.C) {
	_, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(10, 1),
		Operation: "i",
		Namespace: "shop.users",
		Object:    bson.M{"_id": "u1"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *translateSuite) TestFromMigrateIgnored(c *gc.C) {
	_, ok, err := s.translator(false).translate(Entry{
		Timestamp:   ts(10, 1),
		Operation:   "i",
		Namespace:   "shop.orders",
		Object:      bson.M{"_id": "o1"},
		FromMigrate: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *translateSuite) TestReplacementUpdate(c *gc.C) {
	event, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(10, 2),
		Operation: "u",
		Namespace: "shop.orders",
		Object:    bson.M{"total": 13},
		Object2:   bson.M{"_id": "o1"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(event.Operation, gc.Equals, river.Update)
	c.Check(event.Payload, jc.DeepEquals, map[string]interface{}{"_id": "o1", "total": 13})
}

func (s *translateSuite) TestModifierUpdateRefetches(c *gc.C) {
	s.docs.docs["o1"] = bson.M{"_id": "o1", "total": 14, "paid": true}

	event, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(10, 3),
		Operation: "u",
		Namespace: "shop.orders",
		Object:    bson.M{"$set": bson.M{"paid": true}},
		Object2:   bson.M{"_id": "o1"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(event.Payload, jc.DeepEquals, map[string]interface{}{"_id": "o1", "total": 14, "paid": true})
}

func (s *translateSuite) TestModifierUpdateOfDeletedDocument(c *gc.C) {
	_, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(10, 3),
		Operation: "u",
		Namespace: "shop.orders",
		Object:    bson.M{"$inc": bson.M{"total": 1}},
		Object2:   bson.M{"_id": "gone"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *translateSuite) TestDelete(c *gc.C) {
	event, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(10, 4),
		Operation: "d",
		Namespace: "shop.orders",
		Object:    bson.M{"_id": "o1"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(event.Operation, gc.Equals, river.Delete)
	c.Check(event.ID, gc.Equals, "o1")
	c.Check(event.Payload, gc.IsNil)
}

func (s *translateSuite) TestNoop(c *gc.C) {
	event, ok, err := s.translator(true).translate(Entry{
		Timestamp: ts(11, 0),
		Operation: "n",
		Object:    bson.M{"msg": "periodic noop"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(event.Operation, gc.Equals, river.NoOp)
	c.Check(event.Attachment, jc.IsFalse)
	c.Check(event.Checkpoint, gc.Equals, "orders/rs0/shop.fs.files")
}

func (s *translateSuite) TestDropCollection(c *gc.C) {
	_, _, err := s.translator(false).translate(Entry{
		Timestamp: ts(12, 0),
		Operation: "c",
		Namespace: "shop.$cmd",
		Object:    bson.M{"drop": "orders"},
	})
	c.Check(errors.Is(err, river.ErrSourceDropped), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `collection "shop.orders": source collection dropped`)
}

func (s *translateSuite) TestDropDatabase(c *gc.C) {
	_, _, err := s.translator(false).translate(Entry{
		Timestamp: ts(12, 0),
		Operation: "c",
		Namespace: "shop.$cmd",
		Object:    bson.M{"dropDatabase": 1},
	})
	c.Check(errors.Is(err, river.ErrSourceDropped), jc.IsTrue)
}

func (s *translateSuite) TestDropOtherCollection(c *gc.C) {
	_, ok, err := s.translator(false).translate(Entry{
		Timestamp: ts(12, 0),
		Operation: "c",
		Namespace: "shop.$cmd",
		Object:    bson.M{"drop": "users"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *translateSuite) TestGridFSInsert(c *gc.C) {
	s.docs.files["f1"] = Attachment{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		MD5:         "abc",
		Length:      3,
		Content:     []byte("pdf"),
	}

	event, ok, err := s.translator(true).translate(Entry{
		Timestamp: ts(13, 0),
		Operation: "i",
		Namespace: "shop.fs.files",
		Object:    bson.M{"_id": "f1", "filename": "report.pdf"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(event.Attachment, jc.IsTrue)
	c.Check(event.Payload["content"], jc.DeepEquals, []byte("pdf"))
	c.Check(event.Payload["filename"], gc.Equals, "report.pdf")
	c.Check(event.Payload["contentType"], gc.Equals, "application/pdf")
}

func (s *translateSuite) TestGridFSUpdateIgnored(c *gc.C) {
	_, ok, err := s.translator(true).translate(Entry{
		Timestamp: ts(13, 1),
		Operation: "u",
		Namespace: "shop.fs.files",
		Object:    bson.M{"$set": bson.M{"metadata.tag": "x"}},
		Object2:   bson.M{"_id": "f1"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

type fakeDocuments struct {
	docs  map[interface{}]bson.M
	files map[interface{}]Attachment
}

func (f *fakeDocuments) FindDocument(_ string, id interface{}) (bson.M, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, errors.NotFoundf("document %v", id)
	}
	return doc, nil
}

func (f *fakeDocuments) ReadFile(id interface{}) (Attachment, error) {
	file, ok := f.files[id]
	if !ok {
		return Attachment{}, errors.NotFoundf("file %v", id)
	}
	return file, nil
}
