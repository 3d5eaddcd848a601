// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tailer

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mongoriver/core/river"
)

// Oplog operation codes.
const (
	opInsert  = "i"
	opUpdate  = "u"
	opDelete  = "d"
	opNoop    = "n"
	opCommand = "c"
)

// Entry is a single oplog document.
type Entry struct {
	Timestamp   bson.MongoTimestamp `bson:"ts"`
	Operation   string              `bson:"op"`
	Namespace   string              `bson:"ns"`
	Object      bson.M              `bson:"o"`
	Object2     bson.M              `bson:"o2,omitempty"`
	FromMigrate bool                `bson:"fromMigrate,omitempty"`
}

// Attachment is a GridFS file loaded for indexing.
type Attachment struct {
	Filename    string
	ContentType string
	MD5         string
	Length      int64
	UploadDate  time.Time
	Metadata    bson.M
	Content     []byte
}

// Payload returns the document indexed for the attachment.
func (a Attachment) Payload() map[string]interface{} {
	payload := map[string]interface{}{
		"content":     a.Content,
		"filename":    a.Filename,
		"contentType": a.ContentType,
		"md5":         a.MD5,
		"length":      a.Length,
		"uploadDate":  a.UploadDate,
	}
	if len(a.Metadata) > 0 {
		payload["metadata"] = map[string]interface{}(a.Metadata)
	}
	return payload
}

// Documents loads the current state of source documents.
type Documents interface {
	// FindDocument returns the document with the given id, and an error
	// satisfying errors.IsNotFound when it no longer exists.
	FindDocument(collection string, id interface{}) (bson.M, error)

	// ReadFile loads a GridFS file by id.
	ReadFile(id interface{}) (Attachment, error)
}

// translator turns oplog entries for one namespace into change events.
type translator struct {
	database   string
	collection string
	namespace  string
	gridFS     bool
	checkpoint string
	docs       Documents
}

// translate returns the event for the entry, and false if the entry does
// not produce one. A drop of the followed collection or its database is
// reported as river.ErrSourceDropped.
func (t translator) translate(entry Entry) (river.ChangeEvent, bool, error) {
	if entry.FromMigrate {
		return river.ChangeEvent{}, false, nil
	}

	event := river.ChangeEvent{
		Position:   river.PositionFromTimestamp(entry.Timestamp),
		Collection: t.collection,
		Attachment: t.gridFS,
		Checkpoint: t.checkpoint,
	}

	switch entry.Operation {
	case opNoop:
		event.Operation = river.NoOp
		event.Attachment = false
		return event, true, nil

	case opCommand:
		return river.ChangeEvent{}, false, t.command(entry)
	}

	if entry.Namespace != t.namespace {
		return river.ChangeEvent{}, false, nil
	}

	switch entry.Operation {
	case opInsert:
		event.Operation = river.Insert
		event.ID = entry.Object["_id"]
		if t.gridFS {
			return t.attachment(event)
		}
		event.Payload = map[string]interface{}(entry.Object)

	case opUpdate:
		event.Operation = river.Update
		event.ID = entry.Object2["_id"]
		if event.ID == nil {
			return river.ChangeEvent{}, false, errors.NotValidf("update at %v without _id", event.Position)
		}
		if t.gridFS {
			// File contents never change in place; metadata updates are
			// ignored.
			return river.ChangeEvent{}, false, nil
		}
		if !hasModifiers(entry.Object) {
			event.Payload = map[string]interface{}(entry.Object)
			if _, ok := event.Payload["_id"]; !ok {
				event.Payload["_id"] = event.ID
			}
			break
		}
		doc, err := t.docs.FindDocument(t.collection, event.ID)
		if errors.Is(err, errors.NotFound) {
			// Deleted since; a later delete entry will follow.
			return river.ChangeEvent{}, false, nil
		} else if err != nil {
			return river.ChangeEvent{}, false, errors.Annotatef(err, "fetching updated document %v", event.ID)
		}
		event.Payload = map[string]interface{}(doc)

	case opDelete:
		event.Operation = river.Delete
		event.ID = entry.Object["_id"]

	default:
		return river.ChangeEvent{}, false, nil
	}

	if event.ID == nil {
		return river.ChangeEvent{}, false, errors.NotValidf("%s at %v without _id", event.Operation, event.Position)
	}
	return event, true, nil
}

func (t translator) attachment(event river.ChangeEvent) (river.ChangeEvent, bool, error) {
	file, err := t.docs.ReadFile(event.ID)
	if errors.Is(err, errors.NotFound) {
		return river.ChangeEvent{}, false, nil
	} else if err != nil {
		return river.ChangeEvent{}, false, errors.Annotatef(err, "reading file %v", event.ID)
	}
	event.Payload = file.Payload()
	return event, true, nil
}

// command reports drops of the followed collection or its database.
func (t translator) command(entry Entry) error {
	if entry.Namespace != t.database+".$cmd" {
		return nil
	}
	if _, ok := entry.Object["dropDatabase"]; ok {
		return errors.Annotatef(river.ErrSourceDropped, "database %q", t.database)
	}
	if dropped, ok := entry.Object["drop"].(string); ok && dropped == t.collection {
		return errors.Annotatef(river.ErrSourceDropped, "collection %q", t.namespace)
	}
	return nil
}

func hasModifiers(doc bson.M) bool {
	for key := range doc {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}
