// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tailer

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/internal/mongo"
)

const (
	oplogDatabase   = "local"
	oplogCollection = "oplog.rs"
)

// Source is an open oplog cursor for one shard.
type Source interface {
	Documents

	// Next returns the next entry. It returns false, with no error, when
	// no entry arrived within the tail timeout.
	Next() (Entry, bool, error)

	// Close releases the cursor and its session. It is safe to call from
	// another goroutine to unblock Next.
	Close() error
}

// SourceParams describes the cursor to open.
type SourceParams struct {
	Servers     []river.ServerAddress
	Database    string
	Namespace   string
	GridFS      bool
	Collection  string
	Start       river.Position
	TailTimeout time.Duration
	SecondaryOK bool
}

// OpenSourceFunc opens a Source.
type OpenSourceFunc func(SourceParams) (Source, error)

// NewMongoSourceOpener returns an OpenSourceFunc reading a real oplog.
func NewMongoSourceOpener(opts mongo.DialOpts) OpenSourceFunc {
	return func(params SourceParams) (Source, error) {
		opts := opts
		opts.SecondaryOK = params.SecondaryOK
		session, err := mongo.Dial(params.Servers, opts)
		if err != nil {
			return nil, errors.Trace(err)
		}
		src, err := newMongoSource(session, params)
		if err != nil {
			session.Close()
			return nil, errors.Trace(err)
		}
		return src, nil
	}
}

type mongoSource struct {
	params SourceParams

	mu      sync.Mutex
	session *mgo.Session
	iter    *mgo.Iter
	closed  bool
}

func newMongoSource(session *mgo.Session, params SourceParams) (*mongoSource, error) {
	oplog := session.DB(oplogDatabase).C(oplogCollection)

	start := params.Start
	if start.IsZero() {
		// Without a position, follow changes from now on.
		var last Entry
		err := oplog.Find(nil).Sort("-$natural").One(&last)
		if err != nil && err != mgo.ErrNotFound {
			return nil, errors.Annotate(err, "reading last oplog entry")
		}
		start = river.PositionFromTimestamp(last.Timestamp)
	}

	query := bson.D{
		{"ts", bson.D{{"$gt", start.Timestamp()}}},
		{"$or", []bson.D{
			{{"ns", bson.D{{"$in", []string{params.Namespace, params.Database + ".$cmd"}}}}},
			{{"op", opNoop}},
		}},
	}
	iter := oplog.Find(query).LogReplay().Tail(params.TailTimeout)
	return &mongoSource{
		params:  params,
		session: session,
		iter:    iter,
	}, nil
}

// Next is part of Source.
func (s *mongoSource) Next() (Entry, bool, error) {
	var entry Entry
	if s.iter.Next(&entry) {
		return entry, true, nil
	}
	if s.iter.Timeout() {
		return Entry{}, false, nil
	}
	if err := s.iter.Err(); err != nil {
		return Entry{}, false, errors.Annotate(err, "tailing oplog")
	}
	return Entry{}, false, errors.New("oplog cursor closed")
}

// FindDocument is part of Documents.
func (s *mongoSource) FindDocument(collection string, id interface{}) (bson.M, error) {
	var doc bson.M
	err := s.session.DB(s.params.Database).C(collection).FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("document %v", id)
	}
	return doc, errors.Trace(err)
}

// ReadFile is part of Documents.
func (s *mongoSource) ReadFile(id interface{}) (Attachment, error) {
	prefix := strings.TrimSuffix(s.params.Collection, ".files")
	file, err := s.session.DB(s.params.Database).GridFS(prefix).OpenId(id)
	if err == mgo.ErrNotFound {
		return Attachment{}, errors.NotFoundf("file %v", id)
	} else if err != nil {
		return Attachment{}, errors.Trace(err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return Attachment{}, errors.Annotatef(err, "reading file %v", id)
	}
	var meta bson.M
	if err := file.GetMeta(&meta); err != nil {
		return Attachment{}, errors.Annotatef(err, "reading metadata of file %v", id)
	}
	return Attachment{
		Filename:    file.Name(),
		ContentType: file.ContentType(),
		MD5:         file.MD5(),
		Length:      file.Size(),
		UploadDate:  file.UploadDate(),
		Metadata:    meta,
		Content:     content,
	}, nil
}

// Close is part of Source.
func (s *mongoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.iter.Close()
	s.session.Close()
	if err != nil && !strings.Contains(err.Error(), "Closed explicitly") {
		return errors.Trace(err)
	}
	return nil
}
