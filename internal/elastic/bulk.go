// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package elastic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/mongoriver/core/river"
)

type bulkAction map[string]bulkMeta

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// DocumentID returns the target id of a source document id.
func DocumentID(id interface{}) string {
	switch id := id.(type) {
	case bson.ObjectId:
		return id.Hex()
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

// encodeBulk renders events as a bulk request body. Inserts and updates
// are full document index requests, so replays are idempotent.
func encodeBulk(index string, events []river.ChangeEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		meta := bulkMeta{Index: index, ID: DocumentID(event.ID)}
		switch event.Operation {
		case river.Insert, river.Update:
			if err := enc.Encode(bulkAction{"index": meta}); err != nil {
				return nil, errors.Trace(err)
			}
			if err := enc.Encode(documentBody(event.Payload)); err != nil {
				return nil, errors.Annotatef(err, "encoding document %s", meta.ID)
			}
		case river.Delete:
			if err := enc.Encode(bulkAction{"delete": meta}); err != nil {
				return nil, errors.Trace(err)
			}
		case river.NoOp:
		default:
			return nil, errors.NotValidf("operation %q", event.Operation)
		}
	}
	return buf.Bytes(), nil
}

// documentBody drops the metadata field the index does not accept in a
// document source.
func documentBody(payload map[string]interface{}) map[string]interface{} {
	body := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == "_id" {
			continue
		}
		body[k] = v
	}
	return body
}

// itemFailures splits failed bulk items into those worth retrying and the
// rest.
func itemFailures(resp bulkResponse) (retry, rejected []string) {
	for _, item := range resp.Items {
		for action, outcome := range item {
			switch {
			case outcome.Status < 300:
			case action == "delete" && outcome.Status == http.StatusNotFound:
			case outcome.Status == http.StatusTooManyRequests || outcome.Status >= 500:
				retry = append(retry, fmt.Sprintf("%s %s: %d", action, outcome.ID, outcome.Status))
			default:
				rejected = append(rejected, fmt.Sprintf("%s %s: %d %s", action, outcome.ID, outcome.Status, outcome.Error))
			}
		}
	}
	return retry, rejected
}
