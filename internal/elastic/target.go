// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package elastic writes river changes to an Elasticsearch index.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/juju/errors"

	"github.com/juju/mongoriver/core/river"
)

// AttachmentPipeline is the ingest pipeline extracting GridFS file content.
const AttachmentPipeline = "mongoriver-attachment"

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// Config holds the connection settings of a Client.
type Config struct {
	Addresses []string
	Username  string
	Password  string

	// Transport replaces the HTTP transport, for tests.
	Transport http.RoundTripper

	Logger Logger
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.NotValidf("empty Addresses")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client is a connection to an Elasticsearch cluster shared by every
// river of an agent.
type Client struct {
	es     *elasticsearch.Client
	logger Logger
}

// NewClient returns a client for the cluster.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
		Transport: config.Transport,
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating elasticsearch client")
	}
	return &Client{es: es, logger: config.Logger}, nil
}

// Target returns the target for a river definition.
func (c *Client) Target(def river.Definition) *Target {
	return &Target{
		client:     c,
		river:      def.Name,
		index:      def.Index,
		attachment: def.GridFS,
	}
}

// IndexCount returns the number of documents in the river's index.
func (c *Client) IndexCount(ctx context.Context, def river.Definition) (int64, error) {
	return c.Target(def).Count(ctx)
}

// Target is the index of one river.
type Target struct {
	client     *Client
	river      string
	index      string
	attachment bool
}

// Index returns the index name.
func (t *Target) Index() string {
	return t.index
}

// EnsureIndex creates the index if it does not exist. Attachment indexes
// also get the ingest pipeline that extracts file content.
func (t *Target) EnsureIndex(ctx context.Context) error {
	es := t.client.es
	res, err := es.Indices.Exists([]string{t.index}, es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errors.Annotatef(err, "checking index %q", t.index)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return errors.Errorf("checking index %q: %s", t.index, res.Status())
	}

	if t.attachment {
		if err := t.ensurePipeline(ctx); err != nil {
			return errors.Trace(err)
		}
	}

	body, err := json.Marshal(indexBody(t.attachment))
	if err != nil {
		return errors.Trace(err)
	}
	res, err = es.Indices.Create(t.index,
		es.Indices.Create.WithBody(bytes.NewReader(body)),
		es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return errors.Annotatef(err, "creating index %q", t.index)
	}
	defer drain(res)
	if res.IsError() {
		reply := res.String()
		if res.StatusCode == http.StatusBadRequest && strings.Contains(reply, "resource_already_exists_exception") {
			return nil
		}
		return errors.Errorf("creating index %q: %s", t.index, reply)
	}
	t.client.logger.Infof("river %q created index %q", t.river, t.index)
	return nil
}

func (t *Target) ensurePipeline(ctx context.Context) error {
	es := t.client.es
	body, err := json.Marshal(map[string]interface{}{
		"description": "Extracts GridFS file content",
		"processors": []interface{}{
			map[string]interface{}{
				"attachment": map[string]interface{}{
					"field":          "content",
					"target_field":   "attachment",
					"ignore_missing": true,
					"remove_binary":  false,
				},
			},
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	res, err := es.Ingest.PutPipeline(AttachmentPipeline, bytes.NewReader(body),
		es.Ingest.PutPipeline.WithContext(ctx),
	)
	if err != nil {
		return errors.Annotate(err, "installing attachment pipeline")
	}
	defer drain(res)
	if res.IsError() {
		return errors.Errorf("installing attachment pipeline: %s", res.String())
	}
	return nil
}

func indexBody(attachment bool) map[string]interface{} {
	if !attachment {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"index.default_pipeline": AttachmentPipeline,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"content":     map[string]string{"type": "binary"},
				"filename":    map[string]string{"type": "keyword"},
				"contentType": map[string]string{"type": "keyword"},
				"md5":         map[string]string{"type": "keyword"},
				"length":      map[string]string{"type": "long"},
				"uploadDate":  map[string]string{"type": "date"},
			},
		},
	}
}

// Apply is part of indexer.Target. Rejected items are logged and dropped;
// throttled items and server failures fail the whole bulk so it is
// retried.
func (t *Target) Apply(ctx context.Context, events []river.ChangeEvent) error {
	body, err := encodeBulk(t.index, events)
	if err != nil {
		return errors.Trace(err)
	}
	if len(body) == 0 {
		return nil
	}

	es := t.client.es
	res, err := es.Bulk(bytes.NewReader(body),
		es.Bulk.WithIndex(t.index),
		es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return errors.Annotatef(err, "bulk request to %q", t.index)
	}
	defer drain(res)

	if res.IsError() {
		if res.StatusCode == http.StatusBadRequest {
			return errors.NotValidf("bulk request to %q: %s", t.index, res.String())
		}
		return errors.Errorf("bulk request to %q: %s", t.index, res.Status())
	}

	var resp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return errors.Annotate(err, "decoding bulk response")
	}
	if !resp.Errors {
		return nil
	}
	retry, rejected := itemFailures(resp)
	for _, failure := range rejected {
		t.client.logger.Warningf("river %q dropped %s", t.river, failure)
	}
	if len(retry) > 0 {
		return errors.Errorf("%d bulk items need retrying: %s", len(retry), strings.Join(retry, ", "))
	}
	return nil
}

// Count returns the number of documents in the index.
func (t *Target) Count(ctx context.Context) (int64, error) {
	es := t.client.es
	res, err := es.Count(es.Count.WithIndex(t.index), es.Count.WithContext(ctx))
	if err != nil {
		return 0, errors.Annotatef(err, "counting %q", t.index)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return 0, errors.NotFoundf("index %q", t.index)
	}
	if res.IsError() {
		return 0, errors.Errorf("counting %q: %s", t.index, res.Status())
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, errors.Annotate(err, "decoding count response")
	}
	return out.Count, nil
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
