// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package river

// Health describes the running generation of a river. The zero value
// describes a river with nothing running.
type Health struct {
	// Shards names the shards with a running tailer. An unsharded
	// source is reported as a single empty name.
	Shards []string `json:"shards"`

	// Respawning names the shards whose tailer stopped and is waiting
	// to be started again.
	Respawning []string `json:"respawning,omitempty"`

	// QueueDepth is the number of events waiting for the indexer.
	QueueDepth int `json:"queue-depth"`

	// QueueCapacity is the bound of the event queue, or zero when the
	// queue is unbounded.
	QueueCapacity int `json:"queue-capacity"`
}
