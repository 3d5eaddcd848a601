// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package controlstore holds the operator facing state of every river: its
// definition, its desired status and its config signal, plus the audit
// trail of source reconfigurations.
package controlstore

import (
	"context"
	"time"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/core/status"
)

// AuditEntry records one change of a river's source servers.
type AuditEntry struct {
	River     string                `bson:"river" json:"river"`
	From      []river.ServerAddress `bson:"from" json:"from"`
	To        []river.ServerAddress `bson:"to" json:"to"`
	Timestamp time.Time             `bson:"timestamp" json:"timestamp"`
}

// Store is the control store. Operations on a river that has never been
// defined return an error satisfying errors.IsNotFound.
type Store interface {
	// Snapshot reads the desired status and the config signal of a river
	// in one operation.
	Snapshot(ctx context.Context, name string) (status.Snapshot, error)

	// GetDesiredStatus returns the desired status of a river.
	GetDesiredStatus(ctx context.Context, name string) (status.Status, error)

	// SetDesiredStatus requests a new status for a river.
	SetDesiredStatus(ctx context.Context, name string, s status.Status) error

	// GetConfigSignal returns the config signal of a river.
	GetConfigSignal(ctx context.Context, name string) (status.ConfigSignal, error)

	// RaiseConfigSignal marks a river's definition as changed.
	RaiseConfigSignal(ctx context.Context, name string) error

	// ClearConfigSignal resets the config signal once the change has been
	// applied.
	ClearConfigSignal(ctx context.Context, name string) error

	// GetDefinition returns the persisted definition of a river.
	GetDefinition(ctx context.Context, name string) (river.Definition, error)

	// PutDefinition creates or replaces a river definition. A new river
	// starts with desired status pending and a normal signal.
	PutDefinition(ctx context.Context, def river.Definition) error

	// UpdateServers replaces the source servers of a river's definition.
	UpdateServers(ctx context.Context, name string, servers []river.ServerAddress) error

	// RecordAudit appends to the reconfiguration audit trail.
	RecordAudit(ctx context.Context, entry AuditEntry) error

	// AuditHistory returns a river's audit trail, oldest first.
	AuditHistory(ctx context.Context, name string) ([]AuditEntry, error)

	// ListPipelines returns the names of every defined river, sorted.
	ListPipelines(ctx context.Context) ([]string, error)

	// DeletePipeline removes a river and its audit trail.
	DeletePipeline(ctx context.Context, name string) error
}
