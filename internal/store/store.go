// Package store defines the document-store contract the coordinator is built
// against: typed queries, atomic upserts that return the post-update
// document, cascading deletes with counts, and a change feed resumable from
// an opaque position.
//
// The coordinator never assumes more synchronization than the store's atomic
// operations provide; in particular, AdoptNode is the sole arbitration point
// for "one active session per node name".
package store

import (
	"context"
	"errors"
	"time"

	"github.com/signal-meter/signalmeter/pkg/model"
)

var (
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrBadPosition is returned by Watch when the resume position is not
	// usable, e.g. because it has aged out of the feed's history. Callers
	// should retry from "now".
	ErrBadPosition = errors.New("resume position rejected")
)

// Op is a change feed operation kind.
type Op string

const (
	OpInsert  = Op("insert")
	OpUpdate  = Op("update")
	OpReplace = Op("replace")
	OpDelete  = Op("delete")
)

// Document is any stored document. The concrete types live in pkg/model.
type Document interface {
	Collection() string
	DocumentID() string
}

// Position is an opaque resume token for the change feed. Implementations
// are store-specific; consumers only hold and return it.
type Position interface {
	String() string
}

// ChangeEvent is one normalized change-feed notification.
type ChangeEvent struct {
	// Collection is the collection the change occurred in.
	Collection string
	// Op is the operation kind.
	Op Op
	// ID is the changed document's id. For deletes it identifies the
	// removed document; no other information survives a delete.
	ID string
	// Doc is the full post-change document. It may be nil on updates if
	// the feed did not embed it; consumers fall back to Get.
	Doc Document
	// Changed lists the top-level fields modified by an update, when the
	// store can determine them.
	Changed []string
	// Position resumes the feed from just after this event.
	Position Position
}

// Feed is one live change subscription. Events is closed when the feed ends,
// after which Err reports the cause (nil for a clean close).
type Feed interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// Store is the document store consumed by the coordinator. All methods are
// safe for concurrent use.
type Store interface {
	// Watch opens a change subscription covering the watched collections
	// and the {insert, update, replace, delete} operation kinds. A nil
	// position watches from now; otherwise the feed resumes just after the
	// given position, or fails with ErrBadPosition.
	Watch(ctx context.Context, from Position) (Feed, error)

	// Get fetches a document by collection and id.
	Get(ctx context.Context, collection, id string) (Document, error)

	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	InsertExperiment(ctx context.Context, exp *model.Experiment) error

	InsertTestRun(ctx context.Context, tr *model.TestRun) error
	GetTestRun(ctx context.Context, id string) (*model.TestRun, error)
	ListTestRuns(ctx context.Context, experimentID string) ([]model.TestRun, error)
	// FindActiveTestRun locates the test run whose frequency matches
	// exactly and whose [startTime, endTime) window contains ts.
	FindActiveTestRun(ctx context.Context, frequency string, ts time.Time) (*model.TestRun, error)
	// DeleteTestRun removes a test run, returning the number of documents
	// removed (0 or 1).
	DeleteTestRun(ctx context.Context, id string) (int64, error)

	InsertTestRunData(ctx context.Context, d *model.TestRunData) error
	// ListTestRunData returns the sample records owned by any of the given
	// test runs.
	ListTestRunData(ctx context.Context, testRunIDs []string) ([]model.TestRunData, error)
	// DeleteTestRunData removes all sample records owned by a test run and
	// returns how many were deleted.
	DeleteTestRunData(ctx context.Context, testRunID string) (int64, error)

	// AdoptNode atomically upserts the NodeStatus for the given node name,
	// installing a fresh session token, and returns the post-update
	// document. Any session holding an older token for this name is stale
	// from this moment on.
	AdoptNode(ctx context.Context, name, instanceString, ip string, now time.Time) (*model.NodeStatus, error)
	// TouchNode refreshes lastSeen for the node, but only while the given
	// session token is still current.
	TouchNode(ctx context.Context, name, instanceString string, now time.Time) error
	// UpdateNodeRF installs a new RF snapshot if it is newer than the
	// stored one (last-write-wins by sample timestamp, not arrival order).
	UpdateNodeRF(ctx context.Context, nodeID string, rf model.RFStatus) error
	// ListNodes returns nodes seen since the given time or whose id is in
	// ids.
	ListNodes(ctx context.Context, seenSince time.Time, ids []string) ([]model.NodeStatus, error)

	// ClaimHeartbeat upserts the liveness document if its lock is free,
	// holding the lock for lockFor. It reports whether this caller won the
	// claim. The operation is idempotent and at-least-once.
	ClaimHeartbeat(ctx context.Context, id string, now time.Time, lockFor time.Duration) (bool, error)

	Close() error
}
