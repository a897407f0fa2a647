// Package model contains the document shapes stored by the coordinator and
// the archival record written when a node session ends.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Experiment is a named, time-boxed measurement campaign. It is created by an
// operator and only its metadata is ever edited afterwards.
type Experiment struct {
	// ID is the experiment's unique identifier.
	ID string `json:"_id"`
	// Name is the operator-assigned display name.
	Name string `json:"name"`
	// Description is free-form operator text.
	Description string `json:"description"`
	// Created is the creation timestamp.
	Created time.Time `json:"created"`
	// UpdatedAt is the last metadata edit timestamp.
	UpdatedAt time.Time `json:"updatedAt"`
}

// TestRunState is the lifecycle state of a TestRun.
type TestRunState string

const (
	TestRunPending  = TestRunState("pending")
	TestRunQueued   = TestRunState("queued")
	TestRunRunning  = TestRunState("running")
	TestRunComplete = TestRunState("complete")
)

// TestRun is a scheduled scan window at a fixed frequency within an
// Experiment. State transitions are driven externally; the coordinator only
// observes them.
type TestRun struct {
	ID string `json:"_id"`

	// ExperimentID is the experiment this run belongs to.
	ExperimentID string `json:"experimentId"`

	// Frequency is the center frequency of the scan, in Hz, as a string.
	// It is a natural key: inbound samples are matched to runs by exact
	// frequency equality, so it is never parsed server-side.
	Frequency string `json:"frequency"`

	// ConfigDescription describes the scan configuration.
	ConfigDescription string `json:"configDescription"`

	// State is the run's lifecycle state.
	State TestRunState `json:"state"`

	// StartTime and EndTime bound the scan window. StartTime < EndTime.
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	// NodeList holds the ids of the nodes assigned to this run.
	NodeList []string `json:"nodeList"`
}

// ActiveAt reports whether ts falls inside the run's half-open window
// [StartTime, EndTime).
func (tr *TestRun) ActiveAt(ts time.Time) bool {
	return !ts.Before(tr.StartTime) && ts.Before(tr.EndTime)
}

// TestRunData is a single sample record uploaded by a node. Immutable once
// written.
type TestRunData struct {
	ID string `json:"_id"`

	// TestRunID is the run this sample was matched to.
	TestRunID string `json:"testRunId"`

	// NodeID is the id of the NodeStatus document of the originating node.
	NodeID string `json:"nodeId"`

	// Frequency is the center frequency the sample was collected at.
	Frequency string `json:"frequency"`

	// Timestamp is when the node captured the sample window.
	Timestamp time.Time `json:"timestamp"`

	// Power is the node's own normalized power estimate.
	Power float64 `json:"power"`

	// RawSamples is the raw power vector for the window, in dBm. It is only
	// carried on the node uplink and never forwarded to dashboards.
	RawSamples []float64 `json:"rawSamples"`
}

// RFStatus is the latest RF snapshot attached to a NodeStatus.
type RFStatus struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Level     float64   `json:"level"`
	Frequency string    `json:"frequency"`
}

// NodeStatus tracks a sensor node by name. The InstanceString identifies the
// currently-authoritative websocket session for the node: it is reissued on
// every connect, and an older session observing a newer value for its own
// name must close itself.
type NodeStatus struct {
	ID string `json:"_id"`

	// Name is the node's natural key.
	Name string `json:"name"`

	// InstanceString is the current session token.
	InstanceString string `json:"instanceString"`

	// LastSeen is refreshed on every liveness pong.
	LastSeen time.Time `json:"lastSeen"`

	// State is the node's lifecycle state, e.g. "connected".
	State string `json:"state"`

	// LastIP is the source address of the node's last connect.
	LastIP string `json:"lastIp"`

	// RFStatus is the most recent sample summary, if any.
	RFStatus *RFStatus `json:"rfStatus,omitempty"`
}

// LastUpdate is the watcher liveness document. External monitoring reads it
// to detect a coordinator whose change feed has gone completely silent.
type LastUpdate struct {
	ID string `json:"_id"`

	// LastUpdate is the time of the most recent heartbeat.
	LastUpdate time.Time `json:"lastUpdate"`

	// LockedUntil guards against concurrent heartbeat runs; the claim is an
	// atomic upsert and only succeeds once per lock lifetime.
	LockedUntil time.Time `json:"lockedUntil"`
}

// NodeSessionArchive is the archival record for one node uplink session.
type NodeSessionArchive struct {
	// NodeName is the node's natural key.
	NodeName string
	// InstanceString is the session token issued for this connection.
	InstanceString string
	// Client is the node's remote address.
	Client string

	// StartTime is when the websocket was accepted.
	StartTime time.Time
	// EndTime is when the connection closed.
	EndTime time.Time

	// SamplesReceived counts inbound data messages.
	SamplesReceived int
	// SamplesMatched counts samples persisted against an active TestRun.
	SamplesMatched int
	// SamplesDropped counts samples that matched no active TestRun.
	SamplesDropped int

	// Preempted is true if the session was closed because a newer session
	// took over the node name.
	Preempted bool
}

// NewID returns a fresh document id.
func NewID() string {
	return uuid.NewString()
}
