// Package wire defines the message envelope exchanged over the coordinator's
// websocket connections. Every message is a JSON object discriminated by its
// "type" field and is fully self-describing: there is no schema negotiation,
// and unknown inbound types are reported as ErrUnknownType so callers can
// ignore them.
//
// The wire shape is deliberately independent of the stored document shape.
// Document ids are stringified and raw sample vectors only ever travel on the
// node uplink.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/signal-meter/signalmeter/pkg/model"
)

// Type discriminates wire messages.
type Type string

const (
	TypeError            = Type("error")
	TypePing             = Type("ping")
	TypePong             = Type("pong")
	TypeData             = Type("data")
	TypeTestRunUpdate    = Type("trUpdate")
	TypeExperimentUpdate = Type("expUpdate")
	TypeNodeStatus       = Type("nodeStatus")
	TypeTestRunData      = Type("trData")
	TypeItemDeleted      = Type("itemDeleted")
)

// ErrUnknownType is returned by Parse for message types this build does not
// know about. Receiving one is not a protocol error.
var ErrUnknownType = errors.New("unknown message type")

// Message is the closed set of wire messages. Use the constructors in this
// package to build outbound messages so the type tag is always populated.
type Message interface {
	msgType() Type
}

// Error reports a fatal condition to the peer, usually right before a close.
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Ping is a keepalive probe. The receiver must answer with a Pong.
type Ping struct {
	Type Type `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
}

// DataPayload is one raw measurement window uploaded by a node.
type DataPayload struct {
	Frequency  string    `json:"frequency"`
	Timestamp  time.Time `json:"timestamp"`
	Power      float64   `json:"power"`
	RawSamples []float64 `json:"rawSamples"`
}

// Data carries a raw sample window from a node to the server.
type Data struct {
	Type Type        `json:"type"`
	Data DataPayload `json:"data"`
}

// TestRunDoc is the wire snapshot of a TestRun.
type TestRunDoc struct {
	ID                string            `json:"_id"`
	ExperimentID      string            `json:"experimentId"`
	Frequency         string            `json:"frequency"`
	ConfigDescription string            `json:"configDescription"`
	State             model.TestRunState `json:"state"`
	StartTime         time.Time         `json:"startTime"`
	EndTime           time.Time         `json:"endTime"`
	NodeList          []string          `json:"nodeList"`
}

// TestRunUpdate pushes a TestRun snapshot to a client.
type TestRunUpdate struct {
	Type Type       `json:"type"`
	Doc  TestRunDoc `json:"doc"`
}

// ExperimentDoc is the wire snapshot of an Experiment.
type ExperimentDoc struct {
	ID          string    `json:"_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ExperimentUpdate pushes an Experiment snapshot to a dashboard.
type ExperimentUpdate struct {
	Type Type          `json:"type"`
	Doc  ExperimentDoc `json:"doc"`
}

// NodeStatus pushes a node's presence and latest RF snapshot to a dashboard.
type NodeStatus struct {
	Type     Type            `json:"type"`
	NodeID   string          `json:"nodeId"`
	NodeName string          `json:"nodeName"`
	LastSeen time.Time       `json:"lastSeen"`
	RFStatus *model.RFStatus `json:"rfStatus,omitempty"`
}

// TestRunDataDoc is the aggregated form of a sample record. The raw vector is
// reduced to the derived Power and NoiseFloor scalars before leaving the
// server.
type TestRunDataDoc struct {
	TestRunID  string    `json:"testRunId"`
	NodeID     string    `json:"nodeId"`
	Timestamp  time.Time `json:"timestamp"`
	Frequency  string    `json:"frequency"`
	Power      float64   `json:"power"`
	NoiseFloor float64   `json:"noiseFloor"`
}

// TestRunData pushes an aggregated sample to a dashboard.
type TestRunData struct {
	Type Type           `json:"type"`
	Doc  TestRunDataDoc `json:"doc"`
}

// ItemDeleted tells a dashboard that a document it knows about was deleted.
type ItemDeleted struct {
	Type     Type   `json:"type"`
	ItemType string `json:"itemType"`
	ItemID   string `json:"itemId"`
}

func (*Error) msgType() Type            { return TypeError }
func (*Ping) msgType() Type             { return TypePing }
func (*Pong) msgType() Type             { return TypePong }
func (*Data) msgType() Type             { return TypeData }
func (*TestRunUpdate) msgType() Type    { return TypeTestRunUpdate }
func (*ExperimentUpdate) msgType() Type { return TypeExperimentUpdate }
func (*NodeStatus) msgType() Type       { return TypeNodeStatus }
func (*TestRunData) msgType() Type      { return TypeTestRunData }
func (*ItemDeleted) msgType() Type      { return TypeItemDeleted }

// NewError returns an error message.
func NewError(message string) *Error {
	return &Error{Type: TypeError, Message: message}
}

// NewPing returns a ping message.
func NewPing() *Ping {
	return &Ping{Type: TypePing}
}

// NewPong returns a pong message.
func NewPong() *Pong {
	return &Pong{Type: TypePong}
}

// NewData returns a data message for one raw sample window.
func NewData(payload DataPayload) *Data {
	return &Data{Type: TypeData, Data: payload}
}

// NewTestRunUpdate maps a stored TestRun onto the wire.
func NewTestRunUpdate(tr *model.TestRun) *TestRunUpdate {
	return &TestRunUpdate{
		Type: TypeTestRunUpdate,
		Doc: TestRunDoc{
			ID:                tr.ID,
			ExperimentID:      tr.ExperimentID,
			Frequency:         tr.Frequency,
			ConfigDescription: tr.ConfigDescription,
			State:             tr.State,
			StartTime:         tr.StartTime,
			EndTime:           tr.EndTime,
			NodeList:          tr.NodeList,
		},
	}
}

// NewExperimentUpdate maps a stored Experiment onto the wire.
func NewExperimentUpdate(exp *model.Experiment) *ExperimentUpdate {
	return &ExperimentUpdate{
		Type: TypeExperimentUpdate,
		Doc: ExperimentDoc{
			ID:          exp.ID,
			Name:        exp.Name,
			Description: exp.Description,
			Created:     exp.Created,
			UpdatedAt:   exp.UpdatedAt,
		},
	}
}

// NewNodeStatus maps a stored NodeStatus onto the wire. The session token and
// last source address never leave the server.
func NewNodeStatus(ns *model.NodeStatus) *NodeStatus {
	return &NodeStatus{
		Type:     TypeNodeStatus,
		NodeID:   ns.ID,
		NodeName: ns.Name,
		LastSeen: ns.LastSeen,
		RFStatus: ns.RFStatus,
	}
}

// NewTestRunData wraps an aggregated sample document.
func NewTestRunData(doc TestRunDataDoc) *TestRunData {
	return &TestRunData{Type: TypeTestRunData, Doc: doc}
}

// NewItemDeleted returns a deletion notice for the given item.
func NewItemDeleted(itemType, itemID string) *ItemDeleted {
	return &ItemDeleted{Type: TypeItemDeleted, ItemType: itemType, ItemID: itemID}
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes a single wire message. It returns ErrUnknownType (wrapped
// with the offending tag) for types it does not recognize.
func Parse(data []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid message envelope: %w", err)
	}
	var m Message
	switch envelope.Type {
	case TypeError:
		m = &Error{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeData:
		m = &Data{}
	case TypeTestRunUpdate:
		m = &TestRunUpdate{}
	case TypeExperimentUpdate:
		m = &ExperimentUpdate{}
	case TypeNodeStatus:
		m = &NodeStatus{}
	case TypeTestRunData:
		m = &TestRunData{}
	case TypeItemDeleted:
		m = &ItemDeleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
