package wire_test

import (
	"errors"
	"testing"
	"time"

	"github.com/signal-meter/signalmeter/pkg/model"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

func TestParse_RejectsUnknownType(t *testing.T) {
	_, err := wire.Parse([]byte(`{"type":"bogus"}`))
	if !errors.Is(err, wire.ErrUnknownType) {
		t.Fatalf("Parse: expected ErrUnknownType, got %v", err)
	}
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	_, err := wire.Parse([]byte(`{`))
	if err == nil {
		t.Fatal("Parse: expected error for invalid JSON")
	}
	if errors.Is(err, wire.ErrUnknownType) {
		t.Fatal("Parse: invalid JSON should not be reported as an unknown type")
	}
}

func TestEncodeParse_Data(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	orig := wire.NewData(wire.DataPayload{
		Frequency:  "145000000",
		Timestamp:  ts,
		Power:      3.25,
		RawSamples: []float64{-80, -81, -40, -79, -82},
	})
	data, err := wire.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := wire.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d, ok := msg.(*wire.Data)
	if !ok {
		t.Fatalf("Parse: expected *wire.Data, got %T", msg)
	}
	if d.Data.Frequency != "145000000" || d.Data.Power != 3.25 {
		t.Fatalf("Parse: payload mismatch: %+v", d.Data)
	}
	if !d.Data.Timestamp.Equal(ts) {
		t.Fatalf("Parse: timestamp mismatch: %v", d.Data.Timestamp)
	}
	if len(d.Data.RawSamples) != 5 {
		t.Fatalf("Parse: expected 5 raw samples, got %d", len(d.Data.RawSamples))
	}
}

func TestNewTestRunUpdate_CopiesDocument(t *testing.T) {
	tr := &model.TestRun{
		ID:           "tr1",
		ExperimentID: "exp1",
		Frequency:    "145000000",
		State:        model.TestRunPending,
		StartTime:    time.Now(),
		EndTime:      time.Now().Add(10 * time.Second),
	}
	msg := wire.NewTestRunUpdate(tr)
	if msg.Type != wire.TypeTestRunUpdate {
		t.Fatalf("wrong type tag: %s", msg.Type)
	}
	if msg.Doc.ID != tr.ID || msg.Doc.ExperimentID != tr.ExperimentID ||
		msg.Doc.Frequency != tr.Frequency || msg.Doc.State != tr.State {
		t.Fatalf("document mismatch: %+v", msg.Doc)
	}
}

func TestParse_AllMessageTypes(t *testing.T) {
	msgs := []wire.Message{
		wire.NewError("boom"),
		wire.NewPing(),
		wire.NewPong(),
		wire.NewData(wire.DataPayload{Frequency: "145000000"}),
		wire.NewTestRunUpdate(&model.TestRun{ID: "tr1"}),
		wire.NewExperimentUpdate(&model.Experiment{ID: "exp1"}),
		wire.NewNodeStatus(&model.NodeStatus{ID: "n1", Name: "node-a"}),
		wire.NewTestRunData(wire.TestRunDataDoc{TestRunID: "tr1"}),
		wire.NewItemDeleted(model.CollectionTestRun, "tr1"),
	}
	for _, orig := range msgs {
		data, err := wire.Encode(orig)
		if err != nil {
			t.Fatalf("Encode(%T): %v", orig, err)
		}
		parsed, err := wire.Parse(data)
		if err != nil {
			t.Fatalf("Parse(%T): %v", orig, err)
		}
		if gotType, wantType := typeName(parsed), typeName(orig); gotType != wantType {
			t.Fatalf("Parse: got %s, want %s", gotType, wantType)
		}
	}
}

func typeName(m wire.Message) string {
	switch m.(type) {
	case *wire.Error:
		return "error"
	case *wire.Ping:
		return "ping"
	case *wire.Pong:
		return "pong"
	case *wire.Data:
		return "data"
	case *wire.TestRunUpdate:
		return "trUpdate"
	case *wire.ExperimentUpdate:
		return "expUpdate"
	case *wire.NodeStatus:
		return "nodeStatus"
	case *wire.TestRunData:
		return "trData"
	case *wire.ItemDeleted:
		return "itemDeleted"
	}
	return "unknown"
}
