package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/internal/store/memstore"
	"github.com/signal-meter/signalmeter/pkg/model"
)

func newTestCoordinator(s store.Store) *Coordinator {
	c := New(s)
	c.restartDelay = time.Millisecond
	return c
}

func insertRun(t *testing.T, s *memstore.Store, id, expID string) {
	t.Helper()
	start := time.Now()
	err := s.InsertTestRun(context.Background(), &model.TestRun{
		ID:           id,
		ExperimentID: expID,
		Frequency:    "145000000",
		State:        model.TestRunPending,
		StartTime:    start,
		EndTime:      start.Add(10 * time.Second),
	})
	if err != nil {
		t.Fatalf("InsertTestRun: %v", err)
	}
}

func waitForDoc(t *testing.T, ch <-chan store.Document) store.Document {
	t.Helper()
	select {
	case doc := <-ch:
		return doc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}
	panic("unreachable")
}

func expectNothing(t *testing.T, ch <-chan store.Document) {
	t.Helper()
	select {
	case doc := <-ch:
		t.Fatalf("unexpected delivery: %+v", doc)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_DeliversMatchingCollection(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)
	defer c.Shutdown()

	got := make(chan store.Document, 4)
	unsub := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnChange:   func(doc store.Document, changed []string) { got <- doc },
	})
	defer unsub()

	insertRun(t, s, "tr1", "exp1")
	doc := waitForDoc(t, got)
	if doc.(*model.TestRun).ID != "tr1" {
		t.Fatalf("wrong document delivered: %+v", doc)
	}

	// Writes to other collections must not reach this subscription.
	s.AdoptNode(context.Background(), "node-a", "token", "10.0.0.1", time.Now())
	expectNothing(t, got)
}

func TestSubscribe_Filter(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)
	defer c.Shutdown()

	got := make(chan store.Document, 4)
	unsub := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		Filter: func(doc store.Document) bool {
			return doc.(*model.TestRun).ExperimentID == "exp1"
		},
		OnChange: func(doc store.Document, changed []string) { got <- doc },
	})
	defer unsub()

	insertRun(t, s, "other", "exp2")
	insertRun(t, s, "mine", "exp1")

	doc := waitForDoc(t, got)
	if doc.(*model.TestRun).ID != "mine" {
		t.Fatalf("filter passed wrong document: %+v", doc)
	}
	expectNothing(t, got)
}

func TestSubscribe_OnDelete(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)
	defer c.Shutdown()

	deleted := make(chan string, 1)
	unsub := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnDelete:   func(id string) { deleted <- id },
	})
	defer unsub()

	insertRun(t, s, "tr1", "exp1")
	if _, err := s.DeleteTestRun(context.Background(), "tr1"); err != nil {
		t.Fatalf("DeleteTestRun: %v", err)
	}
	select {
	case id := <-deleted:
		if id != "tr1" {
			t.Fatalf("OnDelete: got %s, want tr1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delete notification")
	}
}

func TestDispatch_PanicIsolatedPerSubscription(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)
	defer c.Shutdown()

	unsubBad := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnChange:   func(store.Document, []string) { panic("handler bug") },
	})
	defer unsubBad()

	got := make(chan store.Document, 4)
	unsubGood := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnChange:   func(doc store.Document, changed []string) { got <- doc },
	})
	defer unsubGood()

	insertRun(t, s, "tr1", "exp1")
	waitForDoc(t, got)

	// The watch loop must survive the panic and keep delivering.
	insertRun(t, s, "tr2", "exp1")
	waitForDoc(t, got)
}

func TestRun_RestartsAfterFeedFailure(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)
	defer c.Shutdown()

	got := make(chan store.Document, 4)
	unsub := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnChange:   func(doc store.Document, changed []string) { got <- doc },
	})
	defer unsub()

	insertRun(t, s, "tr1", "exp1")
	waitForDoc(t, got)

	s.KillFeeds(errors.New("simulated stream failure"))

	// After the restart the feed resumes past tr1; only tr2 arrives.
	insertRun(t, s, "tr2", "exp1")
	doc := waitForDoc(t, got)
	if doc.(*model.TestRun).ID != "tr2" {
		t.Fatalf("after restart: got %s, want tr2", doc.(*model.TestRun).ID)
	}
	expectNothing(t, got)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)
	defer c.Shutdown()

	got := make(chan store.Document, 4)
	unsub := c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnChange:   func(doc store.Document, changed []string) { got <- doc },
	})

	insertRun(t, s, "tr1", "exp1")
	waitForDoc(t, got)

	unsub()
	unsub() // must be safe to call twice

	insertRun(t, s, "tr2", "exp1")
	expectNothing(t, got)
}

func TestShutdown_Idempotent(t *testing.T) {
	s := memstore.New()
	c := newTestCoordinator(s)

	unsub := c.Subscribe(Subscription{Collection: model.CollectionTestRun})
	defer unsub()

	c.Shutdown()
	c.Shutdown()

	// New subscriptions after shutdown are inert.
	got := make(chan store.Document, 1)
	c.Subscribe(Subscription{
		Collection: model.CollectionTestRun,
		OnChange:   func(doc store.Document, changed []string) { got <- doc },
	})
	insertRun(t, s, "tr1", "exp1")
	expectNothing(t, got)
}
