// Package memstore is an in-memory implementation of the store contract,
// including the change feed. It backs tests and the server's -store=mem
// development mode; production deployments use the NATS-backed store.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/pkg/model"
)

// maxLog bounds the replay log. Resume positions older than the log's head
// are rejected with ErrBadPosition, like a store whose oplog has rolled over.
const maxLog = 4096

// feedBuffer is the per-feed live event buffer. A consumer that falls this
// far behind has its feed failed rather than blocking publishers.
const feedBuffer = 256

var errFeedOverflow = errors.New("change feed overflow: consumer too slow")

type seqPosition uint64

func (p seqPosition) String() string {
	return fmt.Sprintf("seq:%d", uint64(p))
}

// Store is an in-memory document store with a change feed.
type Store struct {
	mu sync.Mutex

	experiments map[string]*model.Experiment
	testRuns    map[string]*model.TestRun
	testData    map[string]*model.TestRunData
	nodes       map[string]*model.NodeStatus
	lastUpdates map[string]*model.LastUpdate

	seq     uint64
	log     []store.ChangeEvent
	headSeq uint64 // seq of the oldest event still in the log

	feeds map[*feed]struct{}

	watched map[string]bool
}

// New returns an empty in-memory store.
func New() *Store {
	watched := make(map[string]bool)
	for _, c := range model.WatchedCollections() {
		watched[c] = true
	}
	return &Store{
		experiments: make(map[string]*model.Experiment),
		testRuns:    make(map[string]*model.TestRun),
		testData:    make(map[string]*model.TestRunData),
		nodes:       make(map[string]*model.NodeStatus),
		lastUpdates: make(map[string]*model.LastUpdate),
		feeds:       make(map[*feed]struct{}),
		watched:     watched,
	}
}

type feed struct {
	ch     chan store.ChangeEvent
	mu     sync.Mutex
	err    error
	closed bool
	owner  *Store
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.fail(nil)
	return nil
}

// markFailed flips the feed into its terminal state. It never touches the
// owning store's lock, so it is safe to call from publish.
func (f *feed) markFailed(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	f.err = err
	close(f.ch)
	return true
}

func (f *feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *feed) fail(err error) {
	if !f.markFailed(err) {
		return
	}
	f.owner.mu.Lock()
	delete(f.owner.feeds, f)
	f.owner.mu.Unlock()
}

func (f *feed) deliver(ev store.ChangeEvent) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	select {
	case f.ch <- ev:
		f.mu.Unlock()
	default:
		// Dropping events silently would break the feed's ordering
		// contract; fail the whole feed instead.
		f.mu.Unlock()
		f.markFailed(errFeedOverflow)
	}
}

// Watch implements store.Store. Resuming from a position older than the
// retained log fails with ErrBadPosition.
func (s *Store) Watch(ctx context.Context, from store.Position) (store.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var after uint64
	if from != nil {
		sp, ok := from.(seqPosition)
		if !ok {
			return nil, store.ErrBadPosition
		}
		if uint64(sp) < s.headSeq {
			return nil, fmt.Errorf("%w: %s is older than retained history", store.ErrBadPosition, sp)
		}
		after = uint64(sp)
	} else {
		after = s.seq
	}

	var replay []store.ChangeEvent
	for _, ev := range s.log {
		if uint64(ev.Position.(seqPosition)) > after {
			replay = append(replay, ev)
		}
	}

	f := &feed{
		ch:    make(chan store.ChangeEvent, len(replay)+feedBuffer),
		owner: s,
	}
	for _, ev := range replay {
		f.ch <- ev
	}
	s.feeds[f] = struct{}{}
	return f, nil
}

// KillFeeds fails every open feed with the given error, simulating a
// transient change-stream failure. Test hook.
func (s *Store) KillFeeds(err error) {
	s.mu.Lock()
	feeds := make([]*feed, 0, len(s.feeds))
	for f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.fail(err)
	}
}

// publish records an event for a watched collection and fans it out to all
// open feeds. Must be called with s.mu held; delivery happens after the event
// is logged so feeds observe storage order.
func (s *Store) publish(collection string, op store.Op, doc store.Document, id string, changed []string) {
	if !s.watched[collection] {
		return
	}
	s.seq++
	ev := store.ChangeEvent{
		Collection: collection,
		Op:         op,
		ID:         id,
		Doc:        doc,
		Changed:    changed,
		Position:   seqPosition(s.seq),
	}
	s.log = append(s.log, ev)
	if len(s.log) > maxLog {
		drop := len(s.log) - maxLog
		s.log = append([]store.ChangeEvent(nil), s.log[drop:]...)
		s.headSeq = uint64(s.log[0].Position.(seqPosition)) - 1
	}
	for f := range s.feeds {
		f.deliver(ev)
		if f.isClosed() {
			delete(s.feeds, f)
		}
	}
}

// clone deep-copies a document so callers never alias store-internal state.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
	return out
}

// diffFields returns the top-level JSON fields whose values differ between
// two versions of a document.
func diffFields(oldDoc, newDoc any) []string {
	oldMap := toMap(oldDoc)
	newMap := toMap(newDoc)
	var changed []string
	for k, nv := range newMap {
		ov, ok := oldMap[k]
		if !ok || !jsonEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	for k := range oldMap {
		if _, ok := newMap[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func toMap(v any) map[string]json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	return m
}

func jsonEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch collection {
	case model.CollectionExperiment:
		if d, ok := s.experiments[id]; ok {
			return clone(d), nil
		}
	case model.CollectionTestRun:
		if d, ok := s.testRuns[id]; ok {
			return clone(d), nil
		}
	case model.CollectionTestRunData:
		if d, ok := s.testData[id]; ok {
			return clone(d), nil
		}
	case model.CollectionNodeStatus:
		if d, ok := s.nodes[id]; ok {
			return clone(d), nil
		}
	case model.CollectionLastUpdate:
		if d, ok := s.lastUpdates[id]; ok {
			return clone(d), nil
		}
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(exp), nil
}

func (s *Store) InsertExperiment(ctx context.Context, exp *model.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[exp.ID]; ok {
		return fmt.Errorf("experiment %s already exists", exp.ID)
	}
	c := clone(exp)
	s.experiments[exp.ID] = c
	s.publish(model.CollectionExperiment, store.OpInsert, clone(c), c.ID, nil)
	return nil
}

func (s *Store) InsertTestRun(ctx context.Context, tr *model.TestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.testRuns[tr.ID]; ok {
		return fmt.Errorf("test run %s already exists", tr.ID)
	}
	c := clone(tr)
	s.testRuns[tr.ID] = c
	s.publish(model.CollectionTestRun, store.OpInsert, clone(c), c.ID, nil)
	return nil
}

func (s *Store) GetTestRun(ctx context.Context, id string) (*model.TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.testRuns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(tr), nil
}

func (s *Store) ListTestRuns(ctx context.Context, experimentID string) ([]model.TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TestRun
	for _, tr := range s.testRuns {
		if tr.ExperimentID == experimentID {
			out = append(out, *clone(tr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) FindActiveTestRun(ctx context.Context, frequency string, ts time.Time) (*model.TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.TestRun
	for _, tr := range s.testRuns {
		if tr.Frequency != frequency || !tr.ActiveAt(ts) {
			continue
		}
		if found == nil || tr.StartTime.Before(found.StartTime) {
			found = tr
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return clone(found), nil
}

func (s *Store) DeleteTestRun(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.testRuns[id]; !ok {
		return 0, nil
	}
	delete(s.testRuns, id)
	s.publish(model.CollectionTestRun, store.OpDelete, nil, id, nil)
	return 1, nil
}

func (s *Store) InsertTestRunData(ctx context.Context, d *model.TestRunData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.testData[d.ID]; ok {
		return fmt.Errorf("test run data %s already exists", d.ID)
	}
	c := clone(d)
	s.testData[d.ID] = c
	s.publish(model.CollectionTestRunData, store.OpInsert, clone(c), c.ID, nil)
	return nil
}

func (s *Store) ListTestRunData(ctx context.Context, testRunIDs []string) ([]model.TestRunData, error) {
	wanted := make(map[string]bool, len(testRunIDs))
	for _, id := range testRunIDs {
		wanted[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TestRunData
	for _, d := range s.testData {
		if wanted[d.TestRunID] {
			out = append(out, *clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) DeleteTestRunData(ctx context.Context, testRunID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, d := range s.testData {
		if d.TestRunID != testRunID {
			continue
		}
		delete(s.testData, id)
		s.publish(model.CollectionTestRunData, store.OpDelete, nil, id, nil)
		count++
	}
	return count, nil
}

func (s *Store) AdoptNode(ctx context.Context, name, instanceString, ip string, now time.Time) (*model.NodeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ns := range s.nodes {
		if ns.Name != name {
			continue
		}
		old := clone(ns)
		ns.InstanceString = instanceString
		ns.LastSeen = now
		ns.State = "connected"
		ns.LastIP = ip
		s.publish(model.CollectionNodeStatus, store.OpUpdate, clone(ns), ns.ID, diffFields(old, ns))
		return clone(ns), nil
	}
	ns := &model.NodeStatus{
		ID:             model.NewID(),
		Name:           name,
		InstanceString: instanceString,
		LastSeen:       now,
		State:          "connected",
		LastIP:         ip,
	}
	s.nodes[ns.ID] = ns
	s.publish(model.CollectionNodeStatus, store.OpInsert, clone(ns), ns.ID, nil)
	return clone(ns), nil
}

func (s *Store) TouchNode(ctx context.Context, name, instanceString string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ns := range s.nodes {
		if ns.Name != name || ns.InstanceString != instanceString {
			continue
		}
		old := clone(ns)
		ns.LastSeen = now
		s.publish(model.CollectionNodeStatus, store.OpUpdate, clone(ns), ns.ID, diffFields(old, ns))
		return nil
	}
	// Stale token or unknown node: the update filter matched nothing.
	return nil
}

func (s *Store) UpdateNodeRF(ctx context.Context, nodeID string, rf model.RFStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.nodes[nodeID]
	if !ok {
		return store.ErrNotFound
	}
	if ns.RFStatus != nil && !rf.UpdatedAt.After(ns.RFStatus.UpdatedAt) {
		return nil
	}
	old := clone(ns)
	ns.RFStatus = &rf
	s.publish(model.CollectionNodeStatus, store.OpUpdate, clone(ns), ns.ID, diffFields(old, ns))
	return nil
}

func (s *Store) ListNodes(ctx context.Context, seenSince time.Time, ids []string) ([]model.NodeStatus, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NodeStatus
	for _, ns := range s.nodes {
		if !ns.LastSeen.Before(seenSince) || wanted[ns.ID] {
			out = append(out, *clone(ns))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ClaimHeartbeat(ctx context.Context, id string, now time.Time, lockFor time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lu, ok := s.lastUpdates[id]
	if ok && now.Before(lu.LockedUntil) {
		return false, nil
	}
	if !ok {
		lu = &model.LastUpdate{ID: id}
		s.lastUpdates[id] = lu
		lu.LastUpdate = now
		lu.LockedUntil = now.Add(lockFor)
		s.publish(model.CollectionLastUpdate, store.OpInsert, clone(lu), lu.ID, nil)
		return true, nil
	}
	old := clone(lu)
	lu.LastUpdate = now
	lu.LockedUntil = now.Add(lockFor)
	s.publish(model.CollectionLastUpdate, store.OpUpdate, clone(lu), lu.ID, diffFields(old, lu))
	return true, nil
}

// Close fails all open feeds.
func (s *Store) Close() error {
	s.KillFeeds(nil)
	return nil
}
