// Package natsstore implements the store contract on NATS JetStream
// key-value buckets, one per collection. KV revisions provide the atomic
// compare-and-swap used for node adoption and the heartbeat lock, and the KV
// watch API provides the change feed, resumable by revision.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/pkg/model"
)

const (
	bucketPrefix = "sm-"

	// bucketHistory keeps a short per-key replay window so a feed resumed
	// by revision can recover recent events instead of only latest state.
	bucketHistory = 10

	// casAttempts bounds compare-and-swap retry loops.
	casAttempts = 10
	casBackoff  = 10 * time.Millisecond
)

// Store is a NATS JetStream KV document store.
type Store struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	buckets map[string]jetstream.KeyValue
}

// Connect dials NATS and ensures one KV bucket per collection.
func Connect(ctx context.Context, url string) (*Store, error) {
	nc, err := nats.Connect(url,
		nats.Name("signalmeter"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("cannot create JetStream context: %w", err)
	}
	s := &Store{
		nc:      nc,
		js:      js,
		buckets: make(map[string]jetstream.KeyValue),
	}
	collections := append(model.WatchedCollections(), model.CollectionExperiment)
	for _, coll := range collections {
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  bucketPrefix + coll,
			History: bucketHistory,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("cannot create bucket for %s: %w", coll, err)
		}
		s.buckets[coll] = kv
	}
	return s, nil
}

// Close closes the NATS connection, ending all feeds.
func (s *Store) Close() error {
	s.nc.Close()
	return nil
}

// bucketKey is the KV key for a document. NodeStatus documents are keyed by
// node name so that adoption CAS races on the natural key; everything else
// is keyed by document id.
func bucketKey(doc store.Document) string {
	if ns, ok := doc.(*model.NodeStatus); ok {
		return ns.Name
	}
	return doc.DocumentID()
}

func decode(collection string, data []byte) (store.Document, error) {
	var doc store.Document
	switch collection {
	case model.CollectionExperiment:
		doc = &model.Experiment{}
	case model.CollectionTestRun:
		doc = &model.TestRun{}
	case model.CollectionTestRunData:
		doc = &model.TestRunData{}
	case model.CollectionNodeStatus:
		doc = &model.NodeStatus{}
	case model.CollectionLastUpdate:
		doc = &model.LastUpdate{}
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("cannot decode %s document: %w", collection, err)
	}
	return doc, nil
}

func notFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

// create inserts a document, failing if the key already exists.
func (s *Store) create(ctx context.Context, doc store.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.buckets[doc.Collection()].Create(ctx, bucketKey(doc), data)
	return err
}

// getDoc fetches and decodes one document by key.
func (s *Store) getDoc(ctx context.Context, collection, key string) (store.Document, error) {
	entry, err := s.buckets[collection].Get(ctx, key)
	if err != nil {
		if notFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return decode(collection, entry.Value())
}

// scan visits every document in a collection. The visitor returns false to
// stop early.
func (s *Store) scan(ctx context.Context, collection string, visit func(doc store.Document) bool) error {
	kv := s.buckets[collection]
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return err
	}
	defer lister.Stop()
	for key := range lister.Keys() {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if notFound(err) {
				continue // deleted between list and get
			}
			return err
		}
		doc, err := decode(collection, entry.Value())
		if err != nil {
			return err
		}
		if !visit(doc) {
			return nil
		}
	}
	return ctx.Err()
}

// Get implements store.Store. NodeStatus buckets are keyed by name, so a
// lookup by document id falls back to a scan.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	if _, ok := s.buckets[collection]; !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	doc, err := s.getDoc(ctx, collection, id)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return doc, err
	}
	if collection != model.CollectionNodeStatus {
		return nil, store.ErrNotFound
	}
	var found store.Document
	err = s.scan(ctx, collection, func(d store.Document) bool {
		if d.DocumentID() == id {
			found = d
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	doc, err := s.getDoc(ctx, model.CollectionExperiment, id)
	if err != nil {
		return nil, err
	}
	return doc.(*model.Experiment), nil
}

func (s *Store) InsertExperiment(ctx context.Context, exp *model.Experiment) error {
	return s.create(ctx, exp)
}

func (s *Store) InsertTestRun(ctx context.Context, tr *model.TestRun) error {
	return s.create(ctx, tr)
}

func (s *Store) GetTestRun(ctx context.Context, id string) (*model.TestRun, error) {
	doc, err := s.getDoc(ctx, model.CollectionTestRun, id)
	if err != nil {
		return nil, err
	}
	return doc.(*model.TestRun), nil
}

func (s *Store) ListTestRuns(ctx context.Context, experimentID string) ([]model.TestRun, error) {
	var out []model.TestRun
	err := s.scan(ctx, model.CollectionTestRun, func(doc store.Document) bool {
		tr := doc.(*model.TestRun)
		if tr.ExperimentID == experimentID {
			out = append(out, *tr)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) FindActiveTestRun(ctx context.Context, frequency string, ts time.Time) (*model.TestRun, error) {
	var found *model.TestRun
	err := s.scan(ctx, model.CollectionTestRun, func(doc store.Document) bool {
		tr := doc.(*model.TestRun)
		if tr.Frequency != frequency || !tr.ActiveAt(ts) {
			return true
		}
		if found == nil || tr.StartTime.Before(found.StartTime) {
			found = tr
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) DeleteTestRun(ctx context.Context, id string) (int64, error) {
	kv := s.buckets[model.CollectionTestRun]
	if _, err := kv.Get(ctx, id); err != nil {
		if notFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if err := kv.Delete(ctx, id); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Store) InsertTestRunData(ctx context.Context, d *model.TestRunData) error {
	return s.create(ctx, d)
}

func (s *Store) ListTestRunData(ctx context.Context, testRunIDs []string) ([]model.TestRunData, error) {
	wanted := make(map[string]bool, len(testRunIDs))
	for _, id := range testRunIDs {
		wanted[id] = true
	}
	var out []model.TestRunData
	err := s.scan(ctx, model.CollectionTestRunData, func(doc store.Document) bool {
		d := doc.(*model.TestRunData)
		if wanted[d.TestRunID] {
			out = append(out, *d)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) DeleteTestRunData(ctx context.Context, testRunID string) (int64, error) {
	var ids []string
	err := s.scan(ctx, model.CollectionTestRunData, func(doc store.Document) bool {
		d := doc.(*model.TestRunData)
		if d.TestRunID == testRunID {
			ids = append(ids, d.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	kv := s.buckets[model.CollectionTestRunData]
	var count int64
	for _, id := range ids {
		if err := kv.Delete(ctx, id); err != nil && !notFound(err) {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) AdoptNode(ctx context.Context, name, instanceString, ip string, now time.Time) (*model.NodeStatus, error) {
	kv := s.buckets[model.CollectionNodeStatus]
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := kv.Get(ctx, name)
		if err != nil && !notFound(err) {
			return nil, err
		}
		var ns *model.NodeStatus
		if err != nil {
			ns = &model.NodeStatus{ID: model.NewID(), Name: name}
		} else {
			doc, err := decode(model.CollectionNodeStatus, entry.Value())
			if err != nil {
				return nil, err
			}
			ns = doc.(*model.NodeStatus)
		}
		ns.InstanceString = instanceString
		ns.LastSeen = now
		ns.State = "connected"
		ns.LastIP = ip

		data, err := json.Marshal(ns)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			_, err = kv.Create(ctx, name, data)
		} else {
			_, err = kv.Update(ctx, name, data, entry.Revision())
		}
		if err == nil {
			return ns, nil
		}
		if !casConflict(err) {
			return nil, err
		}
		time.Sleep(casBackoff)
	}
	return nil, fmt.Errorf("adopt node %s: too many CAS conflicts", name)
}

func (s *Store) TouchNode(ctx context.Context, name, instanceString string, now time.Time) error {
	kv := s.buckets[model.CollectionNodeStatus]
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := kv.Get(ctx, name)
		if err != nil {
			if notFound(err) {
				return nil
			}
			return err
		}
		doc, err := decode(model.CollectionNodeStatus, entry.Value())
		if err != nil {
			return err
		}
		ns := doc.(*model.NodeStatus)
		if ns.InstanceString != instanceString {
			// This session is no longer current; nothing to refresh.
			return nil
		}
		ns.LastSeen = now
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		if _, err = kv.Update(ctx, name, data, entry.Revision()); err == nil {
			return nil
		} else if !casConflict(err) {
			return err
		}
		time.Sleep(casBackoff)
	}
	return errors.New("touch node: too many CAS conflicts")
}

func (s *Store) UpdateNodeRF(ctx context.Context, nodeID string, rf model.RFStatus) error {
	kv := s.buckets[model.CollectionNodeStatus]
	doc, err := s.Get(ctx, model.CollectionNodeStatus, nodeID)
	if err != nil {
		return err
	}
	name := doc.(*model.NodeStatus).Name
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := kv.Get(ctx, name)
		if err != nil {
			if notFound(err) {
				return store.ErrNotFound
			}
			return err
		}
		cur, err := decode(model.CollectionNodeStatus, entry.Value())
		if err != nil {
			return err
		}
		ns := cur.(*model.NodeStatus)
		if ns.RFStatus != nil && !rf.UpdatedAt.After(ns.RFStatus.UpdatedAt) {
			return nil
		}
		snapshot := rf
		ns.RFStatus = &snapshot
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		if _, err = kv.Update(ctx, name, data, entry.Revision()); err == nil {
			return nil
		} else if !casConflict(err) {
			return err
		}
		time.Sleep(casBackoff)
	}
	return errors.New("update node rf: too many CAS conflicts")
}

func (s *Store) ListNodes(ctx context.Context, seenSince time.Time, ids []string) ([]model.NodeStatus, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []model.NodeStatus
	err := s.scan(ctx, model.CollectionNodeStatus, func(doc store.Document) bool {
		ns := doc.(*model.NodeStatus)
		if !ns.LastSeen.Before(seenSince) || wanted[ns.ID] {
			out = append(out, *ns)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ClaimHeartbeat(ctx context.Context, id string, now time.Time, lockFor time.Duration) (bool, error) {
	kv := s.buckets[model.CollectionLastUpdate]
	entry, err := kv.Get(ctx, id)
	if err != nil && !notFound(err) {
		return false, err
	}
	lu := &model.LastUpdate{ID: id}
	var revision uint64
	if entry != nil {
		doc, err := decode(model.CollectionLastUpdate, entry.Value())
		if err != nil {
			return false, err
		}
		lu = doc.(*model.LastUpdate)
		if now.Before(lu.LockedUntil) {
			return false, nil
		}
		revision = entry.Revision()
	}
	lu.LastUpdate = now
	lu.LockedUntil = now.Add(lockFor)
	data, err := json.Marshal(lu)
	if err != nil {
		return false, err
	}
	if entry == nil {
		_, err = kv.Create(ctx, id, data)
	} else {
		_, err = kv.Update(ctx, id, data, revision)
	}
	if err != nil {
		if casConflict(err) {
			// Another coordinator claimed it first.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// casConflict reports whether an error is a KV revision/exists conflict.
func casConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) ||
		strings.Contains(err.Error(), "wrong last sequence")
}
