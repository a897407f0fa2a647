package natsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/pkg/model"
)

// position is the feed's resume token: the last delivered KV revision per
// watched bucket.
type position struct {
	revisions map[string]uint64
}

func (p *position) String() string {
	parts := make([]string, 0, len(p.revisions))
	for coll, rev := range p.revisions {
		parts = append(parts, fmt.Sprintf("%s:%d", coll, rev))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (p *position) clone() *position {
	out := &position{revisions: make(map[string]uint64, len(p.revisions))}
	for k, v := range p.revisions {
		out.revisions[k] = v
	}
	return out
}

// feed merges the per-bucket KV watchers into one ordered-per-collection
// event stream.
type feed struct {
	ch     chan store.ChangeEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
	pos *position

	// prior holds the last seen value per bucket/key, to classify puts as
	// insert vs update and to compute field deltas. Scoped to this feed:
	// after a resume, the first put for a key looks like an insert, which
	// consumers treat the same as an update with no delta.
	prior map[string][]byte
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.cancel()
	return nil
}

func (f *feed) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.cancel()
}

// Watch implements store.Store. Each watched collection's bucket gets its own
// KV watcher; a nil position watches from now, otherwise delivery resumes
// just past the recorded revision per bucket.
func (s *Store) Watch(ctx context.Context, from store.Position) (store.Feed, error) {
	var resume *position
	if from != nil {
		p, ok := from.(*position)
		if !ok {
			return nil, fmt.Errorf("%w: foreign position %q", store.ErrBadPosition, from.String())
		}
		resume = p
	}

	wctx, cancel := context.WithCancel(ctx)
	f := &feed{
		ch:     make(chan store.ChangeEvent, 256),
		cancel: cancel,
		pos:    &position{revisions: make(map[string]uint64)},
		prior:  make(map[string][]byte),
	}
	if resume != nil {
		f.pos = resume.clone()
	}

	for _, coll := range model.WatchedCollections() {
		kv := s.buckets[coll]
		opts := []jetstream.WatchOpt{jetstream.UpdatesOnly()}
		if rev, ok := f.pos.revisions[coll]; ok && rev > 0 {
			opts = []jetstream.WatchOpt{jetstream.ResumeFromRevision(rev + 1)}
		}
		w, err := kv.WatchAll(wctx, opts...)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("cannot watch %s: %w", coll, err)
		}
		f.wg.Add(1)
		go f.pump(wctx, coll, w)
	}

	go func() {
		f.wg.Wait()
		close(f.ch)
	}()
	return f, nil
}

// pump forwards one bucket's KV entries as change events.
func (f *feed) pump(ctx context.Context, collection string, w jetstream.KeyWatcher) {
	defer f.wg.Done()
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// End-of-initial-values marker.
				continue
			}
			ev, err := f.eventFor(collection, entry)
			if err != nil {
				f.fail(err)
				return
			}
			select {
			case f.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// eventFor classifies one KV entry against the feed's prior-value map and
// stamps it with an updated position.
func (f *feed) eventFor(collection string, entry jetstream.KeyValueEntry) (store.ChangeEvent, error) {
	priorKey := collection + "/" + entry.Key()

	f.mu.Lock()
	defer f.mu.Unlock()

	old, seen := f.prior[priorKey]
	f.pos.revisions[collection] = entry.Revision()
	pos := f.pos.clone()

	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(f.prior, priorKey)
		id := entry.Key()
		if seen {
			if doc, err := decode(collection, old); err == nil {
				id = doc.DocumentID()
			}
		}
		return store.ChangeEvent{
			Collection: collection,
			Op:         store.OpDelete,
			ID:         id,
			Position:   pos,
		}, nil
	default:
		doc, err := decode(collection, entry.Value())
		if err != nil {
			return store.ChangeEvent{}, err
		}
		op := store.OpInsert
		var changed []string
		if seen {
			op = store.OpUpdate
			changed = diffFields(old, entry.Value())
		}
		f.prior[priorKey] = append([]byte(nil), entry.Value()...)
		return store.ChangeEvent{
			Collection: collection,
			Op:         op,
			ID:         doc.DocumentID(),
			Doc:        doc,
			Changed:    changed,
			Position:   pos,
		}, nil
	}
}

// diffFields returns the top-level JSON fields whose values differ between
// two encodings of a document.
func diffFields(oldData, newData []byte) []string {
	var oldMap, newMap map[string]json.RawMessage
	if json.Unmarshal(oldData, &oldMap) != nil || json.Unmarshal(newData, &newMap) != nil {
		return nil
	}
	var changed []string
	for k, nv := range newMap {
		ov, ok := oldMap[k]
		if !ok || string(ov) != string(nv) {
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
