package docstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type subscription struct {
	id     uint64
	serial *Serial
	active atomic.Bool
}

func (s *subscription) deliver(fn func()) {
	s.serial.Do(func() {
		if s.active.Load() {
			fn()
		}
	})
}

// MemoryStore keeps documents in process. Listener notifications are queued
// while the write lock is held, so every subscriber observes writes in the
// order they were applied.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Fields
	docSubs     map[string]map[uint64]*docSubscription
	collSubs    map[string]map[uint64]*collSubscription
	nextSub     uint64
}

type docSubscription struct {
	*subscription
	fn Listener
}

type collSubscription struct {
	*subscription
	fn ChangeListener
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Fields),
		docSubs:     make(map[string]map[uint64]*docSubscription),
		collSubs:    make(map[string]map[uint64]*collSubscription),
	}
}

func docKey(collection, id string) string {
	return collection + "\x00" + id
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fields, ok := m.collections[collection][id]
	if !ok {
		return Snapshot{ID: id}, ErrNotFound
	}
	return Snapshot{ID: id, Exists: true, Fields: Copy(fields)}, nil
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := Normalize(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collection(collection)
	existing, existed := docs[id]
	if merge && existed {
		normalized = Merge(existing, normalized)
	}
	docs[id] = normalized
	m.notifyLocked(collection, id, normalized, existed)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := Normalize(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged := Merge(existing, normalized)
	m.collections[collection][id] = merged
	m.notifyLocked(collection, id, merged, true)
	return nil
}

func (m *MemoryStore) UpdateFunc(ctx context.Context, collection, id string, fn Mutator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	patch, err := fn(Snapshot{ID: id, Exists: true, Fields: Copy(existing)})
	if err != nil || len(patch) == 0 {
		return err
	}
	normalized, err := Normalize(patch)
	if err != nil {
		return err
	}
	merged := Merge(existing, normalized)
	m.collections[collection][id] = merged
	m.notifyLocked(collection, id, merged, true)
	return nil
}

func (m *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	if err := m.Set(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	if _, ok := docs[id]; !ok {
		return nil
	}
	delete(docs, id)

	removed := Snapshot{ID: id}
	for _, sub := range m.docSubs[docKey(collection, id)] {
		fn := sub.fn
		sub.deliver(func() { fn(removed) })
	}
	for _, sub := range m.collSubs[collection] {
		fn := sub.fn
		sub.deliver(func() { fn(Change{Kind: ChangeRemoved, Doc: removed}) })
	}
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	docs := m.snapshotsLocked(collection)
	m.mu.Unlock()
	return ApplyQuery(docs, q), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, collection, id string, fn Listener) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := docKey(collection, id)
	sub := &docSubscription{subscription: m.newSubscriptionLocked(), fn: fn}
	if m.docSubs[key] == nil {
		m.docSubs[key] = make(map[uint64]*docSubscription)
	}
	m.docSubs[key][sub.id] = sub

	current := Snapshot{ID: id}
	if fields, ok := m.collections[collection][id]; ok {
		current = Snapshot{ID: id, Exists: true, Fields: Copy(fields)}
	}
	sub.deliver(func() { fn(current) })

	return m.unsubscriber(sub.subscription, func() {
		delete(m.docSubs[key], sub.id)
		if len(m.docSubs[key]) == 0 {
			delete(m.docSubs, key)
		}
	}), nil
}

func (m *MemoryStore) Watch(ctx context.Context, collection string, fn ChangeListener) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &collSubscription{subscription: m.newSubscriptionLocked(), fn: fn}
	if m.collSubs[collection] == nil {
		m.collSubs[collection] = make(map[uint64]*collSubscription)
	}
	m.collSubs[collection][sub.id] = sub

	for _, doc := range m.snapshotsLocked(collection) {
		doc := doc
		sub.deliver(func() { fn(Change{Kind: ChangeAdded, Doc: doc}) })
	}

	return m.unsubscriber(sub.subscription, func() {
		delete(m.collSubs[collection], sub.id)
		if len(m.collSubs[collection]) == 0 {
			delete(m.collSubs, collection)
		}
	}), nil
}

// Close is a no-op; subscriptions are released by their Unsubscribe funcs.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) collection(name string) map[string]Fields {
	docs, ok := m.collections[name]
	if !ok {
		docs = make(map[string]Fields)
		m.collections[name] = docs
	}
	return docs
}

func (m *MemoryStore) snapshotsLocked(collection string) []Snapshot {
	docs := m.collections[collection]
	out := make([]Snapshot, 0, len(docs))
	for id, fields := range docs {
		out = append(out, Snapshot{ID: id, Exists: true, Fields: Copy(fields)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) newSubscriptionLocked() *subscription {
	m.nextSub++
	sub := &subscription{id: m.nextSub, serial: NewSerial()}
	sub.active.Store(true)
	return sub
}

func (m *MemoryStore) unsubscriber(sub *subscription, remove func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			m.mu.Lock()
			remove()
			m.mu.Unlock()
			sub.serial.Stop()
		})
	}
}

func (m *MemoryStore) notifyLocked(collection, id string, fields Fields, existed bool) {
	kind := ChangeAdded
	if existed {
		kind = ChangeModified
	}
	for _, sub := range m.docSubs[docKey(collection, id)] {
		fn := sub.fn
		snap := Snapshot{ID: id, Exists: true, Fields: Copy(fields)}
		sub.deliver(func() { fn(snap) })
	}
	for _, sub := range m.collSubs[collection] {
		fn := sub.fn
		snap := Snapshot{ID: id, Exists: true, Fields: Copy(fields)}
		sub.deliver(func() { fn(Change{Kind: kind, Doc: snap}) })
	}
}

// SubscriberCount reports live subscriptions across all documents and
// collections.
func (m *MemoryStore) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.docSubs {
		n += len(subs)
	}
	for _, subs := range m.collSubs {
		n += len(subs)
	}
	return n
}
