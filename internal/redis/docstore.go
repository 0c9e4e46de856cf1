package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
)

// Redis key patterns:
// - doc:{collection}:{id} - JSON document body
// - docs:{collection} - set of document ids in the collection
// - channel:doc:{collection} - pub/sub channel carrying docEvent payloads
const (
	docKeyPrefix     = "doc:"
	docIndexPrefix   = "docs:"
	docChannelPrefix = "channel:doc:"
	maxTxRetries     = 10
)

type docEvent struct {
	Op      string          `json:"op"` // set, delete
	ID      string          `json:"id"`
	Existed bool            `json:"existed,omitempty"`
	Fields  docstore.Fields `json:"fields,omitempty"`
}

// DocStore implements docstore.Store on Redis. Every write publishes an event
// inside the same MULTI block, so subscribers see writes in apply order.
type DocStore struct {
	client *goredis.Client
	logger *zap.Logger
}

func NewDocStore(client *goredis.Client, logger *zap.Logger) *DocStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocStore{client: client, logger: logger}
}

func docKey(collection, id string) string {
	return docKeyPrefix + collection + ":" + id
}

func indexKey(collection string) string {
	return docIndexPrefix + collection
}

func channelName(collection string) string {
	return docChannelPrefix + collection
}

func (d *DocStore) Get(ctx context.Context, collection, id string) (docstore.Snapshot, error) {
	data, err := d.client.Get(ctx, docKey(collection, id)).Bytes()
	if err == goredis.Nil {
		return docstore.Snapshot{ID: id}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Snapshot{}, err
	}
	fields := docstore.Fields{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return docstore.Snapshot{}, fmt.Errorf("decode %s: %w", docKey(collection, id), err)
	}
	return docstore.Snapshot{ID: id, Exists: true, Fields: fields}, nil
}

func (d *DocStore) Set(ctx context.Context, collection, id string, fields docstore.Fields, merge bool) error {
	return d.write(ctx, collection, id, fields, merge, false)
}

func (d *DocStore) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	return d.write(ctx, collection, id, fields, true, true)
}

func (d *DocStore) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := uuid.NewString()
	if err := d.write(ctx, collection, id, fields, false, false); err != nil {
		return "", err
	}
	return id, nil
}

func (d *DocStore) UpdateFunc(ctx context.Context, collection, id string, fn docstore.Mutator) error {
	return d.apply(ctx, collection, id, true, true, func(current docstore.Snapshot) (docstore.Fields, error) {
		patch, err := fn(current)
		if err != nil || len(patch) == 0 {
			return nil, err
		}
		return docstore.Normalize(patch)
	})
}

func (d *DocStore) write(ctx context.Context, collection, id string, fields docstore.Fields, merge, mustExist bool) error {
	patch, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	return d.apply(ctx, collection, id, merge, mustExist, func(docstore.Snapshot) (docstore.Fields, error) {
		return patch, nil
	})
}

// apply runs an optimistic WATCH/MULTI transaction over the document key. A
// nil patch from fn leaves the document untouched. fn runs again whenever the
// key changed under the transaction.
func (d *DocStore) apply(ctx context.Context, collection, id string, merge, mustExist bool, fn docstore.Mutator) error {
	key := docKey(collection, id)

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		existed := err == nil
		if err != nil && err != goredis.Nil {
			return err
		}
		if mustExist && !existed {
			return docstore.ErrNotFound
		}

		base := docstore.Fields{}
		if existed {
			if err := json.Unmarshal(current, &base); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		patch, err := fn(docstore.Snapshot{ID: id, Exists: existed, Fields: docstore.Copy(base)})
		if err != nil || patch == nil {
			return err
		}

		next := patch
		if merge && existed {
			next = docstore.Merge(base, patch)
		}

		body, err := json.Marshal(next)
		if err != nil {
			return err
		}
		event, err := json.Marshal(docEvent{Op: "set", ID: id, Existed: existed, Fields: next})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			pipe.SAdd(ctx, indexKey(collection), id)
			pipe.Publish(ctx, channelName(collection), event)
			return nil
		})
		return err
	}
	return d.watch(ctx, key, txf)
}

// Delete removes the document, its index entry and publishes the event in
// one MULTI block so no concurrent Set can land in between.
func (d *DocStore) Delete(ctx context.Context, collection, id string) error {
	key := docKey(collection, id)
	event, err := json.Marshal(docEvent{Op: "delete", ID: id})
	if err != nil {
		return err
	}

	txf := func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, indexKey(collection), id)
			pipe.Publish(ctx, channelName(collection), event)
			return nil
		})
		return err
	}
	return d.watch(ctx, key, txf)
}

func (d *DocStore) watch(ctx context.Context, key string, txf func(*goredis.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = d.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("write %s: %w", key, err)
}

func (d *DocStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Snapshot, error) {
	ids, err := d.client.SMembers(ctx, indexKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	docs := make([]docstore.Snapshot, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		fields := docstore.Fields{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			d.logger.Warn("skipping undecodable document", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		docs = append(docs, docstore.Snapshot{ID: ids[i], Exists: true, Fields: fields})
	}
	if len(stale) > 0 {
		d.client.SRem(ctx, indexKey(collection), stale...)
	}
	return docstore.ApplyQuery(docs, q), nil
}

func (d *DocStore) Subscribe(ctx context.Context, collection, id string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	ps, err := d.openChannel(ctx, collection)
	if err != nil {
		return nil, err
	}

	current, err := d.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		_ = ps.Close()
		return nil, err
	}

	return d.listen(ps, func(emit func(func())) {
		emit(func() { fn(current) })
	}, func(ev docEvent, emit func(func())) {
		if ev.ID != id {
			return
		}
		snap := docstore.Snapshot{ID: id}
		if ev.Op == "set" {
			snap = docstore.Snapshot{ID: id, Exists: true, Fields: ev.Fields}
		}
		emit(func() { fn(snap) })
	}), nil
}

func (d *DocStore) Watch(ctx context.Context, collection string, fn docstore.ChangeListener) (docstore.Unsubscribe, error) {
	ps, err := d.openChannel(ctx, collection)
	if err != nil {
		return nil, err
	}

	existing, err := d.Query(ctx, collection, docstore.Query{})
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	seen := make(map[string]struct{}, len(existing))
	return d.listen(ps, func(emit func(func())) {
		for _, doc := range existing {
			doc := doc
			seen[doc.ID] = struct{}{}
			emit(func() { fn(docstore.Change{Kind: docstore.ChangeAdded, Doc: doc}) })
		}
	}, func(ev docEvent, emit func(func())) {
		switch ev.Op {
		case "set":
			kind := docstore.ChangeModified
			if _, ok := seen[ev.ID]; !ok {
				kind = docstore.ChangeAdded
				seen[ev.ID] = struct{}{}
			}
			doc := docstore.Snapshot{ID: ev.ID, Exists: true, Fields: ev.Fields}
			emit(func() { fn(docstore.Change{Kind: kind, Doc: doc}) })
		case "delete":
			delete(seen, ev.ID)
			doc := docstore.Snapshot{ID: ev.ID}
			emit(func() { fn(docstore.Change{Kind: docstore.ChangeRemoved, Doc: doc}) })
		}
	}), nil
}

func (d *DocStore) Close() error {
	return d.client.Close()
}

// openChannel subscribes and waits for the server confirmation so no write
// issued after it returns can be missed.
func (d *DocStore) openChannel(ctx context.Context, collection string) (*goredis.PubSub, error) {
	ps := d.client.Subscribe(ctx, channelName(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channelName(collection), err)
	}
	return ps, nil
}

func (d *DocStore) listen(ps *goredis.PubSub, initial func(emit func(func())), onEvent func(docEvent, func(func()))) docstore.Unsubscribe {
	var active atomic.Bool
	active.Store(true)
	done := make(chan struct{})

	emit := func(fn func()) {
		if active.Load() {
			fn()
		}
	}

	go func() {
		defer ps.Close()
		initial(emit)
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev docEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					d.logger.Warn("dropping malformed document event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				onEvent(ev, emit)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			active.Store(false)
			close(done)
		})
	}
}

var _ docstore.Store = (*DocStore)(nil)
