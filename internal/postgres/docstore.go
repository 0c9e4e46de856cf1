// Package postgres stores documents as JSONB rows and fans out change
// notifications through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
)

const (
	notifyChannel = "docstore"

	schemaSQL = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`
)

type notification struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"` // set, delete
	Existed    bool   `json:"existed,omitempty"`
}

type listener struct {
	id     uint64
	docID  string // empty for collection watchers
	serial *docstore.Serial
	active atomic.Bool
	onDoc  docstore.Listener
	onColl func(notification, docstore.Snapshot)
}

// DocStore implements docstore.Store on a single JSONB table.
type DocStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[string]map[uint64]*listener
	nextID    uint64
	cancel    context.CancelFunc
	started   bool
}

func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*DocStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	store := NewDocStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func NewDocStore(pool *pgxpool.Pool, logger *zap.Logger) *DocStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocStore{
		pool:      pool,
		logger:    logger,
		listeners: make(map[string]map[uint64]*listener),
	}
}

// Migrate creates the documents table when missing.
func (d *DocStore) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (d *DocStore) Ping(ctx context.Context) error { return d.pool.Ping(ctx) }

func (d *DocStore) Get(ctx context.Context, collection, id string) (docstore.Snapshot, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Snapshot{ID: id}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return decodeRow(id, raw)
}

func (d *DocStore) Set(ctx context.Context, collection, id string, fields docstore.Fields, merge bool) error {
	body, err := encodeBody(fields)
	if err != nil {
		return err
	}
	onConflict := `data = EXCLUDED.data`
	if merge {
		onConflict = `data = documents.data || EXCLUDED.data`
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var existed bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
		collection, id,
	).Scan(&existed)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (collection, id) DO UPDATE SET `+onConflict+`, updated_at = now()`,
		collection, id, body,
	)
	if err != nil {
		return err
	}
	if err := notify(ctx, tx, notification{Collection: collection, ID: id, Op: "set", Existed: existed}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *DocStore) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	body, err := encodeBody(fields)
	if err != nil {
		return err
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE documents SET data = data || $3, updated_at = now() WHERE collection = $1 AND id = $2`,
		collection, id, body,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	if err := notify(ctx, tx, notification{Collection: collection, ID: id, Op: "set", Existed: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateFunc locks the row for the length of the transaction, so fn sees the
// state its patch is applied to.
func (d *DocStore) UpdateFunc(ctx context.Context, collection, id string, fn docstore.Mutator) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.ErrNotFound
	}
	if err != nil {
		return err
	}
	current, err := decodeRow(id, raw)
	if err != nil {
		return err
	}
	patch, err := fn(current)
	if err != nil || len(patch) == 0 {
		return err
	}
	body, err := encodeBody(patch)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET data = data || $3, updated_at = now() WHERE collection = $1 AND id = $2`,
		collection, id, body,
	); err != nil {
		return err
	}
	if err := notify(ctx, tx, notification{Collection: collection, ID: id, Op: "set", Existed: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *DocStore) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := uuid.NewString()
	if err := d.Set(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (d *DocStore) Delete(ctx context.Context, collection, id string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		if err := notify(ctx, tx, notification{Collection: collection, ID: id, Op: "delete"}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (d *DocStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Snapshot, error) {
	sql, args, err := buildSelect(collection, q)
	if err != nil {
		return nil, err
	}
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []docstore.Snapshot
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		snap, err := decodeRow(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docstore.ApplyQuery(docs, q), nil
}

func (d *DocStore) Subscribe(ctx context.Context, collection, id string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	l := &listener{docID: id, onDoc: fn}
	unsubscribe, err := d.register(ctx, collection, l)
	if err != nil {
		return nil, err
	}

	current, err := d.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		unsubscribe()
		return nil, err
	}
	l.deliver(func() { fn(current) })
	return unsubscribe, nil
}

func (d *DocStore) Watch(ctx context.Context, collection string, fn docstore.ChangeListener) (docstore.Unsubscribe, error) {
	seen := make(map[string]struct{})
	l := &listener{}
	l.onColl = func(n notification, snap docstore.Snapshot) {
		switch {
		case n.Op == "delete" || !snap.Exists:
			delete(seen, n.ID)
			fn(docstore.Change{Kind: docstore.ChangeRemoved, Doc: docstore.Snapshot{ID: n.ID}})
		default:
			kind := docstore.ChangeModified
			if _, ok := seen[n.ID]; !ok {
				kind = docstore.ChangeAdded
				seen[n.ID] = struct{}{}
			}
			fn(docstore.Change{Kind: kind, Doc: snap})
		}
	}

	unsubscribe, err := d.register(ctx, collection, l)
	if err != nil {
		return nil, err
	}
	existing, err := d.Query(ctx, collection, docstore.Query{})
	if err != nil {
		unsubscribe()
		return nil, err
	}
	for _, doc := range existing {
		doc := doc
		l.deliver(func() {
			if _, ok := seen[doc.ID]; ok {
				return
			}
			seen[doc.ID] = struct{}{}
			fn(docstore.Change{Kind: docstore.ChangeAdded, Doc: doc})
		})
	}
	return unsubscribe, nil
}

func (d *DocStore) Close() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	for _, ls := range d.listeners {
		for _, l := range ls {
			l.active.Store(false)
			l.serial.Stop()
		}
	}
	d.listeners = make(map[string]map[uint64]*listener)
	d.mu.Unlock()
	d.pool.Close()
	return nil
}

func (l *listener) deliver(fn func()) {
	l.serial.Do(func() {
		if l.active.Load() {
			fn()
		}
	})
}

func (d *DocStore) register(ctx context.Context, collection string, l *listener) (docstore.Unsubscribe, error) {
	if err := d.ensureListening(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.nextID++
	l.id = d.nextID
	l.serial = docstore.NewSerial()
	l.active.Store(true)
	if d.listeners[collection] == nil {
		d.listeners[collection] = make(map[uint64]*listener)
	}
	d.listeners[collection][l.id] = l
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Store(false)
			d.mu.Lock()
			delete(d.listeners[collection], l.id)
			if len(d.listeners[collection]) == 0 {
				delete(d.listeners, collection)
			}
			d.mu.Unlock()
			l.serial.Stop()
		})
	}, nil
}

// ensureListening starts the shared LISTEN loop on first use.
func (d *DocStore) ensureListening(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("postgres listen: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.started = true
	go d.listenLoop(loopCtx, conn)
	return nil
}

func (d *DocStore) listenLoop(ctx context.Context, conn *pgxpool.Conn) {
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("postgres notification loop stopped", zap.Error(err))
				d.mu.Lock()
				d.started = false
				d.mu.Unlock()
			}
			return
		}
		var payload notification
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			d.logger.Warn("dropping malformed notification", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		d.dispatch(payload)
	}
}

func (d *DocStore) dispatch(n notification) {
	d.mu.Lock()
	var targets []*listener
	for _, l := range d.listeners[n.Collection] {
		if l.docID == "" || l.docID == n.ID {
			targets = append(targets, l)
		}
	}
	d.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	// NOTIFY payloads are capped at 8000 bytes, so bodies are re-read.
	snap := docstore.Snapshot{ID: n.ID}
	if n.Op != "delete" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		current, err := d.Get(ctx, n.Collection, n.ID)
		cancel()
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			d.logger.Warn("re-read after notification failed", zap.String("collection", n.Collection), zap.String("id", n.ID), zap.Error(err))
			return
		}
		snap = current
	}

	for _, l := range targets {
		l := l
		if l.onDoc != nil {
			l.deliver(func() { l.onDoc(snap) })
		} else {
			l.deliver(func() { l.onColl(n, snap) })
		}
	}
}

func notify(ctx context.Context, tx pgx.Tx, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

func encodeBody(fields docstore.Fields) ([]byte, error) {
	normalized, err := docstore.Normalize(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func decodeRow(id string, raw []byte) (docstore.Snapshot, error) {
	fields := docstore.Fields{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return docstore.Snapshot{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return docstore.Snapshot{ID: id, Exists: true, Fields: fields}, nil
}

// buildSelect pushes equality filters down as a JSONB containment test. Range
// filters, ordering and paging run in ApplyQuery afterwards.
func buildSelect(collection string, q docstore.Query) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)
	args := []any{collection}

	contains := docstore.Fields{}
	for _, f := range q.Filters {
		if f.Op == docstore.OpEqual {
			contains[f.Field] = f.Value
		}
	}
	if len(contains) > 0 {
		body, err := encodeBody(contains)
		if err != nil {
			return "", nil, err
		}
		args = append(args, body)
		sb.WriteString(fmt.Sprintf(` AND data @> $%d`, len(args)))
	}
	sb.WriteString(` ORDER BY id`)
	return sb.String(), args, nil
}

var _ docstore.Store = (*DocStore)(nil)
