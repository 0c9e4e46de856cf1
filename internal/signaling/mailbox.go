// Package signaling carries call negotiation over the document store: the
// CallRecord is the shared mailbox and ICE candidates are posted to one
// append-only collection per recipient.
package signaling

import (
	"context"

	"medilink-signal/internal/docstore"
)

// Envelope is one message received on a mailbox channel.
type Envelope struct {
	ID  string
	doc docstore.Snapshot
}

func (e Envelope) Decode(v any) error {
	return e.doc.Decode(v)
}

// Mailbox is a post/subscribe channel abstraction. Channels are append-only:
// subscribers receive every message exactly once, existing ones first.
type Mailbox interface {
	Post(ctx context.Context, channel string, msg any) (string, error)
	Subscribe(ctx context.Context, channel string, fn func(Envelope)) (docstore.Unsubscribe, error)
}

// StoreMailbox maps channels to document collections.
type StoreMailbox struct {
	store docstore.Store
}

func NewStoreMailbox(store docstore.Store) *StoreMailbox {
	return &StoreMailbox{store: store}
}

func (m *StoreMailbox) Post(ctx context.Context, channel string, msg any) (string, error) {
	fields, err := docstore.Encode(msg)
	if err != nil {
		return "", err
	}
	return m.store.Add(ctx, channel, fields)
}

func (m *StoreMailbox) Subscribe(ctx context.Context, channel string, fn func(Envelope)) (docstore.Unsubscribe, error) {
	return m.store.Watch(ctx, channel, func(c docstore.Change) {
		if c.Kind != docstore.ChangeAdded {
			return
		}
		fn(Envelope{ID: c.Doc.ID, doc: c.Doc})
	})
}
