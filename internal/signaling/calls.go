package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/call"
	medilink_errors "medilink-signal/pkg/errors"
)

const CallsCollection = "calls"

// CandidatesChannel is the collection holding candidates addressed to toUserID.
func CandidatesChannel(callID, toUserID string) string {
	return CallsCollection + "/" + callID + "/candidates/" + toUserID
}

// Calls reads and writes CallRecords and their candidate collections.
type Calls struct {
	store   docstore.Store
	mailbox Mailbox
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Calls)

func WithMailbox(m Mailbox) Option {
	return func(c *Calls) {
		if m != nil {
			c.mailbox = m
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *Calls) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Calls) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCalls(store docstore.Store, opts ...Option) *Calls {
	c := &Calls{
		store:   store,
		mailbox: NewStoreMailbox(store),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCall writes a fresh record in the ringing state with no offer or answer.
func (c *Calls) CreateCall(ctx context.Context, rec call.Record) (call.Record, error) {
	if rec.CallerID == "" || rec.ReceiverID == "" {
		return call.Record{}, fmt.Errorf("create call: caller and receiver are required: %w", medilink_errors.ErrInvalidInput)
	}
	if rec.CallerID == rec.ReceiverID {
		return call.Record{}, fmt.Errorf("create call: caller cannot call themselves: %w", medilink_errors.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if !rec.Type.Valid() {
		rec.Type = call.TypeVideo
	}
	rec.Offer = nil
	rec.Answer = nil
	rec.Status = call.StatusRinging
	rec.Messages = []call.ChatMessage{}
	rec.CreatedAt = c.now()

	fields, err := docstore.Encode(rec)
	if err != nil {
		return call.Record{}, err
	}
	if err := c.store.Set(ctx, CallsCollection, rec.ID, fields, false); err != nil {
		return call.Record{}, fmt.Errorf("create call %s: %w", rec.ID, err)
	}
	return rec, nil
}

func (c *Calls) GetCall(ctx context.Context, callID string) (call.Record, error) {
	snap, err := c.store.Get(ctx, CallsCollection, callID)
	if errors.Is(err, docstore.ErrNotFound) {
		return call.Record{}, fmt.Errorf("%w: %s", medilink_errors.ErrCallNotFound, callID)
	}
	if err != nil {
		return call.Record{}, err
	}
	return decodeRecord(snap)
}

// WriteOffer stores the caller's offer.
func (c *Calls) WriteOffer(ctx context.Context, callID string, offer call.SessionDescription) error {
	return c.update(ctx, callID, docstore.Fields{"offer": offer})
}

// WriteAnswer stores the callee's answer and moves a ringing call to accepted.
// The status check and the write are one atomic step, so an ended call stays
// ended even when the hang-up races the answer.
func (c *Calls) WriteAnswer(ctx context.Context, callID string, answer call.SessionDescription) error {
	return c.mutate(ctx, callID, func(rec call.Record) (docstore.Fields, error) {
		fields := docstore.Fields{"answer": answer}
		if rec.Status.CanAdvanceTo(call.StatusAccepted) {
			fields["status"] = call.StatusAccepted
		}
		return fields, nil
	})
}

// SetStatus writes status only if it keeps the record monotonic. A backward
// write is refused with ErrInvalidTransition; a repeat write is a no-op.
func (c *Calls) SetStatus(ctx context.Context, callID string, status call.Status) error {
	err := c.mutate(ctx, callID, func(rec call.Record) (docstore.Fields, error) {
		if rec.Status == status {
			return nil, nil
		}
		if !rec.Status.CanAdvanceTo(status) {
			return nil, fmt.Errorf("call %s %s -> %s: %w", callID, rec.Status, status, medilink_errors.ErrInvalidTransition)
		}
		return docstore.Fields{"status": status}, nil
	})
	if errors.Is(err, medilink_errors.ErrInvalidTransition) {
		c.logger.Warn("refusing status regression", zap.String("call_id", callID), zap.Error(err))
	}
	return err
}

// AppendMessage is a read-modify-write of the messages array. Concurrent
// appends may lose one another; the last writer wins.
func (c *Calls) AppendMessage(ctx context.Context, callID string, msg call.ChatMessage) error {
	rec, err := c.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	messages := append(rec.Messages, msg)
	return c.update(ctx, callID, docstore.Fields{"messages": messages})
}

// PostCandidate appends a candidate to the recipient's collection.
func (c *Calls) PostCandidate(ctx context.Context, rec call.CandidateRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	_, err := c.mailbox.Post(ctx, CandidatesChannel(rec.CallID, rec.ToUserID), rec)
	if err != nil {
		return fmt.Errorf("post candidate for %s: %w", rec.CallID, err)
	}
	return nil
}

// WatchCall streams the record. exists is false once the document is gone.
func (c *Calls) WatchCall(ctx context.Context, callID string, fn func(rec call.Record, exists bool)) (docstore.Unsubscribe, error) {
	return c.store.Subscribe(ctx, CallsCollection, callID, func(snap docstore.Snapshot) {
		if !snap.Exists {
			fn(call.Record{ID: callID}, false)
			return
		}
		rec, err := decodeRecord(snap)
		if err != nil {
			c.logger.Warn("undecodable call record", zap.String("call_id", callID), zap.Error(err))
			return
		}
		fn(rec, true)
	})
}

// WatchCandidates streams candidates addressed to userID, existing ones first.
func (c *Calls) WatchCandidates(ctx context.Context, callID, userID string, fn func(call.CandidateRecord)) (docstore.Unsubscribe, error) {
	return c.mailbox.Subscribe(ctx, CandidatesChannel(callID, userID), func(env Envelope) {
		var rec call.CandidateRecord
		if err := env.Decode(&rec); err != nil {
			c.logger.Warn("undecodable candidate", zap.String("call_id", callID), zap.Error(err))
			return
		}
		rec.ID = env.ID
		fn(rec)
	})
}

func (c *Calls) update(ctx context.Context, callID string, fields docstore.Fields) error {
	err := c.store.Update(ctx, CallsCollection, callID, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", medilink_errors.ErrCallNotFound, callID)
	}
	return err
}

// mutate derives an update from the current record atomically in the store.
func (c *Calls) mutate(ctx context.Context, callID string, fn func(call.Record) (docstore.Fields, error)) error {
	err := c.store.UpdateFunc(ctx, CallsCollection, callID, func(snap docstore.Snapshot) (docstore.Fields, error) {
		rec, err := decodeRecord(snap)
		if err != nil {
			return nil, err
		}
		return fn(rec)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", medilink_errors.ErrCallNotFound, callID)
	}
	return err
}

func decodeRecord(snap docstore.Snapshot) (call.Record, error) {
	var rec call.Record
	if err := snap.Decode(&rec); err != nil {
		return call.Record{}, err
	}
	rec.ID = snap.ID
	return rec, nil
}
