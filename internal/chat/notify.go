package chat

import (
	"context"
	"time"
)

type ChangeKind string

const (
	SessionCreated ChangeKind = "session.created"
	SessionRenamed ChangeKind = "session.renamed"
	SessionDeleted ChangeKind = "session.deleted"
	MessageCreated ChangeKind = "message.created"
	MessageUpdated ChangeKind = "message.updated"
)

// Change describes one write to the chat store, as seen by subscribers.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	UserID    uint64     `json:"-"`
	SessionID string     `json:"session_id"`
	MessageID uint64     `json:"message_id,omitempty"`
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Title     string     `json:"title,omitempty"`
	At        time.Time  `json:"at"`
}

// Notifier fans store changes out to readers. Publishing is best effort.
type Notifier interface {
	Publish(ctx context.Context, c Change) error
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Change) error { return nil }
