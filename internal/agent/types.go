// Package agent runs the discover, filter, gate, act loop.
//
// One Scheduler drives everything sequentially: no two actions ever run
// concurrently. Pacing state lives in internal/pacing and processed ids in
// internal/dedup; the scheduler is the only writer of both.
package agent

import (
	"context"
	"strings"
	"time"
)

// Item is one discovered post. Immutable once fetched.
type Item struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"author_id"`
	AuthorHandle string    `json:"author_handle,omitempty"`
	Text         string    `json:"text"`
	Lang         string    `json:"lang,omitempty"`
	Followers    int       `json:"followers"` // -1 when unknown
	CreatedAt    time.Time `json:"created_at"`
	Query        string    `json:"query,omitempty"`

	// Set by sources that can tell from markup rather than text.
	IsRetweet bool `json:"is_retweet,omitempty"`
	IsReply   bool `json:"is_reply,omitempty"`
}

// FollowersUnknown marks an item whose author follower count was not extracted.
const FollowersUnknown = -1

// ActionKind names a remote effect.
type ActionKind string

const (
	KindLike   ActionKind = "like"
	KindFollow ActionKind = "follow"
)

func (k ActionKind) String() string { return string(k) }

// ParseKind normalizes a configured kind name.
func ParseKind(s string) ActionKind {
	return ActionKind(strings.ToLower(strings.TrimSpace(s)))
}

// TargetFor returns the remote identifier an action of kind operates on:
// the author for follow, the item itself for everything else.
func TargetFor(kind ActionKind, it Item) string {
	if kind == KindFollow {
		return it.AuthorID
	}
	return it.ID
}

// Page is one batch from a Source.
type Page struct {
	Items      []Item
	NextCursor string
	HasMore    bool
}

// Source yields candidate items for a query, one page per call.
// An empty cursor requests the first page.
type Source interface {
	Fetch(ctx context.Context, query, cursor string) (Page, error)
}

// Executor performs one remote action. Errors should be wrapped with
// Transient, Permanent or Auth; anything else counts as transient.
type Executor interface {
	Execute(ctx context.Context, kind ActionKind, target string) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, query, cursor string) (Page, error)

func (f SourceFunc) Fetch(ctx context.Context, query, cursor string) (Page, error) {
	return f(ctx, query, cursor)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, kind ActionKind, target string) error

func (f ExecutorFunc) Execute(ctx context.Context, kind ActionKind, target string) error {
	return f(ctx, kind, target)
}
