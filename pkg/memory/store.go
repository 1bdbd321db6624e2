// Package memory defines the chat log that records every committed message
// of a call for later review and requirements generation.
//
// A [Store] is an append-only, time-ordered log of [Entry] values keyed by
// session. Implementations live in sub-packages (memory/postgres for the
// production database, memory/mock for tests).
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Entry is one committed message of a call together with the lead context
// that was known when it was committed.
type Entry struct {
	// SessionID identifies the call the message belongs to.
	SessionID string `json:"sessionId"`

	// MessageID is the unique ID of the transcript message. Writing the same
	// (SessionID, MessageID) twice is a no-op.
	MessageID string `json:"messageId"`

	// ServiceType is the service the caller was enquiring about.
	ServiceType string `json:"serviceType"`

	// CompanyName and Phone are the contact details gathered so far. Either
	// may be empty.
	CompanyName string `json:"companyName"`
	Phone       string `json:"phone"`

	// Role is "user" or "model".
	Role string `json:"role"`

	// Content is the committed message text.
	Content string `json:"content"`

	// Timestamp is when the message was committed.
	Timestamp time.Time `json:"timestamp"`

	// Metadata holds optional extra fields, stored as JSON.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryOpts narrows [Store.History].
type HistoryOpts struct {
	// After filters entries committed after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Role restricts results to one role. Empty matches both.
	Role string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// SearchOpts configures a full-text search over the chat log.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	SessionID string

	// ServiceType restricts the search to one service.
	ServiceType string

	// After and Before bound the commit time (both exclusive).
	After  time.Time
	Before time.Time

	// Limit caps the number of results.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// Store is the chat-log persistence layer.
type Store interface {
	// WriteEntry appends entry to the log.
	WriteEntry(ctx context.Context, entry Entry) error

	// History returns the entries of sessionID in commit order.
	History(ctx context.Context, sessionID string, opts HistoryOpts) ([]Entry, error)

	// Search performs a keyword search over entry content, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)
}
