// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.WriteEntryErr = errors.New("db down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("WriteEntry"); got != 1 {
//	    t.Errorf("expected 1 WriteEntry call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/leadvoice/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory [memory.Store]. Successful writes are
// kept and served back by History and Search.
type Store struct {
	mu sync.Mutex

	calls   []Call
	entries []memory.Entry

	// WriteEntryErr is returned by [Store.WriteEntry] when non-nil; the
	// entry is not stored.
	WriteEntryErr error

	// HistoryErr is returned by [Store.History] when non-nil.
	HistoryErr error

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error

	// OnWrite, when set, is called with every entry passed to WriteEntry
	// before WriteEntryErr is consulted.
	OnWrite func(memory.Entry)
}

// WriteEntry implements [memory.Store].
func (s *Store) WriteEntry(_ context.Context, e memory.Entry) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: "WriteEntry", Args: []any{e}})
	hook, err := s.OnWrite, s.WriteEntryErr
	if err == nil && !s.hasLocked(e.SessionID, e.MessageID) {
		s.entries = append(s.entries, e)
	}
	s.mu.Unlock()

	if hook != nil {
		hook(e)
	}
	return err
}

// History implements [memory.Store].
func (s *Store) History(_ context.Context, sessionID string, opts memory.HistoryOpts) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "History", Args: []any{sessionID, opts}})
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	out := []memory.Entry{}
	for _, e := range s.entries {
		if e.SessionID != sessionID {
			continue
		}
		if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
			continue
		}
		if opts.Role != "" && e.Role != opts.Role {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Search implements [memory.Store] with a case-insensitive substring match.
func (s *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Search", Args: []any{query, opts}})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	q := strings.ToLower(query)
	out := []memory.Entry{}
	for _, e := range s.entries {
		if !strings.Contains(strings.ToLower(e.Content), q) {
			continue
		}
		if opts.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		if opts.ServiceType != "" && e.ServiceType != opts.ServiceType {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Entries returns a copy of every stored entry in write order.
func (s *Store) Entries() []memory.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Calls returns a copy of all recorded method invocations.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored entries.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.entries = nil
}

func (s *Store) hasLocked(sessionID, messageID string) bool {
	for _, e := range s.entries {
		if e.SessionID == sessionID && e.MessageID == messageID {
			return true
		}
	}
	return false
}
