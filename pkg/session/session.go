// Package session holds the state of one continuous conversation with the
// agent: its id, running totals and processing flag.
package session

import (
	"sync"

	"pilot/pkg/protocol"
)

// State is the processing flag of a session.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// Session is safe for concurrent use. The supervisor's read loop mutates it
// while the operator side reads it.
type Session struct {
	mu     sync.Mutex
	id     string
	totals protocol.Totals
	state  State
}

// New creates an idle session with no id.
func New() *Session {
	return &Session{state: StateIdle}
}

// ID returns the agent-assigned session id, or "" before the first turn.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetID records the session id announced by the agent or loaded for resume.
func (s *Session) SetID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// Resume adopts a previously persisted session: its id and the totals it
// had accumulated. Totals only ever grow, so lower figures are ignored.
func (s *Session) Resume(id string, t protocol.Totals) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.totals.InputTokens = max(s.totals.InputTokens, t.InputTokens)
	s.totals.OutputTokens = max(s.totals.OutputTokens, t.OutputTokens)
	s.totals.Cost = max(s.totals.Cost, t.Cost)
	s.totals.Requests = max(s.totals.Requests, t.Requests)
}

// AddUsage merges u into the totals and returns the new cumulative figures.
// Negative counts are ignored so totals never decrease.
func (s *Session) AddUsage(u protocol.Usage) protocol.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.InputTokens += max(u.InputTokens, 0)
	s.totals.OutputTokens += max(u.OutputTokens, 0)
	s.totals.Cost += max(u.Cost, 0)
	return s.totals
}

// AddRequest counts one completed agent request.
func (s *Session) AddRequest() protocol.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.Requests++
	return s.totals
}

// Totals returns a snapshot of the running figures.
func (s *Session) Totals() protocol.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// State returns the processing flag.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState updates the processing flag.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Reset discards the id and totals, as when the operator starts a new
// session.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.totals = protocol.Totals{}
	s.state = StateIdle
}
