// Package session holds one caller's conversation: the transcript sent to the
// dialogue engine every turn and the most recent validated order.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pizzapal-backend/internal/dialogue"
	"pizzapal-backend/internal/order"
)

// State is where the conversation stands.
type State string

const (
	StateCollecting State = "collecting"
	StateCompleted  State = "completed"
)

// Validator turns a candidate payload into an order record.
type Validator interface {
	Validate(candidate map[string]any) (*order.Record, error)
}

// Session is safe for concurrent use. Reads never observe a half-applied
// reset; whole turns are serialised with BeginTurn.
type Session struct {
	id   string
	turn chan struct{}
	now  func() time.Time

	mu         sync.RWMutex
	turns      []dialogue.Turn
	current    *order.Record
	correction string
}

func New(id string) *Session {
	return &Session{id: id, turn: make(chan struct{}, 1), now: time.Now}
}

func (s *Session) ID() string { return s.id }

// BeginTurn waits until no other turn is running on this session. The
// returned func releases the turn.
func (s *Session) BeginTurn(ctx context.Context) (func(), error) {
	select {
	case s.turn <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.turn }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) AppendUserTurn(text string) {
	s.appendTurn(dialogue.Turn{Role: dialogue.RoleUser, Text: text})
}

func (s *Session) AppendAssistantTurn(text string) {
	s.appendTurn(dialogue.Turn{Role: dialogue.RoleAssistant, Text: text})
}

func (s *Session) appendTurn(t dialogue.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
}

// History returns a copy of the transcript in chronological order.
func (s *Session) History() []dialogue.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dialogue.Turn(nil), s.turns...)
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Rewind drops every turn after the first n. It only ever shortens.
func (s *Session) Rewind(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(s.turns) {
		clear(s.turns[n:])
		s.turns = s.turns[:n]
	}
}

// RecordOrderIfTerminal validates payload and, on success, replaces the
// current order with it. On failure the current order is left alone and the
// problems are kept as a correction note for the next engine call.
func (s *Session) RecordOrderIfTerminal(payload map[string]any, v Validator) (*order.Record, error) {
	rec, err := v.Validate(payload)
	if err != nil {
		var verr *order.ValidationError
		if errors.As(err, &verr) {
			s.mu.Lock()
			s.correction = correctionNote(verr)
			s.mu.Unlock()
		}
		return nil, err
	}
	rec.ID = uuid.NewString()
	rec.CompletedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = rec
	s.correction = ""
	return rec.Clone(), nil
}

func correctionNote(verr *order.ValidationError) string {
	return fmt.Sprintf("The order JSON you sent last was not accepted: %s. "+
		"Ask the customer for whatever is missing or wrong, then send the complete JSON again.",
		strings.Join(verr.Problems, "; "))
}

// CurrentOrder returns a copy of the latest order, or nil.
func (s *Session) CurrentOrder() *order.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Snapshot reads the transcript and the order under one lock.
func (s *Session) Snapshot() ([]dialogue.Turn, *order.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dialogue.Turn(nil), s.turns...), s.current.Clone()
}

// Status reads the order and the state it implies under one lock.
func (s *Session) Status() (*order.Record, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil {
		return s.current.Clone(), StateCompleted
	}
	return nil, StateCollecting
}

// Correction returns the pending correction note without clearing it.
func (s *Session) Correction() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.correction
}

// TakeCorrection returns the pending correction note and clears it.
func (s *Session) TakeCorrection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	note := s.correction
	s.correction = ""
	return note
}

// Reset clears the transcript, the order and any correction note together.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.current = nil
	s.correction = ""
}
