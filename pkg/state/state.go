// Package state holds per-sender conversation state between dispatches.
package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

// State is the per-sender bookkeeping handed to the responder.
type State struct {
	SenderID      string            `json:"sender_id"`
	Channel       string            `json:"channel,omitempty"`
	MessageCount  int               `json:"message_count"`
	FirstSeenAt   time.Time         `json:"first_seen_at"`
	LastMessageAt time.Time         `json:"last_message_at"`
	LastMessage   string            `json:"last_message,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Manager loads and saves sender state.
type Manager interface {
	GetUserState(ctx context.Context, senderID string) (State, error)
	SaveUserState(ctx context.Context, senderID string, st State) error
}

// MemoryManager keeps state in process memory. State does not survive restarts.
type MemoryManager struct {
	states map[string]State
	mu     sync.RWMutex
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{states: make(map[string]State)}
}

// GetUserState returns the stored state, or a zero state carrying senderID
// when the sender has not been seen before.
func (m *MemoryManager) GetUserState(ctx context.Context, senderID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	senderID = strings.TrimSpace(senderID)

	m.mu.RLock()
	st, ok := m.states[senderID]
	m.mu.RUnlock()
	if !ok {
		return State{SenderID: senderID}, nil
	}

	return cloneState(st), nil
}

func (m *MemoryManager) SaveUserState(ctx context.Context, senderID string, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	senderID = strings.TrimSpace(senderID)
	st.SenderID = senderID

	m.mu.Lock()
	m.states[senderID] = cloneState(st)
	m.mu.Unlock()

	return nil
}

// Len returns the number of senders with saved state.
func (m *MemoryManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Observe returns st advanced by one received message.
func Observe(st State, channel, body string, at time.Time) State {
	if st.FirstSeenAt.IsZero() {
		st.FirstSeenAt = at
	}
	st.Channel = channel
	st.MessageCount++
	st.LastMessageAt = at
	st.LastMessage = body
	return st
}

func cloneState(st State) State {
	if st.Attributes == nil {
		return st
	}

	attrs := make(map[string]string, len(st.Attributes))
	for key, value := range st.Attributes {
		attrs[key] = value
	}
	st.Attributes = attrs
	return st
}
