package model

import (
	"strings"
	"sync"
)

// TurnState describes who currently owns the conversation turn.
// Exactly one state holds at a time per session.
type TurnState string

const (
	StateDisconnected     TurnState = "disconnected"
	StateConnecting       TurnState = "connecting"
	StateReady            TurnState = "ready"
	StateListening        TurnState = "listening"
	StateAwaitingResponse TurnState = "awaitingResponse"
	StateSpeaking         TurnState = "speaking"
	StateError            TurnState = "error"
)

// ToolInvocation is a server-issued function call request.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult answers exactly one ToolInvocation, correlated by ID.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// StatusUpdate is the single user-facing status signal.
type StatusUpdate struct {
	State   TurnState
	Message string
}

// Transcript accumulates the text fragments of the current session.
// It is cleared whenever a new user turn begins.
type Transcript struct {
	mutex     sync.Mutex
	fragments []string
}

func (t *Transcript) Append(fragment string) {
	if fragment == "" {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.fragments = append(t.fragments, fragment)
}

func (t *Transcript) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.fragments = t.fragments[:0]
}

func (t *Transcript) Fragments() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	fragments := make([]string, len(t.fragments))
	copy(fragments, t.fragments)

	return fragments
}

func (t *Transcript) String() string {
	return strings.Join(t.Fragments(), "")
}
