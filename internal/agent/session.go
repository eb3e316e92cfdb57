package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfarias/augur/internal/llm"
)

// Session is the per-conversation state. It lives only in memory: it is
// created on first use and gone when the process exits. The message
// window is bounded, so long conversations never grow memory.
type Session struct {
	ID        string
	StartedAt time.Time
	UserHints []string

	mu        sync.Mutex // held for the whole turn; TryLock gives SessionBusy semantics
	turnCount int
	window    []llm.Message
	maxWindow int
}

func newSession(id string, maxWindow int) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:        id,
		StartedAt: time.Now(),
		maxWindow: maxWindow,
	}
}

// TurnCount reports how many turns completed on this session.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// Window returns a copy of the current message window.
func (s *Session) Window() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.window))
	copy(out, s.window)
	return out
}

// tryAcquire claims the session for one turn without blocking.
func (s *Session) tryAcquire() bool {
	return s.mu.TryLock()
}

func (s *Session) release() {
	s.mu.Unlock()
}

// recordTurn appends the completed exchange to the window and bounds it
// to the most recent maxWindow messages. Caller must hold the session.
func (s *Session) recordTurn(userMessage, agentResponse string) {
	s.window = append(s.window,
		llm.Message{Role: "user", Content: userMessage},
		llm.Message{Role: "assistant", Content: agentResponse},
	)
	if over := len(s.window) - s.maxWindow; over > 0 {
		s.window = append([]llm.Message(nil), s.window[over:]...)
	}
	s.turnCount++
}

// clear drops the window and resets the counter. Caller must hold the
// session.
func (s *Session) clear() {
	s.window = nil
	s.turnCount = 0
}
