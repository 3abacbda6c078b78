package server

import (
	"fmt"
	"sync"
)

// SessionRegistry maps email to the live notification session of exactly
// the currently connected users. All cross-connection presence routing
// goes through it. Invariant: at most one session per email.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*NotificationSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*NotificationSession)}
}

// Register installs the session for an email and returns the session it
// displaced, if any. The swap is atomic: concurrent logins for the same
// email cannot both end up registered.
func (r *SessionRegistry) Register(email string, s *NotificationSession) *NotificationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.sessions[email]
	r.sessions[email] = s
	if prior == s {
		return nil
	}
	return prior
}

// Remove unregisters the email only while the entry still belongs to the
// given session, so a dying evicted session cannot unregister its
// replacement.
func (r *SessionRegistry) Remove(email string, s *NotificationSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[email] == s {
		delete(r.sessions, email)
	}
}

func (r *SessionRegistry) Get(email string) (*NotificationSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[email]
	return s, ok
}

func (r *SessionRegistry) All() []*NotificationSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*NotificationSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *SessionRegistry) Emails() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	emails := make([]string, 0, len(r.sessions))
	for email := range r.sessions {
		emails = append(emails, email)
	}
	return emails
}

// SwitchBoardRegistry maps session hashes to live switchboard
// conversations. Participant membership is mutated under the registry
// lock so reaping an emptied session is atomic against concurrent joins
// of the same hash.
type SwitchBoardRegistry struct {
	mu       sync.Mutex
	sessions map[string]*SwitchBoardSession
}

func NewSwitchBoardRegistry() *SwitchBoardRegistry {
	return &SwitchBoardRegistry{sessions: make(map[string]*SwitchBoardSession)}
}

// Create opens a new session under the hash with p as its sole
// participant. A hash that is still live is never reused.
func (r *SwitchBoardRegistry) Create(hash string, p *Participant) (*SwitchBoardSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[hash]; ok {
		return nil, fmt.Errorf("session %s already exists", hash)
	}
	s := &SwitchBoardSession{hash: hash, participants: []*Participant{p}}
	r.sessions[hash] = s
	return s, nil
}

// Join adds p to the session under the hash.
func (r *SwitchBoardRegistry) Join(hash string, p *Participant) (*SwitchBoardSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hash]
	if !ok {
		return nil, fmt.Errorf("no session %s", hash)
	}
	s.add(p)
	return s, nil
}

// Leave removes p from its session and drops the session once its
// participant set is empty.
func (r *SwitchBoardRegistry) Leave(s *SwitchBoardSession, p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.remove(p) == 0 {
		delete(r.sessions, s.hash)
	}
}

func (r *SwitchBoardRegistry) Get(hash string) (*SwitchBoardSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hash]
	return s, ok
}
