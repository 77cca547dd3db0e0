package identity

import "sync"

// Provider reports the signed-in user's id, when there is one.
type Provider interface {
	CurrentUserID() (string, bool)
}

// Static always reports the same user. The empty string means signed out.
type Static string

func (s Static) CurrentUserID() (string, bool) {
	id := NormalizeUserID(string(s))
	return id, id != ""
}

// Session is a settable provider for processes that sign users in and out
// at runtime.
type Session struct {
	mu sync.RWMutex
	id string
}

// SignIn records id as the current user.
func (s *Session) SignIn(id string) {
	s.mu.Lock()
	s.id = NormalizeUserID(id)
	s.mu.Unlock()
}

// SignOut clears the current user.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
}

func (s *Session) CurrentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != ""
}
