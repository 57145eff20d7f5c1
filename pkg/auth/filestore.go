package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// fileTokenStore keeps a single token in a JSON file and pending states in
// memory. It backs the Google calendar login, which has no database.
type fileTokenStore struct {
	path string

	mu     sync.Mutex
	states map[string]bool
}

func (s *fileTokenStore) LoadToken(_ context.Context, _ string) (*oauth2.Token, error) {
	return tokenFromFile(s.path)
}

func (s *fileTokenStore) SaveToken(_ context.Context, _ string, tok *oauth2.Token) error {
	return saveToken(s.path, tok)
}

func (s *fileTokenStore) SaveState(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = true
	return nil
}

func (s *fileTokenStore) ConsumeState(_ context.Context, state string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.states[state]
	delete(s.states, state)
	return ok, nil
}
