package bot

import (
	"sync"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
)

// sessionTTL bounds how long an unfinished /batch setup sticks around.
const sessionTTL = 30 * time.Minute

type step int

const (
	stepBatchLink step = iota + 1
	stepBatchCount
)

// session tracks one user's multi-step batch setup.
type session struct {
	step    step
	start   relay.SourceRef
	started time.Time
}

type sessionStore struct {
	mu sync.Mutex
	m  map[int64]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{m: make(map[int64]*session)}
}

func (s *sessionStore) begin(user int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[user] = &session{step: stepBatchLink, started: time.Now()}
}

// get returns the live session for user, dropping it if expired.
func (s *sessionStore) get(user int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.m[user]
	if sess == nil {
		return nil
	}
	if time.Since(sess.started) > sessionTTL {
		delete(s.m, user)
		return nil
	}
	return sess
}

func (s *sessionStore) advance(user int64, start relay.SourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.m[user]; sess != nil {
		sess.step = stepBatchCount
		sess.start = start
	}
}

func (s *sessionStore) clear(user int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, user)
}
