// Package session keeps per-project conversation history for chat runs and
// evicts it after a period of inactivity.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"photoedit/internal/llm"
)

var ErrNotFound = errors.New("session not found")

// Session is the conversation state of one project.
type Session struct {
	ID       string
	History  []llm.Message
	LastUsed time.Time
}

type Options struct {
	// TTL is the idle time after which a session is evicted. Default: 30m.
	TTL time.Duration
	// Now overrides the clock (for testing).
	Now    func() time.Time
	Logger *slog.Logger
}

// Store is a keyed, expiring session map. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Get returns a copy of the session for id. An expired session counts as missing.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return Session{}, ErrNotFound
	}
	return copySession(sess), nil
}

// Touch returns the session for id, creating it when missing or expired, and
// marks it used.
func (s *Store) Touch(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.touch(id))
}

// Append adds messages to the history of id.
func (s *Store) Append(id string, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(id)
	sess.History = append(sess.History, msgs...)
}

// Reset drops the session for id.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len is the number of sessions held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("sessions evicted", "count", n, "remaining", s.Len())
			}
		}
	}
}

func (s *Store) touch(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	sess.LastUsed = s.now()
	return sess
}

func (s *Store) expired(sess *Session) bool {
	return s.now().Sub(sess.LastUsed) > s.ttl
}

func copySession(sess *Session) Session {
	out := *sess
	out.History = append([]llm.Message(nil), sess.History...)
	return out
}
