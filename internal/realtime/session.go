package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Identity is the authenticated user behind a connection, resolved once at
// handshake time and immutable afterwards.
type Identity struct {
	UserID      string
	DisplayName string
}

// Session is the server-side state for one live connection. Frames queued via
// enqueue are drained by the connection's write pump in FIFO order, so
// delivery order per recipient matches publish order.
type Session struct {
	ID       string
	Identity Identity

	send chan []byte

	mu       sync.Mutex
	subs     map[string]string // repo -> branch ("" = repo-wide only)
	released bool

	releaseOnce sync.Once
}

func newSession(identity Identity, sendBuffer int) *Session {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[string]string),
	}
}

// enqueue queues a frame without blocking. Returns false when the session is
// released or its buffer is full; the caller logs and moves on.
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound exposes the frame stream to the connection's write pump. The
// channel closes when the session is released.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

func (s *Session) close() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		close(s.send)
		s.mu.Unlock()
	})
}

func (s *Session) recordSubscription(repo, branch string) {
	s.mu.Lock()
	s.subs[repo] = branch
	s.mu.Unlock()
}

func (s *Session) recordUnsubscription(repo string) {
	s.mu.Lock()
	delete(s.subs, repo)
	s.mu.Unlock()
}

// subscription returns the branch recorded for the repo and whether the
// session is subscribed to it at all.
func (s *Session) subscription(repo string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.subs[repo]
	return branch, ok
}

// SubscribedRepos returns a snapshot of the repositories this session has
// successfully joined.
func (s *Session) SubscribedRepos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	repos := make([]string, 0, len(s.subs))
	for repo := range s.subs {
		repos = append(repos, repo)
	}
	return repos
}
