package realtime

import (
	"context"
	"errors"
	"sync"

	"margin/api/internal/rbac"
)

// ErrSessionClosed means the session disconnected while its permission check
// was in flight; the join result is discarded.
var ErrSessionClosed = errors.New("session closed")

// Router maps sessions into broadcast scopes. Membership is tracked both ways
// (scope -> sessions and session -> scopes) so releasing a session costs only
// the scopes it belongs to.
type Router struct {
	grants   rbac.GrantSource
	registry *Registry

	// mu guards membership only; the grant lookup in Join runs before it
	// is taken.
	mu              sync.Mutex
	members         map[string]map[string]*Session
	scopesBySession map[string]map[string]struct{}
}

func NewRouter(grants rbac.GrantSource, registry *Registry) *Router {
	return &Router{
		grants:          grants,
		registry:        registry,
		members:         make(map[string]map[string]*Session),
		scopesBySession: make(map[string]map[string]struct{}),
	}
}

// Join subscribes the session to the repository-wide scope and, when a branch
// is given, the branch scope. The read-role check runs against the grant
// store with no lock held; membership is applied only after it resolves, and
// only if the session is still live. Re-subscribing with a different branch
// replaces the prior branch scope. Errors are the rbac taxonomy; callers turn
// them into the error reply, a nil return is the acknowledgement.
func (rt *Router) Join(ctx context.Context, session *Session, repo, branch string) error {
	if err := rbac.CheckRole(ctx, rt.grants, session.Identity.UserID, repo, rbac.RoleRead); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.registry.IsLive(session.ID) {
		return ErrSessionClosed
	}

	if prevBranch, subscribed := session.subscription(repo); subscribed && prevBranch != "" && prevBranch != branch {
		_, prevScope := ScopesFor(repo, prevBranch)
		rt.removeLocked(session, prevScope)
	}

	repoScope, branchScope := ScopesFor(repo, branch)
	rt.addLocked(session, repoScope)
	if branchScope != "" {
		rt.addLocked(session, branchScope)
	}
	session.recordSubscription(repo, branch)
	return nil
}

// Leave removes the session from the repo scope and any branch scope it held
// for that repository. Idempotent on a non-member.
func (rt *Router) Leave(session *Session, repo string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	branch, subscribed := session.subscription(repo)
	if subscribed && branch != "" {
		_, branchScope := ScopesFor(repo, branch)
		rt.removeLocked(session, branchScope)
	}
	repoScope, _ := ScopesFor(repo, "")
	rt.removeLocked(session, repoScope)
	session.recordUnsubscription(repo)
}

// ReleaseSession removes the session from every scope it belongs to, in time
// proportional to that number of scopes.
func (rt *Router) ReleaseSession(session *Session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for scope := range rt.scopesBySession[session.ID] {
		if set := rt.members[scope]; set != nil {
			delete(set, session.ID)
			if len(set) == 0 {
				delete(rt.members, scope)
			}
		}
	}
	delete(rt.scopesBySession, session.ID)
}

// MembersOf snapshots the sessions belonging to any of the given scopes,
// deduplicated by session id.
func (rt *Router) MembersOf(scopes ...string) []*Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	seen := make(map[string]struct{})
	var sessions []*Session
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		for id, session := range rt.members[scope] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// ScopeSize reports the membership count of one scope.
func (rt *Router) ScopeSize(scope string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.members[scope])
}

func (rt *Router) addLocked(session *Session, scope string) {
	if rt.members[scope] == nil {
		rt.members[scope] = make(map[string]*Session)
	}
	rt.members[scope][session.ID] = session
	if rt.scopesBySession[session.ID] == nil {
		rt.scopesBySession[session.ID] = make(map[string]struct{})
	}
	rt.scopesBySession[session.ID][scope] = struct{}{}
}

func (rt *Router) removeLocked(session *Session, scope string) {
	if set := rt.members[scope]; set != nil {
		delete(set, session.ID)
		if len(set) == 0 {
			delete(rt.members, scope)
		}
	}
	if scopes := rt.scopesBySession[session.ID]; scopes != nil {
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(rt.scopesBySession, session.ID)
		}
	}
}
