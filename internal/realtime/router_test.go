package realtime

import (
	"context"
	"errors"
	"testing"

	"margin/api/internal/rbac"
)

// fakeGrants maps "userID/repo" to a role.
type fakeGrants map[string]rbac.Role

func (g fakeGrants) RoleFor(_ context.Context, userID, repo string) (rbac.Role, bool, error) {
	role, ok := g[userID+"|"+repo]
	return role, ok, nil
}

func newTestHub(grants rbac.GrantSource) *Hub {
	return NewHub(grants, 16)
}

func TestJoinAddsBothScopes(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleRead})
	session := hub.Connect(Identity{UserID: "u1", DisplayName: "Uma"})

	if err := hub.Router().Join(context.Background(), session, "acme/app", "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if got := hub.Router().ScopeSize("acme/app"); got != 1 {
		t.Errorf("repo scope size = %d, want 1", got)
	}
	if got := hub.Router().ScopeSize("acme/app:main"); got != 1 {
		t.Errorf("branch scope size = %d, want 1", got)
	}
	if branch, ok := session.subscription("acme/app"); !ok || branch != "main" {
		t.Errorf("subscription = (%q, %v), want (main, true)", branch, ok)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleWrite})
	session := hub.Connect(Identity{UserID: "u1"})
	ctx := context.Background()

	if err := hub.Router().Join(ctx, session, "acme/app", "main"); err != nil {
		t.Fatalf("first Join failed: %v", err)
	}
	if err := hub.Router().Join(ctx, session, "acme/app", "main"); err != nil {
		t.Fatalf("second Join failed: %v", err)
	}

	if got := hub.Router().ScopeSize("acme/app"); got != 1 {
		t.Errorf("repo scope size = %d, want 1", got)
	}
	if got := hub.Router().ScopeSize("acme/app:main"); got != 1 {
		t.Errorf("branch scope size = %d, want 1", got)
	}
}

func TestResubscribeReplacesBranchScope(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleRead})
	session := hub.Connect(Identity{UserID: "u1"})
	ctx := context.Background()

	if err := hub.Router().Join(ctx, session, "acme/app", "main"); err != nil {
		t.Fatalf("Join main failed: %v", err)
	}
	if err := hub.Router().Join(ctx, session, "acme/app", "develop"); err != nil {
		t.Fatalf("Join develop failed: %v", err)
	}

	if got := hub.Router().ScopeSize("acme/app:main"); got != 0 {
		t.Errorf("old branch scope size = %d, want 0", got)
	}
	if got := hub.Router().ScopeSize("acme/app:develop"); got != 1 {
		t.Errorf("new branch scope size = %d, want 1", got)
	}
	if branch, _ := session.subscription("acme/app"); branch != "develop" {
		t.Errorf("recorded branch = %q, want develop", branch)
	}
}

func TestJoinDeniedWithoutGrant(t *testing.T) {
	hub := newTestHub(fakeGrants{})
	session := hub.Connect(Identity{UserID: "v1"})

	err := hub.Router().Join(context.Background(), session, "acme/app", "")
	if !errors.Is(err, rbac.ErrAccessDenied) {
		t.Fatalf("Join error = %v, want ErrAccessDenied", err)
	}
	if got := hub.Router().ScopeSize("acme/app"); got != 0 {
		t.Errorf("denied join changed membership: scope size = %d", got)
	}
	if _, ok := session.subscription("acme/app"); ok {
		t.Error("denied join recorded a subscription")
	}
}

func TestJoinDiscardedAfterDisconnect(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleRead})
	session := hub.Connect(Identity{UserID: "u1"})
	hub.Disconnect(session)

	err := hub.Router().Join(context.Background(), session, "acme/app", "main")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Join error = %v, want ErrSessionClosed", err)
	}
	if got := hub.Router().ScopeSize("acme/app"); got != 0 {
		t.Errorf("dead session joined a scope: size = %d", got)
	}
}

func TestJoinBetweenDisconnectStepsIsDiscarded(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleRead})
	session := hub.Connect(Identity{UserID: "u1"})

	// A disconnect drops the registry entry before purging membership. A join
	// landing between the two steps must fail liveness, or it would re-add
	// membership with nobody left to clean it.
	hub.registry.Release(session)
	err := hub.Router().Join(context.Background(), session, "acme/app", "main")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Join error = %v, want ErrSessionClosed", err)
	}
	hub.router.ReleaseSession(session)

	for _, scope := range []string{"acme/app", "acme/app:main"} {
		if got := hub.Router().ScopeSize(scope); got != 0 {
			t.Errorf("scope %s has %d members after disconnect", scope, got)
		}
	}
}

func TestLeaveRemovesBothScopesAndIsIdempotent(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleRead})
	session := hub.Connect(Identity{UserID: "u1"})
	ctx := context.Background()

	if err := hub.Router().Join(ctx, session, "acme/app", "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	hub.Router().Leave(session, "acme/app")
	if got := hub.Router().ScopeSize("acme/app"); got != 0 {
		t.Errorf("repo scope size after leave = %d", got)
	}
	if got := hub.Router().ScopeSize("acme/app:main"); got != 0 {
		t.Errorf("branch scope size after leave = %d", got)
	}

	// Leaving again, or a repo never joined, is a no-op.
	hub.Router().Leave(session, "acme/app")
	hub.Router().Leave(session, "acme/other")
}

func TestDisconnectReleasesEveryScope(t *testing.T) {
	grants := fakeGrants{
		"u1|acme/app": rbac.RoleRead,
		"u1|acme/web": rbac.RoleAdmin,
	}
	hub := newTestHub(grants)
	session := hub.Connect(Identity{UserID: "u1"})
	ctx := context.Background()

	if err := hub.Router().Join(ctx, session, "acme/app", "main"); err != nil {
		t.Fatalf("Join acme/app failed: %v", err)
	}
	if err := hub.Router().Join(ctx, session, "acme/web", ""); err != nil {
		t.Fatalf("Join acme/web failed: %v", err)
	}

	hub.Disconnect(session)

	for _, scope := range []string{"acme/app", "acme/app:main", "acme/web"} {
		if got := hub.Router().ScopeSize(scope); got != 0 {
			t.Errorf("scope %s size after disconnect = %d", scope, got)
		}
	}
	if hub.SessionCount() != 0 {
		t.Errorf("session count after disconnect = %d", hub.SessionCount())
	}
}

func TestSessionsAreIndependentPerConnection(t *testing.T) {
	hub := newTestHub(fakeGrants{"u1|acme/app": rbac.RoleRead})
	first := hub.Connect(Identity{UserID: "u1"})
	second := hub.Connect(Identity{UserID: "u1"})
	ctx := context.Background()

	if err := hub.Router().Join(ctx, first, "acme/app", "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, ok := second.subscription("acme/app"); ok {
		t.Error("subscription leaked across sessions of the same identity")
	}
	if got := hub.Router().ScopeSize("acme/app"); got != 1 {
		t.Errorf("repo scope size = %d, want 1", got)
	}
}
