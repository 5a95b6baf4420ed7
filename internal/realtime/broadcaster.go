package realtime

import (
	"encoding/json"
	"log"
)

// Broadcaster fans a domain event out to every session subscribed to the
// event's repository or branch scope.
type Broadcaster struct {
	router *Router
}

func NewBroadcaster(router *Router) *Broadcaster {
	return &Broadcaster{router: router}
}

// Publish delivers the event at most once per member session, even to
// sessions in both the repo and branch scope. Delivery is best-effort: a
// session that disconnected or cannot keep up is skipped and logged, never
// surfaced to the publisher. Frames for the same recipient keep publish
// order; order across recipients is unspecified.
func (b *Broadcaster) Publish(event Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		log.Printf("broadcast: drop %s for %s: marshal: %v", event.Kind, event.Repo, err)
		return
	}

	repoScope, branchScope := ScopesFor(event.Repo, event.Branch)
	for _, session := range b.router.MembersOf(repoScope, branchScope) {
		if !session.enqueue(frame) {
			log.Printf("broadcast: drop %s for session %s", event.Kind, session.ID)
		}
	}
}
