package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Repository struct {
	Name          string
	DefaultBranch string
	CreatedAt     time.Time
}

// Grant is one row of the authorization store: the role a user holds on a
// repository. A user has at most one row per repository.
type Grant struct {
	UserID    string
	Repo      string
	Role      string
	GrantedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Thread anchors a comment thread to either a source location (file + line)
// or a prototype UI element (selector). Exactly one anchor kind is set.
type Thread struct {
	ID             string    `json:"id"`
	Repo           string    `json:"repo"`
	Branch         string    `json:"branch"`
	AuthorID       string    `json:"authorId"`
	AuthorName     string    `json:"authorName"`
	AnchorKind     string    `json:"anchorKind"`
	AnchorFile     string    `json:"anchorFile,omitempty"`
	AnchorLine     int       `json:"anchorLine,omitempty"`
	AnchorSelector string    `json:"anchorSelector,omitempty"`
	Body           string    `json:"body"`
	Status         string    `json:"status"`
	AttachmentKey  string    `json:"attachmentKey,omitempty"`
	MessageCount   int       `json:"messageCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}
