package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"margin/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Repositories

func (s *PostgresStore) EnsureRepository(ctx context.Context, name, defaultBranch string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (name, default_branch)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, defaultBranch)
	if err != nil {
		return fmt.Errorf("ensure repository: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, name string) (Repository, error) {
	var repo Repository
	err := s.db.QueryRowContext(ctx, `
		SELECT name, default_branch, created_at FROM repositories WHERE name=$1
	`, name).Scan(&repo.Name, &repo.DefaultBranch, &repo.CreatedAt)
	if err != nil {
		return Repository{}, err
	}
	return repo, nil
}

// Grants (the authorization store behind every permission check)

// RoleFor returns the role granted to the user on the repository, or ok=false
// when no grant row exists. Looked up fresh on every call; nothing is cached
// here so revocations bind the next check.
func (s *PostgresStore) RoleFor(ctx context.Context, userID, repo string) (rbac.Role, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM repo_grants WHERE user_id=$1 AND repo=$2
	`, userID, repo).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read grant: %w", err)
	}
	role, ok := rbac.Normalize(raw)
	if !ok {
		return "", false, fmt.Errorf("grant row holds unknown role %q", raw)
	}
	return role, true, nil
}

func (s *PostgresStore) UpsertGrant(ctx context.Context, grant Grant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_grants (user_id, repo, role, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, repo) DO UPDATE SET role=EXCLUDED.role, granted_by=EXCLUDED.granted_by, updated_at=NOW()
	`, grant.UserID, grant.Repo, grant.Role, grant.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeGrant(ctx context.Context, userID, repo string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repo_grants WHERE user_id=$1 AND repo=$2`, userID, repo)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, repo string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, repo, role, granted_by, created_at, updated_at
		FROM repo_grants WHERE repo=$1 ORDER BY created_at
	`, repo)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.UserID, &g.Repo, &g.Role, &g.GrantedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ReposForUser lists the repositories the user holds any grant on.
func (s *PostgresStore) ReposForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo FROM repo_grants WHERE user_id=$1 ORDER BY repo
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("repos for user: %w", err)
	}
	defer rows.Close()

	var repos []string
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// Threads and messages

// InsertThread stores the thread and returns it with the database-assigned
// timestamps, so callers broadcast exactly what a later read returns.
func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) (Thread, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, repo, branch, author_id, anchor_kind, anchor_file, anchor_line, anchor_selector, body, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, thread.ID, thread.Repo, thread.Branch, thread.AuthorID, thread.AnchorKind,
		thread.AnchorFile, thread.AnchorLine, thread.AnchorSelector, thread.Body, thread.Status).
		Scan(&thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, repo, threadID string) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.repo, t.branch, t.author_id, u.display_name,
			t.anchor_kind, COALESCE(t.anchor_file, ''), COALESCE(t.anchor_line, 0), COALESCE(t.anchor_selector, ''),
			t.body, t.status, COALESCE(t.attachment_key, ''),
			(SELECT COUNT(*) FROM messages m WHERE m.thread_id = t.id),
			t.created_at, t.updated_at
		FROM threads t
		JOIN users u ON u.id = t.author_id
		WHERE t.repo=$1 AND t.id=$2
	`, repo, threadID).Scan(&t.ID, &t.Repo, &t.Branch, &t.AuthorID, &t.AuthorName,
		&t.AnchorKind, &t.AnchorFile, &t.AnchorLine, &t.AnchorSelector,
		&t.Body, &t.Status, &t.AttachmentKey, &t.MessageCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Thread{}, err
	}
	return t, nil
}

// ListThreads returns threads for the repository, newest first. With a branch
// it returns that branch's threads plus repo-wide ones (empty branch).
func (s *PostgresStore) ListThreads(ctx context.Context, repo, branch string) ([]Thread, error) {
	query := `
		SELECT t.id, t.repo, t.branch, t.author_id, u.display_name,
			t.anchor_kind, COALESCE(t.anchor_file, ''), COALESCE(t.anchor_line, 0), COALESCE(t.anchor_selector, ''),
			t.body, t.status, COALESCE(t.attachment_key, ''),
			(SELECT COUNT(*) FROM messages m WHERE m.thread_id = t.id),
			t.created_at, t.updated_at
		FROM threads t
		JOIN users u ON u.id = t.author_id
		WHERE t.repo=$1`
	args := []any{repo}
	if branch != "" {
		query += ` AND (t.branch=$2 OR t.branch='')`
		args = append(args, branch)
	}
	query += ` ORDER BY t.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Repo, &t.Branch, &t.AuthorID, &t.AuthorName,
			&t.AnchorKind, &t.AnchorFile, &t.AnchorLine, &t.AnchorSelector,
			&t.Body, &t.Status, &t.AttachmentKey, &t.MessageCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *PostgresStore) UpdateThreadStatus(ctx context.Context, repo, threadID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET status=$3, updated_at=NOW() WHERE repo=$1 AND id=$2
	`, repo, threadID, status)
	if err != nil {
		return false, fmt.Errorf("update thread status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetThreadAttachment(ctx context.Context, repo, threadID, attachmentKey string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET attachment_key=$3, updated_at=NOW() WHERE repo=$1 AND id=$2
	`, repo, threadID, attachmentKey)
	if err != nil {
		return false, fmt.Errorf("set thread attachment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteThread removes the thread; its messages go with it via the cascading
// foreign key. Returns false when no row matched.
func (s *PostgresStore) DeleteThread(ctx context.Context, repo, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE repo=$1 AND id=$2`, repo, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, author_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, message.ID, message.ThreadID, message.AuthorID, message.Body).
		Scan(&message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.author_id, u.display_name, m.body, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.thread_id=$1
		ORDER BY m.created_at
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.AuthorID, &m.AuthorName, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Access token revocation by JTI

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return revoked, nil
}
