package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"margin/api/internal/attach"
	"margin/api/internal/auth"
	"margin/api/internal/authpw"
	"margin/api/internal/config"
	"margin/api/internal/gitrepo"
	"margin/api/internal/rbac"
	"margin/api/internal/realtime"
	"margin/api/internal/search"
	"margin/api/internal/store"
	"margin/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateThreadInput struct {
	Branch         string `json:"branch"`
	AnchorKind     string `json:"anchorKind"`
	AnchorFile     string `json:"anchorFile"`
	AnchorLine     int    `json:"anchorLine"`
	AnchorSelector string `json:"anchorSelector"`
	Body           string `json:"body"`
}

type AddMessageInput struct {
	Body string `json:"body"`
}

type UpdateThreadStatusInput struct {
	Status string `json:"status"`
}

type GrantInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

var allowedThreadStatuses = map[string]struct{}{
	"OPEN":     {},
	"RESOLVED": {},
}

// dataStore is the slice of the Postgres store the service depends on.
type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	EnsureRepository(context.Context, string, string) error
	RoleFor(context.Context, string, string) (rbac.Role, bool, error)
	UpsertGrant(context.Context, store.Grant) error
	RevokeGrant(context.Context, string, string) error
	ListGrants(context.Context, string) ([]store.Grant, error)
	ReposForUser(context.Context, string) ([]string, error)
	InsertThread(context.Context, store.Thread) (store.Thread, error)
	GetThread(context.Context, string, string) (store.Thread, error)
	ListThreads(context.Context, string, string) ([]store.Thread, error)
	UpdateThreadStatus(context.Context, string, string, string) (bool, error)
	DeleteThread(context.Context, string, string) (bool, error)
	SetThreadAttachment(context.Context, string, string, string) (bool, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions. Redis when configured, otherwise the
// Postgres table behind pgRefreshStore.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgRefreshStore adapts the Postgres refresh_sessions table to refreshStore.
type pgRefreshStore struct {
	store dataStore
}

func (p pgRefreshStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgRefreshStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgRefreshStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexThread(t search.ThreadRecord)
	IndexMessage(m search.MessageRecord)
	DeleteThread(id string)
}

type branchSource interface {
	Branches(repo string) ([]string, error)
	DefaultBranch(repo string) (string, error)
}

type attachmentStore interface {
	Upload(ctx context.Context, threadID, contentType string, size int64, body io.Reader) (string, error)
	PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type eventHub interface {
	Publish(event realtime.Event)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	refresh     refreshStore
	hub         eventHub
	search      searchService
	git         branchSource
	attachments attachmentStore
	pw          *authpw.Service
}

// AuthPasswordService exposes email/password auth to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.pw
}

// New wires the service. refresh, searchSvc, gitSvc and attachSvc may be nil;
// refresh falls back to the Postgres table, the others disable their feature.
func New(cfg config.Config, dataStore *store.PostgresStore, refresh refreshStore, hub *realtime.Hub, searchSvc *search.Service, gitSvc *gitrepo.Service, attachSvc *attach.Service) *Service {
	s := &Service{
		cfg:   cfg,
		store: dataStore,
	}
	if hub != nil {
		s.hub = hub
	}
	if refresh != nil {
		s.refresh = refresh
	} else {
		s.refresh = pgRefreshStore{store: dataStore}
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if gitSvc != nil {
		s.git = gitSvc
	}
	if attachSvc != nil {
		s.attachments = attachSvc
	}
	s.pw = authpw.NewService(dataStore)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// VerifyCredential resolves a websocket handshake credential into an identity.
func (s *Service) VerifyCredential(ctx context.Context, token string) (realtime.Identity, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: session.UserID, DisplayName: session.UserName}, nil
}

// CheckRole is the single authorization contract shared by the HTTP mutation
// handlers and the realtime subscription layer.
func (s *Service) CheckRole(ctx context.Context, userID, repo string, required rbac.Role) error {
	return rbac.CheckRole(ctx, s.store, userID, repo, required)
}

// Grants

func (s *Service) UpsertGrant(ctx context.Context, session Session, repo string, input GrantInput) (store.Grant, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleAdmin); err != nil {
		return store.Grant{}, err
	}
	role, ok := rbac.Normalize(input.Role)
	if !ok {
		return store.Grant{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be read, write or admin", nil)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return store.Grant{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if _, err := s.store.GetUserByID(ctx, input.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Grant{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		return store.Grant{}, err
	}
	grant := store.Grant{
		UserID:    input.UserID,
		Repo:      repo,
		Role:      string(role),
		GrantedBy: session.UserID,
	}
	if err := s.store.UpsertGrant(ctx, grant); err != nil {
		return store.Grant{}, err
	}
	return grant, nil
}

func (s *Service) RevokeGrant(ctx context.Context, session Session, repo, userID string) error {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleAdmin); err != nil {
		return err
	}
	return s.store.RevokeGrant(ctx, userID, repo)
}

func (s *Service) ListGrants(ctx context.Context, session Session, repo string) ([]store.Grant, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleAdmin); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, repo)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []store.Grant{}
	}
	return grants, nil
}

// Threads

func (s *Service) CreateThread(ctx context.Context, session Session, repo string, input CreateThreadInput) (store.Thread, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleWrite); err != nil {
		return store.Thread{}, err
	}
	if strings.TrimSpace(input.Body) == "" {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}

	thread := store.Thread{
		ID:         util.NewID("thr"),
		Repo:       repo,
		Branch:     strings.TrimSpace(input.Branch),
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		Body:       input.Body,
		Status:     "OPEN",
	}

	switch input.AnchorKind {
	case "code":
		if strings.TrimSpace(input.AnchorFile) == "" {
			return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchorFile is required for code anchors", nil)
		}
		thread.AnchorKind = "code"
		thread.AnchorFile = input.AnchorFile
		thread.AnchorLine = input.AnchorLine
	case "ui":
		if strings.TrimSpace(input.AnchorSelector) == "" {
			return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchorSelector is required for ui anchors", nil)
		}
		thread.AnchorKind = "ui"
		thread.AnchorSelector = input.AnchorSelector
	default:
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchorKind must be code or ui", nil)
	}

	thread, err := s.store.InsertThread(ctx, thread)
	if err != nil {
		return store.Thread{}, err
	}

	s.publish(realtime.EventThreadCreated, thread)
	s.indexThread(thread)
	return thread, nil
}

func (s *Service) ListThreads(ctx context.Context, session Session, repo, branch string) ([]store.Thread, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleRead); err != nil {
		return nil, err
	}
	threads, err := s.store.ListThreads(ctx, repo, branch)
	if err != nil {
		return nil, err
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	return threads, nil
}

func (s *Service) GetThread(ctx context.Context, session Session, repo, threadID string) (store.Thread, []store.Message, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleRead); err != nil {
		return store.Thread{}, nil, err
	}
	thread, err := s.store.GetThread(ctx, repo, threadID)
	if err != nil {
		return store.Thread{}, nil, err
	}
	messages, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return store.Thread{}, nil, err
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return thread, messages, nil
}

func (s *Service) UpdateThreadStatus(ctx context.Context, session Session, repo, threadID string, input UpdateThreadStatusInput) (store.Thread, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleWrite); err != nil {
		return store.Thread{}, err
	}
	if _, ok := allowedThreadStatuses[input.Status]; !ok {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be OPEN or RESOLVED", nil)
	}
	found, err := s.store.UpdateThreadStatus(ctx, repo, threadID, input.Status)
	if err != nil {
		return store.Thread{}, err
	}
	if !found {
		return store.Thread{}, domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
	}
	thread, err := s.store.GetThread(ctx, repo, threadID)
	if err != nil {
		return store.Thread{}, err
	}

	s.publish(realtime.EventThreadUpdated, thread)
	s.indexThread(thread)
	return thread, nil
}

// DeleteThread removes a thread and its messages. Destructive, so it is gated
// on the admin role rather than write.
func (s *Service) DeleteThread(ctx context.Context, session Session, repo, threadID string) error {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleAdmin); err != nil {
		return err
	}
	found, err := s.store.DeleteThread(ctx, repo, threadID)
	if err != nil {
		return err
	}
	if !found {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
	}
	if s.search != nil {
		s.search.DeleteThread(threadID)
	}
	return nil
}

// Messages

func (s *Service) AddMessage(ctx context.Context, session Session, repo, threadID string, input AddMessageInput) (store.Message, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleWrite); err != nil {
		return store.Message{}, err
	}
	if strings.TrimSpace(input.Body) == "" {
		return store.Message{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	thread, err := s.store.GetThread(ctx, repo, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Message{}, domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
		}
		return store.Message{}, err
	}

	message := store.Message{
		ID:         util.NewID("msg"),
		ThreadID:   thread.ID,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		Body:       input.Body,
	}
	message, err = s.store.InsertMessage(ctx, message)
	if err != nil {
		return store.Message{}, err
	}

	payload, _ := json.Marshal(message)
	s.hubPublish(realtime.Event{
		Kind:    realtime.EventMessageAdded,
		Repo:    thread.Repo,
		Branch:  thread.Branch,
		Payload: payload,
	})
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:       message.ID,
			ThreadID: thread.ID,
			Repo:     thread.Repo,
			Branch:   thread.Branch,
			Body:     message.Body,
		})
	}
	return message, nil
}

// Branches

func (s *Service) Branches(ctx context.Context, session Session, repo string) ([]string, string, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleRead); err != nil {
		return nil, "", err
	}
	if s.git == nil {
		return nil, "", domainError(http.StatusServiceUnavailable, "BRANCHES_UNAVAILABLE", "Branch listing not configured", nil)
	}
	branches, err := s.git.Branches(repo)
	if err != nil {
		if errors.Is(err, gitrepo.ErrRepoNotMirrored) {
			return nil, "", domainError(http.StatusNotFound, "NOT_FOUND", "Repository mirror not found", nil)
		}
		return nil, "", err
	}
	defaultBranch, err := s.git.DefaultBranch(repo)
	if err != nil {
		defaultBranch = ""
	}
	return branches, defaultBranch, nil
}

// Attachments

func (s *Service) UploadAttachment(ctx context.Context, session Session, repo, threadID, contentType string, size int64, body io.Reader) (store.Thread, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleWrite); err != nil {
		return store.Thread{}, err
	}
	if s.attachments == nil {
		return store.Thread{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	if _, err := s.store.GetThread(ctx, repo, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Thread{}, domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
		}
		return store.Thread{}, err
	}

	key, err := s.attachments.Upload(ctx, threadID, contentType, size, body)
	if err != nil {
		switch {
		case errors.Is(err, attach.ErrTooLarge):
			return store.Thread{}, domainError(http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", "Attachment exceeds size limit", nil)
		case errors.Is(err, attach.ErrUnsupportedType):
			return store.Thread{}, domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", "Unsupported attachment content type", nil)
		}
		return store.Thread{}, err
	}

	if _, err := s.store.SetThreadAttachment(ctx, repo, threadID, key); err != nil {
		return store.Thread{}, err
	}
	thread, err := s.store.GetThread(ctx, repo, threadID)
	if err != nil {
		return store.Thread{}, err
	}

	s.publish(realtime.EventThreadUpdated, thread)
	return thread, nil
}

func (s *Service) AttachmentURL(ctx context.Context, session Session, repo, threadID string) (string, error) {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleRead); err != nil {
		return "", err
	}
	if s.attachments == nil {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	thread, err := s.store.GetThread(ctx, repo, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
		}
		return "", err
	}
	if thread.AttachmentKey == "" {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Thread has no attachment", nil)
	}
	return s.attachments.PresignedGet(ctx, thread.AttachmentKey, 15*time.Minute)
}

// Search

func (s *Service) Search(ctx context.Context, session Session, text, filterType, branch string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	repos, err := s.store.ReposForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	if len(repos) == 0 {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: search.ResultType(filterType),
		Repos:      repos,
		Branch:     branch,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// Repo bookkeeping

// EnsureRepository records a repository row the first time it is referenced.
func (s *Service) EnsureRepository(ctx context.Context, session Session, repo string) error {
	if err := s.CheckRole(ctx, session.UserID, repo, rbac.RoleAdmin); err != nil {
		return err
	}
	defaultBranch := "main"
	if s.git != nil {
		if branch, err := s.git.DefaultBranch(repo); err == nil && branch != "" {
			defaultBranch = branch
		}
	}
	return s.store.EnsureRepository(ctx, repo, defaultBranch)
}

// publish marshals the thread and hands the event to the hub. Broadcast
// happens strictly after the write that produced it has been persisted.
func (s *Service) publish(kind realtime.EventKind, thread store.Thread) {
	payload, _ := json.Marshal(thread)
	s.hubPublish(realtime.Event{
		Kind:    kind,
		Repo:    thread.Repo,
		Branch:  thread.Branch,
		Payload: payload,
	})
}

func (s *Service) hubPublish(event realtime.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(event)
}

func (s *Service) indexThread(thread store.Thread) {
	if s.search == nil {
		return
	}
	anchor := thread.AnchorFile
	if anchor == "" {
		anchor = thread.AnchorSelector
	}
	s.search.IndexThread(search.ThreadRecord{
		ID:     thread.ID,
		Repo:   thread.Repo,
		Branch: thread.Branch,
		Anchor: anchor,
		Body:   thread.Body,
		Status: thread.Status,
	})
}
