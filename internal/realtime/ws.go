package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"margin/api/internal/rbac"
)

const maxFrameBytes = 4096

// CredentialVerifier resolves the handshake bearer credential into an
// identity, or fails. Implemented by the app service (token parse, revocation
// check, user lookup).
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, token string) (Identity, error)
}

// clientFrame is what clients send after the handshake. Only subscription
// management flows over the socket; mutations stay on the HTTP layer.
type clientFrame struct {
	Type   string `json:"type"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
}

type ackFrame struct {
	Type   string `json:"type"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSHandler runs the connection lifecycle: authenticate the handshake, pump
// frames both ways, enforce liveness via ping/pong, and release the session
// on the way out.
type WSHandler struct {
	hub      *Hub
	verifier CredentialVerifier
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongTimeout  time.Duration
}

func NewWSHandler(hub *Hub, verifier CredentialVerifier, pingInterval, pongTimeout time.Duration, checkOrigin func(*http.Request) bool) *WSHandler {
	return &WSHandler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
}

// ServeHTTP rejects unauthenticated connections before the upgrade; an
// anonymous session never exists. The credential travels out of band: the
// Authorization header, or a token query parameter for browser clients that
// cannot set headers on a websocket dial.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		rejectHandshake(w, "missing bearer credential")
		return
	}

	identity, err := h.verifier.VerifyCredential(r.Context(), token)
	if err != nil {
		rejectHandshake(w, "invalid or expired credential")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		log.Printf("ws: upgrade failed for %s: %v", identity.UserID, err)
		return
	}

	session := h.hub.Connect(identity)
	log.Printf("ws: session %s connected (user %s)", session.ID, identity.UserID)

	go h.writePump(conn, session)
	h.readPump(r.Context(), conn, session)
}

// readPump runs in the handler goroutine until the connection dies. Errors
// while handling a frame are answered on the socket and logged; only the
// transport failing ends the session.
func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, session *Session) {
	defer func() {
		h.hub.Disconnect(session)
		conn.Close()
		log.Printf("ws: session %s closed", session.ID)
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: session %s read error: %v", session.ID, err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(session, "malformed message")
			continue
		}

		switch frame.Type {
		case "subscribe":
			h.handleSubscribe(ctx, session, frame)
		case "unsubscribe":
			h.hub.Router().Leave(session, frame.Repo)
			h.sendAck(session, "unsubscribed", frame.Repo, frame.Branch)
		default:
			h.sendError(session, "unknown message type")
		}
	}
}

func (h *WSHandler) handleSubscribe(ctx context.Context, session *Session, frame clientFrame) {
	err := h.hub.Router().Join(ctx, session, frame.Repo, frame.Branch)
	if err == nil {
		h.sendAck(session, "subscribed", frame.Repo, frame.Branch)
		return
	}

	var insufficient *rbac.InsufficientPermissionError
	switch {
	case errors.Is(err, rbac.ErrRepoNotSpecified):
		h.sendError(session, "repo is required")
	case errors.Is(err, rbac.ErrAccessDenied):
		h.sendError(session, "Access denied to repository")
	case errors.As(err, &insufficient):
		h.sendError(session, "Access denied to repository")
	case errors.Is(err, ErrSessionClosed):
		// Nothing to answer; the connection is gone.
	default:
		log.Printf("ws: session %s subscribe %s: %v", session.ID, frame.Repo, err)
		h.sendError(session, "subscription failed")
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendAck(session *Session, ackType, repo, branch string) {
	frame, err := json.Marshal(ackFrame{Type: ackType, Repo: repo, Branch: branch})
	if err != nil {
		return
	}
	if !session.enqueue(frame) {
		log.Printf("ws: session %s dropped %s ack", session.ID, ackType)
	}
}

func (h *WSHandler) sendError(session *Session, message string) {
	frame, err := json.Marshal(errorFrame{Type: "error", Message: message})
	if err != nil {
		return
	}
	_ = session.enqueue(frame)
}

func rejectHandshake(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
