// Package identity resolves the anonymous, device-scoped user behind each chat
// request, plus the browser tab's conversation session.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/insight-chat/internal/domain"
)

const (
	CookieName     = "insight_anon_id"
	SessionHeader  = "X-Insight-Session-ID"
	DefaultSession = "default"

	// WebSocket clients cannot set headers during the handshake.
	sessionQueryParam = "session_id"

	cookieLifetime = 30 * 24 * time.Hour

	// touchInterval limits last_seen_at writes to one per user per interval.
	touchInterval = 5 * time.Minute
)

var (
	anonIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is who sent a request. SessionID groups the turns of one browser tab
// in the conversation log; it never scopes context history.
type Identity struct {
	UserID    string
	SessionID string
}

// UserStore is the subset of the repository the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

type ctxKey struct{}

// NewContext returns ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request identity. SessionID is never empty.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	if id.SessionID == "" {
		id.SessionID = DefaultSession
	}
	return id
}

func UserIDFromContext(ctx context.Context) string    { return FromContext(ctx).UserID }
func SessionIDFromContext(ctx context.Context) string { return FromContext(ctx).SessionID }

// WithUserID returns ctx with its user replaced by userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	id := FromContext(ctx)
	id.UserID = userID
	return NewContext(ctx, id)
}

// Middleware attaches an Identity to every request. A device without a valid
// cookie gets a fresh anonymous user; the cookie is re-issued on each request so
// active devices never expire.
func Middleware(users UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := deviceUserID(r)
			if err != nil {
				slog.Error("anonymous id generation failed", "error", err)
				writeError(w, "failed to establish anonymous identity")
				return
			}
			if err := ensureUser(r.Context(), users, userID); err != nil {
				slog.Error("anonymous user registration failed", "user_id", userID, "error", err)
				writeError(w, "failed to initialize anonymous user")
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    userID,
				Path:     "/",
				MaxAge:   int(cookieLifetime.Seconds()),
				Expires:  time.Now().Add(cookieLifetime),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   !isDev,
			})

			ctx := NewContext(r.Context(), Identity{UserID: userID, SessionID: requestSession(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func deviceUserID(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		return c.Value, nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func requestSession(r *http.Request) string {
	sid := r.Header.Get(SessionHeader)
	if sid == "" {
		sid = r.URL.Query().Get(sessionQueryParam)
	}
	return normalizeSession(sid)
}

func normalizeSession(sid string) string {
	sid = strings.TrimSpace(sid)
	if !sessionPattern.MatchString(sid) {
		return DefaultSession
	}
	return sid
}

// ensureUser registers first-time users and refreshes last_seen_at for users idle
// longer than touchInterval.
func ensureUser(ctx context.Context, users UserStore, userID string) error {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if user != nil {
		if user.IsIdle(touchInterval) {
			return users.UpdateLastSeen(ctx, userID, now)
		}
		return nil
	}
	return users.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   displayName(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// displayName is "anon-" plus the last eight hex digits of the id.
func displayName(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `{"error":%q}`+"\n", message)
}
