package api

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errNoSubject = errors.New("token has no subject")

// authEnabled reports whether a JWT secret is configured. Without one
// every route is open.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authMiddleware requires "Authorization: Bearer <jwt>" signed with the
// configured HS256 secret and carrying exp and sub.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if !s.authEnabled() {
		return next
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	key := []byte(s.secCfg.JWT.Secret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeUnauthorized(w, "bearer token required")
			return
		}

		var claims jwt.RegisteredClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil })
		if err == nil && claims.Subject == "" {
			err = errNoSubject
		}
		if err != nil {
			s.logger.Debug("rejected bearer token", "error", err, "request_id", requestID(r))
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeySubject, claims.Subject)))
	})
}

// ticketTTL bounds the gap between issuing a WebSocket ticket and
// connecting with it.
const ticketTTL = 60 * time.Second

// ticketStore holds single-use WebSocket tickets, so the bearer token
// never appears in a URL.
type ticketStore struct {
	mu      sync.Mutex
	pending map[string]ticketEntry
}

type ticketEntry struct {
	subject   string
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{pending: make(map[string]ticketEntry)}
}

func (t *ticketStore) issue(subject string, now time.Time) string {
	ticket := rand.Text()
	t.mu.Lock()
	t.pending[ticket] = ticketEntry{subject: subject, expiresAt: now.Add(ticketTTL)}
	t.mu.Unlock()
	return ticket
}

// consume removes the ticket and reports whether it was still valid.
func (t *ticketStore) consume(ticket string, now time.Time) (ticketEntry, bool) {
	t.mu.Lock()
	entry, ok := t.pending[ticket]
	delete(t.pending, ticket)
	t.mu.Unlock()
	return entry, ok && now.Before(entry.expiresAt)
}

// expire drops tickets that were never used.
func (t *ticketStore) expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ticket, entry := range t.pending {
		if !now.Before(entry.expiresAt) {
			delete(t.pending, ticket)
		}
	}
}

// handleWSTicket issues a ticket for the caller's token subject.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is disabled
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(subject, time.Now()),
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// expireTicketsLoop runs until ctx is cancelled.
func (s *Server) expireTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tickets.expire(now)
		}
	}
}
