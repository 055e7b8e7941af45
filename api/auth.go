package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"opclink/config"
	"opclink/logging"
)

const (
	sessionName    = "opclink_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

type ctxKey int

const roleKey ctxKey = iota

// userLookup returns the configured user with the given name, or nil.
// A nil lookup or one that reports no users leaves the API open.
type userLookup interface {
	FindUser(username string) *config.WebUser
	HasUsers() bool
}

// webUsers serves a fixed user list from the web configuration.
type webUsers []config.WebUser

func (u webUsers) FindUser(username string) *config.WebUser {
	for i := range u {
		if u[i].Username == username {
			return &u[i]
		}
	}
	return nil
}

func (u webUsers) HasUsers() bool { return len(u) > 0 }

// sessionStore keeps logged-in API users in signed cookies.
type sessionStore struct {
	store *sessions.CookieStore
}

func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get ignores decode errors of stale cookies; the returned session is
// always usable.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns the bcrypt hash stored in WebUser.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authenticate resolves the caller's role from the session cookie or HTTP
// basic credentials.
func (h *handlers) authenticate(r *http.Request) (string, bool) {
	if _, role, ok := h.sessions.getUser(r); ok {
		return role, true
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	user := h.users.FindUser(username)
	if user == nil || !checkPassword(password, user.PasswordHash) {
		return "", false
	}
	return user.Role, true
}

func (h *handlers) authEnabled() bool {
	return h.users != nil && h.users.HasUsers()
}

func (h *handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authEnabled() {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, config.RoleAdmin)))
			return
		}
		role, ok := h.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="opclink"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
	})
}

func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(roleKey).(string)
		if role != config.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !h.authEnabled() {
		writeError(w, http.StatusBadRequest, "no users configured")
		return
	}

	user := h.users.FindUser(req.Username)
	if user == nil || !checkPassword(req.Password, user.PasswordHash) {
		logging.DebugLog("api", "failed login for %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := h.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, map[string]string{"username": user.Username, "role": user.Role})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	writeJSON(w, map[string]bool{"success": true})
}
