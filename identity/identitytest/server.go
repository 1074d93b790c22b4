// Package identitytest provides an in-memory fake of the identity provider
// for tests: password sign-up and sign-in, token-backed user lookup, logout,
// and recovery mails. State is inspectable from specs.
package identitytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type account struct {
	ID       string
	Password string
}

// Server is a fake identity provider backed by httptest.
type Server struct {
	HTTP *httptest.Server

	mu       sync.Mutex
	accounts map[string]account // keyed by email
	tokens   map[string]string  // token -> email
	recovers []string
	logouts  int
	nextID   int
}

// New starts a fake provider. Callers must Close it.
func New() *Server {
	s := &Server{
		accounts: make(map[string]account),
		tokens:   make(map[string]string),
	}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL to hand to identity.NewClient.
func (s *Server) URL() string { return s.HTTP.URL }

// Close shuts the server down.
func (s *Server) Close() { s.HTTP.Close() }

// AddAccount registers an account and returns its user id.
func (s *Server) AddAccount(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(email, password)
}

func (s *Server) addLocked(email, password string) string {
	s.nextID++
	id := fmt.Sprintf("uid-%d", s.nextID)
	s.accounts[email] = account{ID: id, Password: password}
	return id
}

// RecoverRequests returns the emails that asked for password recovery.
func (s *Server) RecoverRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recovers...)
}

// Logouts returns how many logout calls the provider received.
func (s *Server) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/auth/v1/signup":
		s.handleSignUp(w, r)
	case r.URL.Path == "/auth/v1/token":
		s.handleToken(w, r)
	case r.URL.Path == "/auth/v1/logout":
		s.mu.Lock()
		s.logouts++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/auth/v1/user":
		s.handleUser(w, r)
	case r.URL.Path == "/auth/v1/recover":
		s.handleRecover(w, r)
	default:
		http.NotFound(w, r)
	}
}

type creds struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var c creds
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Email == "" {
		http.Error(w, `{"msg":"invalid signup"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if _, exists := s.accounts[c.Email]; exists {
		s.mu.Unlock()
		http.Error(w, `{"msg":"User already registered"}`, http.StatusUnprocessableEntity)
		return
	}
	id := s.addLocked(c.Email, c.Password)
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"user": map[string]string{"id": id, "email": c.Email},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("grant_type") != "password" {
		http.Error(w, `{"msg":"unsupported grant"}`, http.StatusBadRequest)
		return
	}
	var c creds
	_ = json.NewDecoder(r.Body).Decode(&c)

	s.mu.Lock()
	acct, ok := s.accounts[c.Email]
	if !ok || acct.Password != c.Password {
		s.mu.Unlock()
		http.Error(w, `{"error_description":"Invalid login credentials"}`, http.StatusBadRequest)
		return
	}
	token := fmt.Sprintf("tok-%s-%d", acct.ID, len(s.tokens)+1)
	s.tokens[token] = c.Email
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"access_token": token,
		"user":         map[string]string{"id": acct.ID, "email": c.Email},
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	email, ok := s.tokens[token]
	acct := s.accounts[email]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"msg":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{"id": acct.ID, "email": email})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.recovers = append(s.recovers, body.Email)
	s.mu.Unlock()
	writeJSON(w, map[string]string{})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
