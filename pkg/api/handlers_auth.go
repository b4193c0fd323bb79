package api

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the data of a successful login.
type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	Token       string      `json:"token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        AccountView `json:"user"`
}

// AccountView is an account without its credentials.
type AccountView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Active   bool   `json:"active"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.Context(), remoteAddr(r)) {
		w.Header().Set("Retry-After", "5")
		s.writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	login := strings.TrimSpace(req.Username)
	if login == "" {
		login = strings.TrimSpace(req.Email)
	}
	if login == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	acct, ok := s.auth.account(login)
	if !ok || acct.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)) != nil {
		s.logger.WarnContext(r.Context(), "Login failed", "component", "api", "login", login, "remote_addr", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := s.auth.issue(acct)
	if errors.Is(err, errLoginDisabled) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Token issue failed", "component", "api", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("Login succeeded", "component", "api", "username", acct.Username)
	s.writeData(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		Token:       token,
		TokenType:   "Bearer",
		ExpiresAt:   expires.UTC(),
		User: AccountView{
			ID:       acct.ID,
			Username: acct.Username,
			Email:    acct.Email,
			Active:   true,
		},
	})
}

func remoteAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
