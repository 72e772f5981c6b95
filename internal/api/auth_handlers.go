package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// handleLogin exchanges the operator credentials for a bearer token. When
// no auth secret is configured the API runs open and this endpoint does
// not exist.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIAuthSecret == "" {
		writeError(w, http.StatusNotFound, "authentication is not enabled")
		return
	}

	var req loginRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("username", req.Username, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("password", req.Password, maxPasswordLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	// The hash comparison runs regardless of the username so a wrong
	// username and a wrong password take the same time.
	ok, err := auth.CheckPassword(req.Password, s.cfg.APIAdminPasswordHash)
	if err != nil {
		s.logger.Error("admin password hash is invalid", "error", err)
		writeError(w, http.StatusInternalServerError, "authentication unavailable")
		return
	}
	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.APIAdminUser)) == 1
	if !ok || !usernameOK {
		s.logger.Warn("login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := middleware.GenerateToken([]byte(s.cfg.APIAuthSecret), req.Username)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.logger.Info("operator logged in", "username", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}
