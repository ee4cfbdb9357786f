package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

const maxJSONBody = 1 << 20

// decodeJSON reads a JSON request body into dst. An empty body leaves dst
// untouched so validation reports the missing fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return types.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}

// handleRegister handles POST /api/auth/register/
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	reg, err := s.auth.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// handleLogin handles POST /api/auth/login/
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.auth.Login(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRefresh handles POST /api/auth/refresh/
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.Refresh == "" {
		writeError(w, r, types.NewValidationError("refresh", "this field is required"))
		return
	}
	access, err := s.auth.Refresh(r.Context(), in.Refresh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

// handleLinkTelegram handles POST /api/auth/link-telegram/
func (s *Server) handleLinkTelegram(w http.ResponseWriter, r *http.Request) {
	var in auth.LinkInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.auth.LinkHandle(r.Context(), in); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"success": "Telegram аккаунт успешно привязан"})
}
