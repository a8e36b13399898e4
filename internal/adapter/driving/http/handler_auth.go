package httphandler

import (
	"errors"
	"mime"
	"net/http"

	"github.com/ericfisherdev/kisfolio/internal/application"
)

// Signup creates an account.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.auth.Signup(r.Context(), req.Username, req.Password)
	if errors.Is(err, application.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.writeServiceError(w, r, "signup failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, UserResponse{ID: user.ID, Username: user.Username})
}

// Login exchanges a username and password for a bearer token. The body may be
// JSON or an OAuth2 style form.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	} else if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, application.ErrInvalidCredentials) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		h.writeServiceError(w, r, "login failed", err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}
