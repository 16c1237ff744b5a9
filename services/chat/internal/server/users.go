package server

import (
	"net/http"

	"relaychat/internal/usertoken"
	"relaychat/internal/util"
	"relaychat/pkg/domain"
)

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser authenticates the bearer token and loads the current user.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := usertoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.authenticate(w, r, token)
		if !ok {
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, token string) (domain.User, bool) {
	userID, err := s.tokens.VerifySubject(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return domain.User{}, false
	}
	user, err := s.app.User(r.Context(), userID)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(w, http.StatusUnauthorized, "unauthorized")
		} else {
			s.writeAppError(w, r, err)
		}
		return domain.User{}, false
	}
	return user, true
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "register|"+s.clientIP(r), "too many sign-up attempts, try again later") {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{User: user, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "login|"+s.clientIP(r), "too many login attempts, try again later") {
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("login failed", "ip", s.clientIP(r))
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}
