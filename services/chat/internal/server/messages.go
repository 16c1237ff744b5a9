package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"relaychat/pkg/domain"
	"relaychat/services/chat/internal/app"
)

type sendRequest struct {
	ChatID        string `json:"chatId"`
	Content       string `json:"content"`
	ReplyTo       string `json:"replyTo,omitempty"`
	ForwardedFrom string `json:"forwardedFrom,omitempty"`
}

type reactionRequest struct {
	Reaction string `json:"reaction"`
}

type forwardRequest struct {
	ChatIDs []string `json:"chatIds"`
	UserIDs []string `json:"userIds"`
}

type failedTarget struct {
	ChatID string `json:"chatId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error"`
}

type forwardResponse struct {
	Messages []domain.MessageView `json:"messages"`
	Failed   []failedTarget       `json:"failed"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.sendLimiter, "send|"+user.ID, "sending too fast, slow down") {
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.Send(r.Context(), app.SendInput{
		SenderID:        user.ID,
		ChatID:          req.ChatID,
		Content:         req.Content,
		ReplyToID:       req.ReplyTo,
		ForwardedFromID: req.ForwardedFrom,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	msgs, err := s.app.ListMessages(r.Context(), mux.Vars(r)["chatId"], user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleToggleStar(w http.ResponseWriter, r *http.Request, user domain.User) {
	msg, err := s.app.ToggleStar(r.Context(), mux.Vars(r)["messageId"], user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req reactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.SetReaction(r.Context(), mux.Vars(r)["messageId"], user.ID, req.Reaction)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteForMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	messageID := mux.Vars(r)["messageId"]
	if err := s.app.DeleteForMe(r.Context(), messageID, user.ID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": messageID, "status": "deleted"})
}

func (s *Server) handleDeleteForEveryone(w http.ResponseWriter, r *http.Request, user domain.User) {
	messageID := mux.Vars(r)["messageId"]
	if err := s.app.DeleteForEveryone(r.Context(), messageID, user.ID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": messageID, "status": "deleted"})
}

// handleForward answers 200 when at least one target succeeded, listing the
// failed ones; otherwise it reports the first failure.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req forwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := s.app.Forward(r.Context(), user.ID, mux.Vars(r)["messageId"], req.ChatIDs, req.UserIDs)
	resp := forwardResponse{Messages: created, Failed: []failedTarget{}}
	if err != nil {
		var fwdErr *app.ForwardError
		if !errors.As(err, &fwdErr) || len(created) == 0 {
			if fwdErr != nil && len(fwdErr.Failures) > 0 {
				err = fwdErr.Failures[0].Err
			}
			s.writeAppError(w, r, err)
			return
		}
		for _, f := range fwdErr.Failures {
			msg := f.Err.Error()
			if statusFor(f.Err) == http.StatusInternalServerError {
				msg = "internal error"
			}
			resp.Failed = append(resp.Failed, failedTarget{ChatID: f.ChatID, UserID: f.UserID, Error: msg})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
