package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"relaychat/pkg/domain"
)

type accessChatRequest struct {
	UserID string `json:"userId"`
}

type createGroupRequest struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

type renameRequest struct {
	ChatID   string `json:"chatId"`
	ChatName string `json:"chatName"`
}

type memberRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type chatRequest struct {
	ChatID string `json:"chatId"`
}

func (s *Server) handleAccessChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req accessChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, created, err := s.app.AccessDirectChat(r.Context(), user.ID, req.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, user domain.User) {
	chats, err := s.app.ListChats(r.Context(), user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.CreateGroupChat(r.Context(), user.ID, req.Name, req.Users)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleRenameGroup(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.RenameGroup(r.Context(), req.ChatID, user.ID, req.ChatName)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req memberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.AddMember(r.Context(), req.ChatID, user.ID, req.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req memberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.RemoveMember(r.Context(), req.ChatID, user.ID, req.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.Leave(r.Context(), req.ChatID, user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	chatID := mux.Vars(r)["chatId"]
	if err := s.app.DeleteChat(r.Context(), chatID, user.ID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chatId": chatID, "status": "deleted"})
}

func (s *Server) handleTogglePin(w http.ResponseWriter, r *http.Request, user domain.User) {
	view, err := s.app.TogglePin(r.Context(), mux.Vars(r)["chatId"], user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	chatID := mux.Vars(r)["chatId"]
	ids, err := s.app.MarkRead(r.Context(), chatID, user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "messageIds": ids})
}
