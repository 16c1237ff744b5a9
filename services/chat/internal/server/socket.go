package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/usertoken"
	"relaychat/internal/util"
	"relaychat/pkg/domain"
	"relaychat/services/chat/internal/realtime"
)

const (
	socketReadTimeout  = 60 * time.Second
	socketFrameTimeout = 10 * time.Second
	socketReadLimit    = 64 << 10
)

// Inbound frame types.
const (
	frameJoinChat      = "join_chat"
	frameLeaveChat     = "leave_chat"
	frameTyping        = "typing"
	frameStopTyping    = "stop_typing"
	frameMarkRead      = "mark_read"
	frameMessageAction = "message_action"
)

type inboundFrame struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Action    string `json:"action,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
}

var errUnknownFrame = errors.New("unknown frame type")

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || len(s.allowedOrigins) == 0 || slices.Contains(s.allowedOrigins, "*") {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}
}

// handleSocket upgrades an authenticated request and serves inbound frames
// until the client disconnects. Browsers cannot set headers on websocket
// requests, so the token may come in the query string.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = usertoken.BearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, ok := s.authenticate(w, r, token)
	if !ok {
		return
	}
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := util.LoggerFromContext(r.Context()).With("user_id", user.ID)
	conn := realtime.NewConnection(user.ID, ws)
	conn.Start()
	s.hub.Attach(conn)
	logger.Info("socket connected", "session_id", conn.ID())
	defer func() {
		s.hub.Detach(conn)
		conn.CloseWith(websocket.CloseNormalClosure, "session closed")
		logger.Info("socket disconnected", "session_id", conn.ID())
	}()

	ws.SetReadLimit(socketReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(socketReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(socketReadTimeout))
	})
	_ = conn.Send(realtime.Encode(realtime.Event{Type: realtime.EventConnected, UserID: user.ID}))

	ctx := util.ContextWithLogger(r.Context(), logger)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("socket read failed", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(socketReadTimeout))
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = conn.Send(realtime.ErrorEvent("bad_request", "invalid JSON frame"))
			continue
		}
		if err := s.handleFrame(ctx, conn, user, frame); err != nil {
			_ = conn.Send(realtime.ErrorEvent(errorCode(err), s.frameErrorMessage(ctx, frame, err)))
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *realtime.Connection, user domain.User, frame inboundFrame) error {
	ctx, cancel := context.WithTimeout(ctx, socketFrameTimeout)
	defer cancel()
	switch frame.Type {
	case frameJoinChat:
		chat, err := s.app.ChatForMember(ctx, frame.ChatID, user.ID)
		if err != nil {
			return err
		}
		s.hub.Join(chat.ID, conn)
		return conn.Send(realtime.Encode(realtime.Event{Type: realtime.EventJoined, ChatID: chat.ID}))
	case frameLeaveChat:
		s.hub.Leave(frame.ChatID, conn)
		return nil
	case frameTyping, frameStopTyping:
		return s.app.Typing(ctx, frame.ChatID, user.ID, frame.Type == frameStopTyping)
	case frameMarkRead:
		_, err := s.app.MarkRead(ctx, frame.ChatID, user.ID)
		return err
	case frameMessageAction:
		return s.handleMessageAction(ctx, user, frame)
	default:
		return errUnknownFrame
	}
}

func (s *Server) handleMessageAction(ctx context.Context, user domain.User, frame inboundFrame) error {
	var err error
	switch frame.Action {
	case "star":
		_, err = s.app.ToggleStar(ctx, frame.MessageID, user.ID)
	case "reaction":
		_, err = s.app.SetReaction(ctx, frame.MessageID, user.ID, frame.Reaction)
	case "delete_for_me":
		err = s.app.DeleteForMe(ctx, frame.MessageID, user.ID)
	case "delete_for_everyone":
		err = s.app.DeleteForEveryone(ctx, frame.MessageID, user.ID)
	default:
		err = errUnknownFrame
	}
	return err
}

func errorCode(err error) string {
	if errors.Is(err, errUnknownFrame) {
		return "bad_request"
	}
	switch statusFor(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthenticated"
	default:
		return "internal"
	}
}

func (s *Server) frameErrorMessage(ctx context.Context, frame inboundFrame, err error) string {
	if errors.Is(err, errUnknownFrame) || statusFor(err) != http.StatusInternalServerError {
		return err.Error()
	}
	util.LoggerFromContext(ctx).Error("socket frame failed", "type", frame.Type, "chat_id", frame.ChatID, "err", err)
	return "internal error"
}
