package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-jobsync/internal/database"
	"github.com/npezzotti/go-jobsync/internal/outbox"
	"github.com/npezzotti/go-jobsync/internal/session"
	"github.com/npezzotti/go-jobsync/internal/types"
)

type SendMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse exposes the message reference, which types.Message keeps
// out of its JSON form.
type MessageResponse struct {
	Id        string    `json:"id,omitempty"`
	LocalId   string    `json:"local_id,omitempty"`
	Pending   bool      `json:"pending"`
	RoomId    string    `json:"room_id"`
	SenderId  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ReadBy    []string  `json:"read_by"`
}

type MessagesResponse struct {
	RoomId   string            `json:"room_id"`
	Messages []MessageResponse `json:"messages"`
}

type ConversationResponse struct {
	RoomId       string           `json:"room_id"`
	JobId        string           `json:"job_id,omitempty"`
	Participants []string         `json:"participants"`
	LastMessage  *MessageResponse `json:"last_message,omitempty"`
	Unread       int              `json:"unread"`
}

type NotificationsResponse struct {
	Notifications []types.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

func newMessageResponse(m types.Message) MessageResponse {
	resp := MessageResponse{
		Pending:   m.IsPending(),
		RoomId:    m.RoomId,
		SenderId:  m.SenderId,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		ReadBy:    m.ReadBy.Slice(),
	}
	if id, ok := m.Id(); ok {
		resp.Id = id
	}
	if localId, ok := m.LocalId(); ok {
		resp.LocalId = localId
	}
	return resp
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// writeError maps session and store errors onto API errors.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		errResp *ApiError
		sendErr *outbox.SendError
	)
	switch {
	case errors.As(err, &sendErr):
		errResp = NewSendFailedError(sendErr.Draft, sendErr.Err)
	case errors.Is(err, session.ErrNoActiveRoom):
		errResp = NewConflictError(err)
	case errors.Is(err, session.ErrClosed):
		errResp = NewServiceUnavailableError(err)
	case errors.Is(err, database.ErrNotFound):
		errResp = NewNotFoundError()
	default:
		s.log.Printf("request failed: %v", err)
		errResp = NewInternalServerError(err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.sess.Conversations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		cr := ConversationResponse{
			RoomId:       c.RoomId,
			JobId:        c.JobId,
			Participants: c.Participants,
			Unread:       c.Unread,
		}
		if c.LastMessage != nil {
			last := newMessageResponse(*c.LastMessage)
			cr.LastMessage = &last
		}
		resp = append(resp, cr)
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId := s.sess.ActiveRoom()
	if roomId == "" {
		s.writeError(w, session.ErrNoActiveRoom)
		return
	}

	msgs := s.sess.Messages()
	resp := MessagesResponse{
		RoomId:   roomId,
		Messages: make([]MessageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, newMessageResponse(m))
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.sess.Send(r.Context(), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, newMessageResponse(msg))
}

func (s *Server) activateRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.sess.ActivateRoom(r.Context(), roomId); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deactivateRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.DeactivateRoom(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Reconnect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, NotificationsResponse{
		Notifications: s.inbox.List(),
		Unread:        s.inbox.Unread(),
	})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.inbox.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := s.inbox.MarkAllRead(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.inbox.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
