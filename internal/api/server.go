// Package api serves a local HTTP API over a running sync session, next to
// the debug counters and prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-jobsync/internal/config"
	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SyncSession is the part of a session the API drives.
type SyncSession interface {
	Viewer() string
	ActiveRoom() string
	Messages() []types.Message
	ActivateRoom(ctx context.Context, roomId string) error
	DeactivateRoom(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Send(ctx context.Context, content string) (types.Message, error)
	Conversations(ctx context.Context) ([]types.Conversation, error)
}

type Inbox interface {
	List() []types.Notification
	Unread() int
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	log        *log.Logger
	sess       SyncSession
	inbox      Inbox
	db         Pinger
	signingKey []byte
	srv        *http.Server
}

// NewServer registers the API routes on mux. The debug counters are expected
// to be registered on the same mux by the caller.
func NewServer(mux *http.ServeMux, logger *log.Logger, sess SyncSession, inbox Inbox, db Pinger, cfg *config.Config) *Server {
	s := &Server{
		log:        logger,
		sess:       sess,
		inbox:      inbox,
		db:         db,
		signingKey: cfg.SigningKey,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /api/conversations", s.authMiddleware(s.getConversations))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("POST /api/rooms/{id}/activate", s.authMiddleware(s.activateRoom))
	mux.Handle("DELETE /api/rooms/active", s.authMiddleware(s.deactivateRoom))
	mux.Handle("POST /api/reconnect", s.authMiddleware(s.reconnect))
	mux.Handle("GET /api/notifications", s.authMiddleware(s.getNotifications))
	mux.Handle("POST /api/notifications/read-all", s.authMiddleware(s.markAllNotificationsRead))
	mux.Handle("POST /api/notifications/{id}/read", s.authMiddleware(s.markNotificationRead))
	mux.Handle("DELETE /api/notifications/{id}", s.authMiddleware(s.deleteNotification))

	var h http.Handler = handlers.LoggingHandler(logger.Writer(), mux)
	h = otelhttp.NewHandler(h, "jobsync-api")
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: h,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Printf("Starting api server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("Shutting down api server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.log.Println("Api server shutdown complete")
	return nil
}
