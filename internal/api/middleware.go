package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-jobsync/internal/auth"
)

type contextKey string

const viewerKey contextKey = "viewer-id"

func ViewerId(ctx context.Context) (string, bool) {
	viewerId, ok := ctx.Value(viewerKey).(string)
	return viewerId, ok
}

func WithViewerId(ctx context.Context, viewerId string) context.Context {
	return context.WithValue(ctx, viewerKey, viewerId)
}

func (s *Server) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts a bearer token issued for the session's viewer.
// Tokens for any other user are forbidden.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		viewerId, err := auth.ParseViewer(s.signingKey, tokenString)
		if err != nil {
			s.log.Printf("failed to extract viewer id from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if viewerId != s.sess.Viewer() {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithViewerId(r.Context(), viewerId)))
	}
}
