package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-jobsync/internal/auth"
	"github.com/npezzotti/go-jobsync/internal/config"
	"github.com/npezzotti/go-jobsync/internal/database"
	"github.com/npezzotti/go-jobsync/internal/outbox"
	"github.com/npezzotti/go-jobsync/internal/session"
	"github.com/npezzotti/go-jobsync/internal/testutil"
	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	sess    *MockSession
	inbox   *MockInbox
	db      *database.MockJobSyncRepository
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		sess:  &MockSession{},
		inbox: &MockInbox{},
		db:    &database.MockJobSyncRepository{},
	}
	ts.sess.On("Viewer").Return("u1").Maybe()

	s := NewServer(http.NewServeMux(), testutil.TestLogger(t), ts.sess, ts.inbox, ts.db, &config.Config{
		DebugAddr:  "localhost:0",
		SigningKey: testSigningKey,
	})
	ts.handler = s.Handler()

	token, err := auth.NewToken(testSigningKey, "u1", time.Hour)
	require.NoError(t, err)
	ts.token = token

	t.Cleanup(func() {
		ts.sess.AssertExpectations(t)
		ts.inbox.AssertExpectations(t)
		ts.db.AssertExpectations(t)
	})
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name       string
		mockErr    error
		expectCode int
	}{
		{name: "successful health check", expectCode: http.StatusOK},
		{name: "failed health check", mockErr: errors.New("db error"), expectCode: http.StatusServiceUnavailable},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.db.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			rr := httptest.NewRecorder()
			ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.expectCode, rr.Code)
		})
	}
}

func Test_getMessages(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("active room", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sess.On("ActiveRoom").Return("r1")
		ts.sess.On("Messages").Return([]types.Message{
			types.NewConfirmed("m1", "r1", "u2", "hello", now, "u2"),
			{
				Ref:       types.Pending{LocalId: "local-1"},
				RoomId:    "r1",
				SenderId:  "u1",
				Content:   "hi",
				CreatedAt: now,
				ReadBy:    types.NewReadSet("u1"),
			},
		})

		rr := ts.do(http.MethodGet, "/api/messages", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp MessagesResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "r1", resp.RoomId)
		require.Len(t, resp.Messages, 2)
		assert.Equal(t, "m1", resp.Messages[0].Id)
		assert.False(t, resp.Messages[0].Pending)
		assert.Equal(t, []string{"u2"}, resp.Messages[0].ReadBy)
		assert.Equal(t, "local-1", resp.Messages[1].LocalId)
		assert.Empty(t, resp.Messages[1].Id)
		assert.True(t, resp.Messages[1].Pending)
	})

	t.Run("no active room", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sess.On("ActiveRoom").Return("")

		rr := ts.do(http.MethodGet, "/api/messages", "")
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func Test_sendMessage(t *testing.T) {
	now := time.Now().UTC()

	tcases := []struct {
		name       string
		body       string
		sendErr    error
		expectCode int
		expectBody string
	}{
		{name: "sent", body: `{"content":"hello"}`, expectCode: http.StatusCreated, expectBody: `"id":"m1"`},
		{name: "empty content", body: `{"content":"  "}`, expectCode: http.StatusBadRequest},
		{name: "malformed body", body: `{`, expectCode: http.StatusBadRequest},
		{
			name:       "rolled back",
			body:       `{"content":"hello"}`,
			sendErr:    &outbox.SendError{Draft: "hello", Err: errors.New("insert failed")},
			expectCode: http.StatusBadGateway,
			expectBody: `"draft":"hello"`,
		},
		{name: "no active room", body: `{"content":"hello"}`, sendErr: session.ErrNoActiveRoom, expectCode: http.StatusConflict},
		{name: "session closed", body: `{"content":"hello"}`, sendErr: session.ErrClosed, expectCode: http.StatusServiceUnavailable},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			if tc.expectCode != http.StatusBadRequest {
				msg := types.Message{}
				if tc.sendErr == nil {
					msg = types.NewConfirmed("m1", "r1", "u1", "hello", now, "u1")
				}
				ts.sess.On("Send", mock.Anything, "hello").Return(msg, tc.sendErr).Once()
			}

			rr := ts.do(http.MethodPost, "/api/messages", tc.body)

			assert.Equal(t, tc.expectCode, rr.Code)
			if tc.expectBody != "" {
				assert.Contains(t, rr.Body.String(), tc.expectBody)
			}
		})
	}
}

func Test_roomRoutes(t *testing.T) {
	t.Run("activate", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sess.On("ActivateRoom", mock.Anything, "r7").Return(nil).Once()

		rr := ts.do(http.MethodPost, "/api/rooms/r7/activate", "")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("deactivate", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sess.On("DeactivateRoom", mock.Anything).Return(nil).Once()

		rr := ts.do(http.MethodDelete, "/api/rooms/active", "")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("reconnect on closed session", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sess.On("Reconnect", mock.Anything).Return(session.ErrClosed).Once()

		rr := ts.do(http.MethodPost, "/api/reconnect", "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		ts := newTestServer(t)

		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/rooms/r7/activate", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func Test_getConversations(t *testing.T) {
	ts := newTestServer(t)
	last := types.NewConfirmed("m9", "r1", "u2", "see you", time.Now().UTC())
	ts.sess.On("Conversations", mock.Anything).Return([]types.Conversation{
		{RoomId: "r1", JobId: "j1", Participants: []string{"u1", "u2"}, LastMessage: &last, Unread: 2},
		{RoomId: "r2", Participants: []string{"u1", "u3"}},
	}, nil).Once()

	rr := ts.do(http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp []ConversationResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, 2, resp[0].Unread)
	require.NotNil(t, resp[0].LastMessage)
	assert.Equal(t, "m9", resp[0].LastMessage.Id)
	assert.Nil(t, resp[1].LastMessage)
}

func Test_notificationRoutes(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		ts := newTestServer(t)
		ts.inbox.On("List").Return([]types.Notification{
			{Id: "n1", RecipientId: "u1", Kind: types.KindNewMessage, ActorName: "Ada"},
		})
		ts.inbox.On("Unread").Return(1)

		rr := ts.do(http.MethodGet, "/api/notifications", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp NotificationsResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, 1, resp.Unread)
		require.Len(t, resp.Notifications, 1)
		assert.Equal(t, "Ada", resp.Notifications[0].ActorName)
	})

	tcases := []struct {
		name       string
		method     string
		path       string
		setup      func(in *MockInbox)
		expectCode int
	}{
		{
			name:   "mark read",
			method: http.MethodPost,
			path:   "/api/notifications/n1/read",
			setup: func(in *MockInbox) {
				in.On("MarkRead", mock.Anything, "n1").Return(nil).Once()
			},
			expectCode: http.StatusNoContent,
		},
		{
			name:   "mark read failure",
			method: http.MethodPost,
			path:   "/api/notifications/n1/read",
			setup: func(in *MockInbox) {
				in.On("MarkRead", mock.Anything, "n1").Return(errors.New("db down")).Once()
			},
			expectCode: http.StatusInternalServerError,
		},
		{
			name:   "mark all read",
			method: http.MethodPost,
			path:   "/api/notifications/read-all",
			setup: func(in *MockInbox) {
				in.On("MarkAllRead", mock.Anything).Return(nil).Once()
			},
			expectCode: http.StatusNoContent,
		},
		{
			name:   "delete",
			method: http.MethodDelete,
			path:   "/api/notifications/n1",
			setup: func(in *MockInbox) {
				in.On("Delete", mock.Anything, "n1").Return(nil).Once()
			},
			expectCode: http.StatusNoContent,
		},
		{
			name:   "delete unknown",
			method: http.MethodDelete,
			path:   "/api/notifications/n2",
			setup: func(in *MockInbox) {
				err := fmt.Errorf("delete notification n2: %w", database.ErrNotFound)
				in.On("Delete", mock.Anything, "n2").Return(err).Once()
			},
			expectCode: http.StatusNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			tc.setup(ts.inbox)

			rr := ts.do(tc.method, tc.path, "")
			assert.Equal(t, tc.expectCode, rr.Code)
		})
	}
}

func Test_metrics(t *testing.T) {
	ts := newTestServer(t)

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
