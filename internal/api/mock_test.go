package api

import (
	"context"

	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockSession struct {
	mock.Mock
}

func (m *MockSession) Viewer() string {
	return m.Called().String(0)
}
func (m *MockSession) ActiveRoom() string {
	return m.Called().String(0)
}
func (m *MockSession) Messages() []types.Message {
	args := m.Called()
	msgs, _ := args.Get(0).([]types.Message)
	return msgs
}
func (m *MockSession) ActivateRoom(ctx context.Context, roomId string) error {
	return m.Called(ctx, roomId).Error(0)
}
func (m *MockSession) DeactivateRoom(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockSession) Reconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockSession) Send(ctx context.Context, content string) (types.Message, error) {
	args := m.Called(ctx, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockSession) Conversations(ctx context.Context) ([]types.Conversation, error) {
	args := m.Called(ctx)
	convs, _ := args.Get(0).([]types.Conversation)
	return convs, args.Error(1)
}

type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) List() []types.Notification {
	ns, _ := m.Called().Get(0).([]types.Notification)
	return ns
}
func (m *MockInbox) Unread() int {
	return m.Called().Int(0)
}
func (m *MockInbox) MarkRead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *MockInbox) MarkAllRead(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockInbox) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
