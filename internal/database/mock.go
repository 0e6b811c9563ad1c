package database

import (
	"context"

	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockJobSyncRepository struct {
	mock.Mock
}

func (m *MockJobSyncRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockJobSyncRepository) FetchHistory(ctx context.Context, roomId string) ([]types.Message, error) {
	args := m.Called(ctx, roomId)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockJobSyncRepository) InsertMessage(ctx context.Context, roomId, senderId, content string) (*types.Message, error) {
	args := m.Called(ctx, roomId, senderId, content)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockJobSyncRepository) MarkRead(ctx context.Context, messageIds []string, viewerId string) error {
	args := m.Called(ctx, messageIds, viewerId)
	return args.Error(0)
}
func (m *MockJobSyncRepository) FetchUnread(ctx context.Context, viewerId string) ([]types.Message, error) {
	args := m.Called(ctx, viewerId)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockJobSyncRepository) ListConversations(ctx context.Context, viewerId string) ([]types.Conversation, error) {
	args := m.Called(ctx, viewerId)
	if convs, ok := args.Get(0).([]types.Conversation); ok {
		return convs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockJobSyncRepository) FetchNotifications(ctx context.Context, recipientId string) ([]types.Notification, error) {
	args := m.Called(ctx, recipientId)
	if ns, ok := args.Get(0).([]types.Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockJobSyncRepository) MarkNotificationRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockJobSyncRepository) MarkAllNotificationsRead(ctx context.Context, recipientId string) error {
	args := m.Called(ctx, recipientId)
	return args.Error(0)
}
func (m *MockJobSyncRepository) DeleteNotification(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockJobSyncRepository) GetProfile(ctx context.Context, userId string) (types.Profile, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.Profile), args.Error(1)
}
