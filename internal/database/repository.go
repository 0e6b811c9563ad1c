package database

import (
	"context"
	"errors"

	"github.com/npezzotti/go-jobsync/internal/types"
)

var ErrNotFound = errors.New("not found")

// JobSyncRepository is the row store the sync core reads from and writes to.
type JobSyncRepository interface {
	Ping(ctx context.Context) error
	FetchHistory(ctx context.Context, roomId string) ([]types.Message, error)
	InsertMessage(ctx context.Context, roomId, senderId, content string) (*types.Message, error)
	MarkRead(ctx context.Context, messageIds []string, viewerId string) error
	FetchUnread(ctx context.Context, viewerId string) ([]types.Message, error)
	ListConversations(ctx context.Context, viewerId string) ([]types.Conversation, error)
	FetchNotifications(ctx context.Context, recipientId string) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientId string) error
	DeleteNotification(ctx context.Context, id string) error
	GetProfile(ctx context.Context, userId string) (types.Profile, error)
}

var (
	_ JobSyncRepository = (*PgJobSyncRepository)(nil)
	_ JobSyncRepository = (*MockJobSyncRepository)(nil)
)
