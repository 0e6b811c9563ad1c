package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/npezzotti/go-jobsync/internal/types"
)

type PgJobSyncRepository struct {
	conn *sqlx.DB
}

func NewPgJobSyncRepository(conn *sqlx.DB) *PgJobSyncRepository {
	return &PgJobSyncRepository{conn: conn}
}

func (db *PgJobSyncRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgJobSyncRepository) FetchHistory(ctx context.Context, roomId string) ([]types.Message, error) {
	var rows []Message
	if err := db.conn.SelectContext(ctx, &rows, fetchHistoryQuery, roomId); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return toMessages(rows), nil
}

func (db *PgJobSyncRepository) InsertMessage(ctx context.Context, roomId, senderId, content string) (*types.Message, error) {
	var row Message
	if err := db.conn.QueryRowxContext(ctx, insertMessageQuery, roomId, senderId, content).StructScan(&row); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg := row.toMessage()
	return &msg, nil
}

func (db *PgJobSyncRepository) MarkRead(ctx context.Context, messageIds []string, viewerId string) error {
	if len(messageIds) == 0 {
		return nil
	}
	if _, err := db.conn.ExecContext(ctx, markReadQuery, pq.Array(messageIds), viewerId); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (db *PgJobSyncRepository) FetchUnread(ctx context.Context, viewerId string) ([]types.Message, error) {
	var rows []Message
	if err := db.conn.SelectContext(ctx, &rows, fetchUnreadQuery, viewerId); err != nil {
		return nil, fmt.Errorf("fetch unread: %w", err)
	}
	return toMessages(rows), nil
}

func (db *PgJobSyncRepository) ListConversations(ctx context.Context, viewerId string) ([]types.Conversation, error) {
	var rows []Conversation
	if err := db.conn.SelectContext(ctx, &rows, listConversationsQuery, viewerId); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	roomIds := make([]string, len(rows))
	for i, r := range rows {
		roomIds[i] = r.RoomId
	}
	var last []Message
	if err := db.conn.SelectContext(ctx, &last, lastMessagesQuery, pq.Array(roomIds)); err != nil {
		return nil, fmt.Errorf("list last messages: %w", err)
	}
	lastByRoom := make(map[string]types.Message, len(last))
	for _, m := range last {
		lastByRoom[m.RoomId] = m.toMessage()
	}

	convs := make([]types.Conversation, len(rows))
	for i, r := range rows {
		convs[i] = types.Conversation{
			RoomId:       r.RoomId,
			JobId:        r.JobId,
			Participants: r.Participants,
			Unread:       r.Unread,
		}
		if m, ok := lastByRoom[r.RoomId]; ok {
			convs[i].LastMessage = &m
		}
	}
	return convs, nil
}

func (db *PgJobSyncRepository) FetchNotifications(ctx context.Context, recipientId string) ([]types.Notification, error) {
	var rows []Notification
	if err := db.conn.SelectContext(ctx, &rows, fetchNotificationsQuery, recipientId); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	out := make([]types.Notification, len(rows))
	for i, r := range rows {
		out[i] = r.toNotification()
	}
	return out, nil
}

func (db *PgJobSyncRepository) MarkNotificationRead(ctx context.Context, id string) error {
	return db.execOne(ctx, "mark notification read", markNotificationReadQuery, id)
}

func (db *PgJobSyncRepository) MarkAllNotificationsRead(ctx context.Context, recipientId string) error {
	if _, err := db.conn.ExecContext(ctx, markAllNotificationsReadQuery, recipientId); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (db *PgJobSyncRepository) DeleteNotification(ctx context.Context, id string) error {
	return db.execOne(ctx, "delete notification", deleteNotificationQuery, id)
}

func (db *PgJobSyncRepository) GetProfile(ctx context.Context, userId string) (types.Profile, error) {
	var p types.Profile
	err := db.conn.GetContext(ctx, &p, getProfileQuery, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Profile{}, fmt.Errorf("get profile %q: %w", userId, ErrNotFound)
	}
	if err != nil {
		return types.Profile{}, fmt.Errorf("get profile %q: %w", userId, err)
	}
	return p, nil
}

// execOne runs a statement that has to affect exactly one row.
func (db *PgJobSyncRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
