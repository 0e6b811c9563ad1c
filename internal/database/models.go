package database

import (
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-jobsync/internal/types"
)

type Message struct {
	Id        string         `db:"id"`
	RoomId    string         `db:"room_id"`
	SenderId  string         `db:"sender_id"`
	Content   string         `db:"content"`
	ReadBy    pq.StringArray `db:"read_by"`
	CreatedAt time.Time      `db:"created_at"`
}

func (m Message) toMessage() types.Message {
	return types.NewConfirmed(m.Id, m.RoomId, m.SenderId, m.Content, m.CreatedAt, m.ReadBy...)
}

type Conversation struct {
	RoomId       string         `db:"room_id"`
	JobId        string         `db:"job_id"`
	Participants pq.StringArray `db:"participants"`
	Unread       int            `db:"unread"`
}

type Notification struct {
	Id          string    `db:"id"`
	RecipientId string    `db:"recipient_id"`
	ActorId     string    `db:"actor_id"`
	Kind        string    `db:"kind"`
	JobId       string    `db:"job_id"`
	IsRead      bool      `db:"is_read"`
	CreatedAt   time.Time `db:"created_at"`
}

func (n Notification) toNotification() types.Notification {
	return types.Notification{
		Id:          n.Id,
		RecipientId: n.RecipientId,
		ActorId:     n.ActorId,
		Kind:        types.NotificationKind(n.Kind),
		JobId:       n.JobId,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
}

func toMessages(rows []Message) []types.Message {
	out := make([]types.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out
}
