package types

import (
	"fmt"
	"time"
)

const (
	// UnknownSender labels a message whose sender profile could not be loaded.
	UnknownSender = "Unknown"
	// UnknownActor labels a notification whose actor profile could not be loaded.
	UnknownActor = "Someone"
)

type Profile struct {
	Id          string `json:"id" db:"id"`
	DisplayName string `json:"display_name" db:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty" db:"avatar_url"`
}

type NotificationKind string

const (
	KindApplicationReceived NotificationKind = "application_received"
	KindApplicationStatus   NotificationKind = "application_status"
	KindNewMessage          NotificationKind = "new_message"
	KindReviewReceived      NotificationKind = "review_received"
	KindJobUpdate           NotificationKind = "job_update"
)

type Notification struct {
	Id          string           `json:"id"`
	RecipientId string           `json:"recipient_id"`
	ActorId     string           `json:"actor_id"`
	Kind        NotificationKind `json:"kind"`
	JobId       string           `json:"job_id,omitempty"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
	// ActorName and ActorAvatar are attached after creation.
	ActorName   string `json:"actor_name,omitempty"`
	ActorAvatar string `json:"actor_avatar,omitempty"`
}

type Conversation struct {
	RoomId       string   `json:"room_id"`
	JobId        string   `json:"job_id,omitempty"`
	Participants []string `json:"participants"`
	LastMessage  *Message `json:"last_message,omitempty"`
	Unread       int      `json:"unread"`
}

type ScopeKind string

const (
	ScopeRoom ScopeKind = "room"
	ScopeUser ScopeKind = "user"
)

type Category string

const (
	CategoryMessages      Category = "messages"
	CategoryNotifications Category = "notifications"
)

// Scope is the (room or user, category) pair a subscription is bound to.
type Scope struct {
	Kind     ScopeKind
	Id       string
	Category Category
}

func RoomScope(roomId string) Scope {
	return Scope{Kind: ScopeRoom, Id: roomId, Category: CategoryMessages}
}

func UserMessagesScope(userId string) Scope {
	return Scope{Kind: ScopeUser, Id: userId, Category: CategoryMessages}
}

func NotificationsScope(userId string) Scope {
	return Scope{Kind: ScopeUser, Id: userId, Category: CategoryNotifications}
}

// Topic is the channel name transports subscribe to, e.g. "room:42:messages".
func (s Scope) Topic() string {
	return fmt.Sprintf("%s:%s:%s", s.Kind, s.Id, s.Category)
}

func (s Scope) String() string {
	return s.Topic()
}

func (s Scope) IsZero() bool {
	return s.Id == ""
}

type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)
