package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-jobsync/internal/types"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const (
	tableMessages      = "messages"
	tableNotifications = "notifications"
)

var ErrUnknownTable = errors.New("unknown table")

// Event is a row change delivered on a subscription. Exactly one of Message
// and Notification is set, depending on the scope category.
type Event struct {
	Type         EventType
	Scope        types.Scope
	Message      *types.Message
	Notification *types.Notification
}

// envelope is the wire format shared by every transport.
type envelope struct {
	Type      EventType       `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

type messageRecord struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"room_id"`
	SenderId  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ReadBy    []string  `json:"read_by"`
}

// DecodeEvent parses a change envelope received on scope.
func DecodeEvent(scope types.Scope, payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("decode envelope: unknown event type %q", env.Type)
	}

	record := env.Record
	if env.Type == EventDelete && len(env.OldRecord) > 0 {
		record = env.OldRecord
	}
	if len(record) == 0 {
		return Event{}, fmt.Errorf("decode envelope: missing record")
	}

	ev := Event{Type: env.Type, Scope: scope}
	switch env.Table {
	case tableMessages:
		var rec messageRecord
		if err := json.Unmarshal(record, &rec); err != nil {
			return Event{}, fmt.Errorf("decode message: %w", err)
		}
		if rec.Id == "" {
			return Event{}, fmt.Errorf("decode message: missing id")
		}
		msg := types.NewConfirmed(rec.Id, rec.RoomId, rec.SenderId, rec.Content, rec.CreatedAt, rec.ReadBy...)
		ev.Message = &msg
	case tableNotifications:
		var n types.Notification
		if err := json.Unmarshal(record, &n); err != nil {
			return Event{}, fmt.Errorf("decode notification: %w", err)
		}
		if n.Id == "" {
			return Event{}, fmt.Errorf("decode notification: missing id")
		}
		ev.Notification = &n
	default:
		return Event{}, fmt.Errorf("decode envelope: %w: %q", ErrUnknownTable, env.Table)
	}

	return ev, nil
}

// EncodeMessage builds the envelope for a confirmed message change.
func EncodeMessage(typ EventType, msg types.Message) ([]byte, error) {
	id, ok := msg.Id()
	if !ok {
		return nil, fmt.Errorf("encode message: message is not confirmed")
	}
	rec, err := json.Marshal(messageRecord{
		Id:        id,
		RoomId:    msg.RoomId,
		SenderId:  msg.SenderId,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		ReadBy:    msg.ReadBy.Slice(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return json.Marshal(envelope{Type: typ, Table: tableMessages, Record: rec})
}

// EncodeNotification builds the envelope for a notification change.
func EncodeNotification(typ EventType, n types.Notification) ([]byte, error) {
	rec, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return json.Marshal(envelope{Type: typ, Table: tableNotifications, Record: rec})
}
