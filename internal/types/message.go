package types

import (
	"encoding/json"
	"slices"
	"time"
)

// MessageRef identifies a message either by the local id it was created with
// or by the id the backend assigned to it. It is implemented by Pending and
// Confirmed only.
type MessageRef interface {
	isMessageRef()
}

type Pending struct {
	LocalId string
}

type Confirmed struct {
	Id string
}

func (Pending) isMessageRef()   {}
func (Confirmed) isMessageRef() {}

type Message struct {
	Ref       MessageRef `json:"-"`
	RoomId    string     `json:"room_id"`
	SenderId  string     `json:"sender_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ReadBy    ReadSet    `json:"read_by"`
}

// NewConfirmed builds a server-confirmed message.
func NewConfirmed(id, roomId, senderId, content string, createdAt time.Time, readBy ...string) Message {
	return Message{
		Ref:       Confirmed{Id: id},
		RoomId:    roomId,
		SenderId:  senderId,
		Content:   content,
		CreatedAt: createdAt,
		ReadBy:    NewReadSet(readBy...),
	}
}

// Id returns the confirmed id of the message, if it has one.
func (m Message) Id() (string, bool) {
	if c, ok := m.Ref.(Confirmed); ok {
		return c.Id, true
	}
	return "", false
}

// LocalId returns the local id of a pending message.
func (m Message) LocalId() (string, bool) {
	if p, ok := m.Ref.(Pending); ok {
		return p.LocalId, true
	}
	return "", false
}

func (m Message) IsPending() bool {
	_, ok := m.Ref.(Pending)
	return ok
}

// UnreadBy reports whether viewer still has to acknowledge the message.
func (m Message) UnreadBy(viewer string) bool {
	return m.SenderId != viewer && !m.ReadBy.Has(viewer)
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.ReadBy = m.ReadBy.Clone()
	return m
}

// ReadSet is the set of participant ids that acknowledged a message.
type ReadSet map[string]struct{}

func NewReadSet(ids ...string) ReadSet {
	s := make(ReadSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ReadSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id and reports whether it was not yet present.
func (s *ReadSet) Add(id string) bool {
	if *s == nil {
		*s = make(ReadSet)
	}
	if _, ok := (*s)[id]; ok {
		return false
	}
	(*s)[id] = struct{}{}
	return true
}

// Union returns a new set holding the members of both sets.
func (s ReadSet) Union(other ReadSet) ReadSet {
	out := make(ReadSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

func (s ReadSet) Clone() ReadSet {
	return s.Union(nil)
}

// Slice returns the members in sorted order.
func (s ReadSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s ReadSet) Len() int {
	return len(s)
}

// MarshalJSON encodes the set as a sorted array of ids.
func (s ReadSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *ReadSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewReadSet(ids...)
	return nil
}
