// Package timeline merges fetched history, live feed events and optimistic
// sends of the active room into one ordered list without duplicates.
package timeline

import (
	"fmt"
	"slices"
	"sync"

	"github.com/npezzotti/go-jobsync/internal/types"
)

// Result describes what a merge did to the list.
type Result int

const (
	// Ignored means the message does not belong to the seeded room.
	Ignored Result = iota
	// Duplicate means the confirmed id was already present; only read
	// receipts were merged.
	Duplicate
	// Reconciled means a pending entry was replaced by its confirmation.
	Reconciled
	// Inserted means a new entry was added.
	Inserted
)

func (r Result) String() string {
	switch r {
	case Ignored:
		return "ignored"
	case Duplicate:
		return "duplicate"
	case Reconciled:
		return "reconciled"
	case Inserted:
		return "inserted"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Timeline is the working set of the active room of one viewer. Entries are
// sorted by CreatedAt; a reconciled entry keeps the position of the pending
// entry it replaced.
type Timeline struct {
	viewer string

	mu       sync.RWMutex
	roomId   string
	seeded   bool
	messages []types.Message
}

func New(viewer string) *Timeline {
	return &Timeline{viewer: viewer}
}

func (t *Timeline) Viewer() string {
	return t.viewer
}

// Open starts a working set for roomId before its history is known. Local
// sends are accepted right away; feed messages are not until Seed.
func (t *Timeline) Open(roomId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomId = roomId
	t.seeded = false
	t.messages = nil
}

// Seed replaces the working set with the history of roomId. Entries sent
// locally since Open are kept after the history.
func (t *Timeline) Seed(roomId string, history []types.Message) {
	msgs := make([]types.Message, 0, len(history))
	seen := make(map[string]int, len(history))
	for _, m := range history {
		if m.RoomId != roomId {
			continue
		}
		id, ok := m.Id()
		if !ok {
			continue
		}
		if i, dup := seen[id]; dup {
			msgs[i].ReadBy = msgs[i].ReadBy.Union(m.ReadBy)
			continue
		}
		seen[id] = len(msgs)
		msgs = append(msgs, m.Clone())
	}
	slices.SortStableFunc(msgs, func(a, b types.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roomId == roomId && !t.seeded {
		for _, m := range t.messages {
			if id, ok := m.Id(); ok {
				if i, dup := seen[id]; dup {
					msgs[i].ReadBy = msgs[i].ReadBy.Union(m.ReadBy)
					continue
				}
			}
			msgs = append(msgs, m)
		}
	}
	t.roomId = roomId
	t.seeded = true
	t.messages = msgs
}

// Reset discards the working set.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomId = ""
	t.seeded = false
	t.messages = nil
}

func (t *Timeline) RoomId() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roomId
}

func (t *Timeline) Seeded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seeded
}

// Ingest folds a confirmed message delivered by the feed into the list.
//
// A message whose id is already present only contributes its read receipts.
// A message sent by the viewer confirms the oldest pending entry of the room,
// preferring one with the same content. Anything else is inserted after every
// entry with an equal or earlier timestamp.
func (t *Timeline) Ingest(msg types.Message) Result {
	id, ok := msg.Id()
	if !ok {
		return Ignored
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.accepts(msg) {
		return Ignored
	}

	if i := t.indexOf(id); i >= 0 {
		t.messages[i].ReadBy = t.messages[i].ReadBy.Union(msg.ReadBy)
		return Duplicate
	}

	if msg.SenderId == t.viewer {
		if i := t.matchPending(msg); i >= 0 {
			t.replace(i, msg)
			return Reconciled
		}
	}

	t.insert(msg)
	return Inserted
}

// ApplyUpdate merges an UPDATE event. Updates only ever add read receipts;
// an update for an unknown message is ingested like an insert.
func (t *Timeline) ApplyUpdate(msg types.Message) Result {
	return t.Ingest(msg)
}

// AddPending appends an optimistic entry at the tail. It reports false when
// msg is not pending or does not belong to the open room.
func (t *Timeline) AddPending(msg types.Message) bool {
	if !msg.IsPending() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owns(msg) {
		return false
	}
	t.messages = append(t.messages, msg.Clone())
	return true
}

// Confirm replaces the pending entry localId with confirmed. When the feed
// already delivered the confirmation the pending entry is dropped instead and
// the read receipts of both are merged into the existing entry.
func (t *Timeline) Confirm(localId string, confirmed types.Message) Result {
	id, ok := confirmed.Id()
	if !ok {
		return Ignored
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owns(confirmed) {
		return Ignored
	}

	p := t.indexOfPending(localId)
	c := t.indexOf(id)
	switch {
	case p >= 0 && c < 0:
		t.replace(p, confirmed)
		return Reconciled
	case p >= 0 && c >= 0:
		t.messages[c].ReadBy = t.messages[c].ReadBy.Union(t.messages[p].ReadBy).Union(confirmed.ReadBy)
		t.messages = slices.Delete(t.messages, p, p+1)
		return Duplicate
	case c >= 0:
		t.messages[c].ReadBy = t.messages[c].ReadBy.Union(confirmed.ReadBy)
		return Duplicate
	default:
		// the pending entry was consumed by the echo of another send
		t.insert(confirmed)
		return Inserted
	}
}

// Discard removes the pending entry localId.
func (t *Timeline) Discard(localId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOfPending(localId)
	if i < 0 {
		return false
	}
	t.messages = slices.Delete(t.messages, i, i+1)
	return true
}

// MarkRead records viewer as a reader of the confirmed messages ids and
// returns how many entries changed.
func (t *Timeline) MarkRead(ids []string, viewer string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if i := t.indexOf(id); i >= 0 && t.messages[i].ReadBy.Add(viewer) {
			n++
		}
	}
	return n
}

// Messages returns a copy of the list.
func (t *Timeline) Messages() []types.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Last returns the newest entry, if any.
func (t *Timeline) Last() (types.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return types.Message{}, false
	}
	return t.messages[len(t.messages)-1].Clone(), true
}

// Unread counts the messages viewer has not acknowledged.
func (t *Timeline) Unread(viewer string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.messages {
		if m.UnreadBy(viewer) {
			n++
		}
	}
	return n
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

func (t *Timeline) accepts(msg types.Message) bool {
	return t.seeded && t.owns(msg)
}

func (t *Timeline) owns(msg types.Message) bool {
	return t.roomId != "" && msg.RoomId == t.roomId
}

func (t *Timeline) indexOf(id string) int {
	return slices.IndexFunc(t.messages, func(m types.Message) bool {
		mid, ok := m.Id()
		return ok && mid == id
	})
}

func (t *Timeline) indexOfPending(localId string) int {
	return slices.IndexFunc(t.messages, func(m types.Message) bool {
		lid, ok := m.LocalId()
		return ok && lid == localId
	})
}

// matchPending returns the oldest pending entry of the viewer, preferring
// one with the same content as msg.
func (t *Timeline) matchPending(msg types.Message) int {
	oldest := -1
	for i, m := range t.messages {
		if !m.IsPending() || m.SenderId != msg.SenderId {
			continue
		}
		if m.Content == msg.Content {
			return i
		}
		if oldest < 0 {
			oldest = i
		}
	}
	return oldest
}

// replace swaps entry i for msg, keeping the read receipts of both.
func (t *Timeline) replace(i int, msg types.Message) {
	merged := msg.Clone()
	merged.ReadBy = t.messages[i].ReadBy.Union(msg.ReadBy)
	t.messages[i] = merged
}

// insert places msg after every entry that is not newer than it. The scan
// runs from the tail since live messages are usually the newest.
func (t *Timeline) insert(msg types.Message) {
	i := len(t.messages)
	for i > 0 && t.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	t.messages = slices.Insert(t.messages, i, msg.Clone())
}
