// Package notifications keeps the notification list of one recipient in sync
// with the backend.
package notifications

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
)

// Store is the backend the inbox reads from and writes to.
type Store interface {
	FetchNotifications(ctx context.Context, recipientId string) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientId string) error
	DeleteNotification(ctx context.Context, id string) error
}

type ProfileResolver interface {
	Resolve(ctx context.Context, userId, fallback string) types.Profile
}

type Inbox struct {
	recipient string
	store     Store
	profiles  ProfileResolver
	log       *log.Logger
	onChange  func()

	mu    sync.RWMutex
	items []types.Notification
	wg    sync.WaitGroup
}

type Option func(*Inbox)

// WithOnChange registers f to run whenever the list changes. f must not
// block.
func WithOnChange(f func()) Option {
	return func(in *Inbox) { in.onChange = f }
}

func NewInbox(recipient string, store Store, profiles ProfileResolver, logger *log.Logger, opts ...Option) *Inbox {
	in := &Inbox{
		recipient: recipient,
		store:     store,
		profiles:  profiles,
		log:       logger,
		onChange:  func() {},
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Load replaces the list with the notifications stored for the recipient.
func (in *Inbox) Load(ctx context.Context) error {
	items, err := in.store.FetchNotifications(ctx, in.recipient)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	items = slices.Clone(items)
	sortNewestFirst(items)

	in.mu.Lock()
	in.items = items
	in.mu.Unlock()

	in.enrich(ctx, items...)
	in.onChange()
	return nil
}

// Ingest applies a change event to the list and reports whether it changed.
func (in *Inbox) Ingest(ctx context.Context, ev feed.Event) bool {
	n := ev.Notification
	if n == nil || n.RecipientId != in.recipient {
		return false
	}

	in.mu.Lock()
	i := in.indexOf(n.Id)
	changed := false
	added := false
	switch ev.Type {
	case feed.EventInsert:
		if i < 0 {
			in.insert(*n)
			changed, added = true, true
		}
	case feed.EventUpdate:
		if i < 0 {
			in.insert(*n)
			changed, added = true, true
		} else if in.items[i].IsRead != n.IsRead {
			in.items[i].IsRead = n.IsRead
			changed = true
		}
	case feed.EventDelete:
		if i >= 0 {
			in.items = slices.Delete(in.items, i, i+1)
			changed = true
		}
	}
	in.mu.Unlock()

	if added {
		in.enrich(ctx, *n)
	}
	if changed {
		in.onChange()
	}
	return changed
}

// MarkRead marks a notification read right away and reverts it when the
// backend rejects the update.
func (in *Inbox) MarkRead(ctx context.Context, id string) error {
	if !in.setRead([]string{id}, true) {
		return nil
	}
	in.onChange()

	if err := in.store.MarkNotificationRead(ctx, id); err != nil {
		in.setRead([]string{id}, false)
		in.onChange()
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every notification read right away and reverts the ones
// it changed when the backend rejects the update.
func (in *Inbox) MarkAllRead(ctx context.Context) error {
	in.mu.RLock()
	var ids []string
	for _, n := range in.items {
		if !n.IsRead {
			ids = append(ids, n.Id)
		}
	}
	in.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	in.setRead(ids, true)
	in.onChange()

	if err := in.store.MarkAllNotificationsRead(ctx, in.recipient); err != nil {
		in.setRead(ids, false)
		in.onChange()
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// Delete removes a notification once the backend has deleted it.
func (in *Inbox) Delete(ctx context.Context, id string) error {
	if err := in.store.DeleteNotification(ctx, id); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}

	in.mu.Lock()
	i := in.indexOf(id)
	if i >= 0 {
		in.items = slices.Delete(in.items, i, i+1)
	}
	in.mu.Unlock()

	if i >= 0 {
		in.onChange()
	}
	return nil
}

// List returns the notifications, newest first.
func (in *Inbox) List() []types.Notification {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return slices.Clone(in.items)
}

func (in *Inbox) Unread() int {
	in.mu.RLock()
	defer in.mu.RUnlock()

	n := 0
	for _, item := range in.items {
		if !item.IsRead {
			n++
		}
	}
	return n
}

// Wait blocks until pending actor lookups have finished.
func (in *Inbox) Wait() {
	in.wg.Wait()
}

func (in *Inbox) setRead(ids []string, read bool) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	changed := false
	for _, id := range ids {
		if i := in.indexOf(id); i >= 0 && in.items[i].IsRead != read {
			in.items[i].IsRead = read
			changed = true
		}
	}
	return changed
}

// enrich looks up the actors of ns in the background and attaches their
// names to every notification that has none yet.
func (in *Inbox) enrich(ctx context.Context, ns ...types.Notification) {
	seen := make(map[string]bool)
	for _, n := range ns {
		if n.ActorName != "" || n.ActorId == "" || seen[n.ActorId] {
			continue
		}
		seen[n.ActorId] = true

		in.wg.Add(1)
		go func(actorId string) {
			defer in.wg.Done()
			p := in.profiles.Resolve(ctx, actorId, types.UnknownActor)

			in.mu.Lock()
			changed := false
			for i := range in.items {
				if in.items[i].ActorId == actorId && in.items[i].ActorName == "" {
					in.items[i].ActorName = p.DisplayName
					in.items[i].ActorAvatar = p.AvatarURL
					changed = true
				}
			}
			in.mu.Unlock()

			if changed {
				in.onChange()
			}
		}(n.ActorId)
	}
}

func (in *Inbox) indexOf(id string) int {
	return slices.IndexFunc(in.items, func(n types.Notification) bool { return n.Id == id })
}

// insert keeps the list ordered newest first.
func (in *Inbox) insert(n types.Notification) {
	i := 0
	for i < len(in.items) && !in.items[i].CreatedAt.Before(n.CreatedAt) {
		i++
	}
	in.items = slices.Insert(in.items, i, n)
}

func sortNewestFirst(items []types.Notification) {
	slices.SortStableFunc(items, func(a, b types.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
