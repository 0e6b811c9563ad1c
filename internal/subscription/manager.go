// Package subscription owns the live feed handles of a session and makes sure
// each slot holds at most one of them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/go-jobsync/internal/connstate"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
)

var (
	ErrScopeInUse = errors.New("scope already bound to another slot")
	ErrClosed     = errors.New("subscription manager closed")
)

type Slot string

const (
	SlotRoom          Slot = "room"
	SlotInbox         Slot = "inbox"
	SlotNotifications Slot = "notifications"
)

// Opener starts a subscription. *feed.Client implements it.
type Opener interface {
	Open(ctx context.Context, scope types.Scope) (*feed.Handle, error)
}

type Manager struct {
	opener Opener
	log    *log.Logger

	mu     sync.Mutex
	slots  map[Slot]*feed.Handle
	closed bool
}

func NewManager(opener Opener, logger *log.Logger) *Manager {
	return &Manager{
		opener: opener,
		log:    logger,
		slots:  make(map[Slot]*feed.Handle),
	}
}

// Bind makes scope the subscription of slot. The handle previously bound to
// slot is closed, and its backend channel released, before the new one is
// opened. Binding the scope a slot already holds returns the existing handle
// and reactivates it if it has failed.
func (m *Manager) Bind(ctx context.Context, slot Slot, scope types.Scope) (*feed.Handle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	cur, ok := m.slots[slot]
	if ok && cur.Scope() == scope {
		if cur.State() == connstate.Failed {
			m.log.Printf("reactivating %s subscription %s", slot, scope)
			cur.Reactivate()
		}
		return cur, false, nil
	}

	for s, h := range m.slots {
		if s != slot && h.Scope() == scope {
			return nil, false, fmt.Errorf("bind %s to %s: %w", slot, scope, ErrScopeInUse)
		}
	}

	if ok {
		cur.Close()
		delete(m.slots, slot)
	}

	h, err := m.opener.Open(ctx, scope)
	if err != nil {
		return nil, false, fmt.Errorf("bind %s to %s: %w", slot, scope, err)
	}
	m.slots[slot] = h
	return h, true, nil
}

// Release closes the handle bound to slot, if any.
func (m *Manager) Release(slot Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.slots[slot]; ok {
		h.Close()
		delete(m.slots, slot)
	}
}

func (m *Manager) Current(slot Slot) (*feed.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.slots[slot]
	return h, ok
}

// Close releases every slot. Bind fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for slot, h := range m.slots {
		h.Close()
		delete(m.slots, slot)
	}
}
