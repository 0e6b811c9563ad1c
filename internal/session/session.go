// Package session ties the sync components together for one viewer: it owns
// the active room, its history and live events, the viewer's inbox feeds and
// the notices shown to the user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/go-jobsync/internal/connstate"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/notifications"
	"github.com/npezzotti/go-jobsync/internal/observability"
	"github.com/npezzotti/go-jobsync/internal/outbox"
	"github.com/npezzotti/go-jobsync/internal/readstate"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/subscription"
	"github.com/npezzotti/go-jobsync/internal/timeline"
	"github.com/npezzotti/go-jobsync/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoActiveRoom = errors.New("no active room")
	ErrClosed       = errors.New("session closed")
)

// Store is the backend a session reads from and writes to.
type Store interface {
	outbox.Writer
	readstate.Marker
	notifications.Store
	FetchHistory(ctx context.Context, roomId string) ([]types.Message, error)
	FetchUnread(ctx context.Context, viewerId string) ([]types.Message, error)
	ListConversations(ctx context.Context, viewerId string) ([]types.Conversation, error)
}

type requestKind int

const (
	reqActivate requestKind = iota
	reqDeactivate
	reqReconnect
)

type request struct {
	kind   requestKind
	ctx    context.Context
	roomId string
	done   chan error
}

type historyResult struct {
	gen      int
	roomId   string
	messages []types.Message
	err      error
}

type Session struct {
	viewer string
	store  Store
	subs   *subscription.Manager
	log    *log.Logger
	stats  stats.StatsProvider

	timeline   *timeline.Timeline
	tracker    *outbox.Tracker
	reconciler *readstate.Reconciler
	inbox      *notifications.Inbox

	notices   chan Notice
	requests  chan request
	history   chan historyResult
	exit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	started   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	activeRoom string
	// unread holds the unread message ids of every room that is not active
	unread map[string]map[string]struct{}
	last   map[string]types.Message

	// owned by the run loop
	gen          int
	cancelFetch  context.CancelFunc
	buffered     []feed.Event
	room         *feed.Handle
	userMessages *feed.Handle
	userNotices  *feed.Handle
}

type options struct {
	readState []readstate.Option
}

type Option func(*options)

// WithReadStateOptions configures the mark-as-read reconciler.
func WithReadStateOptions(opts ...readstate.Option) Option {
	return func(o *options) { o.readState = append(o.readState, opts...) }
}

func New(viewer string, store Store, opener subscription.Opener, resolver notifications.ProfileResolver, logger *log.Logger, sp stats.StatsProvider, opts ...Option) *Session {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		viewer:   viewer,
		store:    store,
		subs:     subscription.NewManager(opener, logger),
		log:      logger,
		stats:    sp,
		timeline: timeline.New(viewer),
		notices:  make(chan Notice, 256),
		requests: make(chan request),
		history:  make(chan historyResult),
		exit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		unread:   make(map[string]map[string]struct{}),
		last:     make(map[string]types.Message),
	}
	s.tracker = outbox.NewTracker(s.timeline, store, logger, sp)
	s.reconciler = readstate.New(store, logger, sp, append(o.readState, readstate.WithOnMarked(s.onMarked))...)
	s.inbox = notifications.NewInbox(viewer, store, resolver, logger, notifications.WithOnChange(func() {
		s.emit(Notice{Kind: NoticeNotificationsChanged, Scope: types.NotificationsScope(viewer)})
	}))
	return s
}

// Start loads the unread state of the viewer, subscribes to the viewer's
// messages and notifications and starts processing events.
func (s *Session) Start(ctx context.Context) error {
	unread, err := s.store.FetchUnread(ctx, s.viewer)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.mu.Lock()
	for _, m := range unread {
		s.trackInactive(m)
	}
	s.mu.Unlock()

	s.userMessages, _, err = s.subs.Bind(ctx, subscription.SlotInbox, types.UserMessagesScope(s.viewer))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.userNotices, _, err = s.subs.Bind(ctx, subscription.SlotNotifications, types.NotificationsScope(s.viewer))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if err := s.inbox.Load(ctx); err != nil {
		s.log.Println("load notifications:", err)
		s.emit(Notice{Kind: NoticeLoadFailed, Scope: types.NotificationsScope(s.viewer), Err: err})
	}

	s.started = true
	go s.run()
	return nil
}

// Close releases every subscription and waits for in-flight mark-as-read
// calls and actor lookups to finish. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.exit)
		if s.started {
			<-s.done
		}
		s.subs.Close()
		s.cancel()
		s.reconciler.Wait()
		s.inbox.Wait()
	})
}

// Notices delivers connectivity, send and change notices. Notices are
// dropped when nobody reads them.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

func (s *Session) Viewer() string {
	return s.viewer
}

func (s *Session) ActiveRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoom
}

// Messages returns the merged message list of the active room.
func (s *Session) Messages() []types.Message {
	return s.timeline.Messages()
}

func (s *Session) Notifications() *notifications.Inbox {
	return s.inbox
}

// ActivateRoom makes roomId the active room. The previous room's
// subscription is released and its pending history fetch cancelled before
// the new subscription is opened. History is loaded in the background.
func (s *Session) ActivateRoom(ctx context.Context, roomId string) error {
	if roomId == "" {
		return fmt.Errorf("activate room: empty room id")
	}
	return s.do(request{kind: reqActivate, ctx: ctx, roomId: roomId})
}

// DeactivateRoom releases the active room.
func (s *Session) DeactivateRoom(ctx context.Context) error {
	return s.do(request{kind: reqDeactivate, ctx: ctx})
}

// Reconnect reactivates every subscription that ran out of retries.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.do(request{kind: reqReconnect, ctx: ctx})
}

// Send posts content to the active room. The message is visible as pending
// right away; on failure it is removed again and a NoticeSendFailed carrying
// the draft is emitted.
func (s *Session) Send(ctx context.Context, content string) (types.Message, error) {
	roomId := s.ActiveRoom()
	if roomId == "" {
		return types.Message{}, ErrNoActiveRoom
	}

	ctx, span := otel.Tracer("jobsync/session").Start(ctx, "session.send",
		trace.WithAttributes(attribute.String("viewer.id", s.viewer), attribute.String("room.id", roomId)))
	defer span.End()

	msg, err := s.tracker.Send(ctx, roomId, s.viewer, content)
	if err != nil {
		var sendErr *outbox.SendError
		if errors.As(err, &sendErr) {
			s.emit(Notice{Kind: NoticeSendFailed, Scope: types.RoomScope(roomId), Draft: sendErr.Draft, Err: sendErr.Err})
		}
		return types.Message{}, err
	}

	s.emit(Notice{Kind: NoticeTimelineChanged, Scope: types.RoomScope(roomId)})
	return msg, nil
}

// Conversations lists the viewer's rooms. Unread counts and last messages
// reflect what the session has seen locally.
func (s *Session) Conversations(ctx context.Context) ([]types.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, s.viewer)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range convs {
		c := &convs[i]
		if c.RoomId == s.activeRoom && s.timeline.Seeded() {
			c.Unread = s.timeline.Unread(s.viewer)
			if m, ok := s.timeline.Last(); ok && !m.IsPending() {
				c.LastMessage = &m
			}
			continue
		}

		c.Unread = len(s.unread[c.RoomId])
		if m, ok := s.last[c.RoomId]; ok && (c.LastMessage == nil || m.CreatedAt.After(c.LastMessage.CreatedAt)) {
			m := m.Clone()
			c.LastMessage = &m
		}
	}
	return convs, nil
}

func (s *Session) do(req request) error {
	req.done = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-s.exit:
		return ErrClosed
	case <-req.ctx.Done():
		return req.ctx.Err()
	}
	return <-req.done
}

func eventsOf(h *feed.Handle) <-chan feed.Event {
	if h == nil {
		return nil
	}
	return h.Events()
}

func statusOf(h *feed.Handle) <-chan feed.StatusChange {
	if h == nil {
		return nil
	}
	return h.Status()
}

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case req := <-s.requests:
			req.done <- s.handleRequest(req)
		case res := <-s.history:
			s.handleHistory(res)
		case ev, ok := <-eventsOf(s.room):
			if !ok {
				s.room = nil
				continue
			}
			s.handleRoomEvent(ev)
		case ev, ok := <-eventsOf(s.userMessages):
			if !ok {
				s.userMessages = nil
				continue
			}
			s.handleUserMessage(ev)
		case ev, ok := <-eventsOf(s.userNotices):
			if !ok {
				s.userNotices = nil
				continue
			}
			s.inbox.Ingest(s.ctx, ev)
		case sc, ok := <-statusOf(s.room):
			if !ok {
				s.room = nil
				continue
			}
			s.handleStatus(sc)
		case sc, ok := <-statusOf(s.userMessages):
			if !ok {
				s.userMessages = nil
				continue
			}
			s.handleStatus(sc)
		case sc, ok := <-statusOf(s.userNotices):
			if !ok {
				s.userNotices = nil
				continue
			}
			s.handleStatus(sc)
		case <-s.exit:
			if s.cancelFetch != nil {
				s.cancelFetch()
			}
			return
		}
	}
}

func (s *Session) handleRequest(req request) error {
	switch req.kind {
	case reqActivate:
		return s.activate(req.ctx, req.roomId)
	case reqDeactivate:
		s.resetRoom()
		s.subs.Release(subscription.SlotRoom)
		s.emit(Notice{Kind: NoticeTimelineChanged})
		return nil
	case reqReconnect:
		return s.reconnect(req.ctx)
	default:
		return fmt.Errorf("unknown request %d", req.kind)
	}
}

func (s *Session) activate(ctx context.Context, roomId string) error {
	ctx, span := otel.Tracer("jobsync/session").Start(ctx, "session.activate_room")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomId))

	scope := types.RoomScope(roomId)
	if s.ActiveRoom() == roomId && s.room != nil {
		// the room stays active; a failed subscription is revived and a
		// failed history load is retried
		if _, _, err := s.subs.Bind(ctx, subscription.SlotRoom, scope); err != nil {
			return err
		}
		if !s.timeline.Seeded() && s.cancelFetch == nil {
			s.startFetch(roomId)
		}
		return nil
	}

	s.resetRoom()
	h, _, err := s.subs.Bind(ctx, subscription.SlotRoom, scope)
	if err != nil {
		return fmt.Errorf("activate room %s: %w", roomId, err)
	}
	s.room = h
	s.timeline.Open(roomId)

	s.mu.Lock()
	s.activeRoom = roomId
	s.mu.Unlock()

	s.startFetch(roomId)

	s.log.Printf("activated room %q", roomId)
	return nil
}

func (s *Session) startFetch(roomId string) {
	fetchCtx, cancel := context.WithCancel(s.ctx)
	s.cancelFetch = cancel
	go s.fetchHistory(fetchCtx, s.gen, roomId)
}

// resetRoom forgets the active room. Results of fetches started before the
// reset are dropped when they arrive.
func (s *Session) resetRoom() {
	s.gen++
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	s.buffered = nil
	s.room = nil
	s.timeline.Reset()

	s.mu.Lock()
	s.activeRoom = ""
	s.mu.Unlock()
}

func (s *Session) reconnect(ctx context.Context) error {
	var errs []error
	for _, slot := range []subscription.Slot{subscription.SlotRoom, subscription.SlotInbox, subscription.SlotNotifications} {
		h, ok := s.subs.Current(slot)
		if !ok || h.State() != connstate.Failed {
			continue
		}
		if _, _, err := s.subs.Bind(ctx, slot, h.Scope()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) fetchHistory(ctx context.Context, gen int, roomId string) {
	msgs, err := s.store.FetchHistory(ctx, roomId)
	select {
	case s.history <- historyResult{gen: gen, roomId: roomId, messages: msgs, err: err}:
	case <-s.done:
	}
}

func (s *Session) handleHistory(res historyResult) {
	if res.gen != s.gen {
		s.stats.Incr(stats.StaleResultsDropped)
		s.log.Printf("dropping stale history of room %q", res.roomId)
		return
	}
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}

	scope := types.RoomScope(res.roomId)
	if res.err != nil {
		s.log.Printf("fetch history of room %q: %v", res.roomId, res.err)
		// the next load returns everything buffered so far
		s.buffered = nil
		s.emit(Notice{Kind: NoticeLoadFailed, Scope: scope, Err: res.err})
		return
	}

	s.timeline.Seed(res.roomId, res.messages)
	s.reconciler.OnHistoryLoaded(s.ctx, res.messages, s.viewer)

	buffered := s.buffered
	s.buffered = nil
	for _, ev := range buffered {
		s.applyRoomEvent(ev)
	}

	s.mu.Lock()
	delete(s.unread, res.roomId)
	s.mu.Unlock()

	s.emit(Notice{Kind: NoticeTimelineChanged, Scope: scope})
	s.emit(Notice{Kind: NoticeConversationsChanged})
}

// handleRoomEvent holds events back until the history of the room is
// seeded so live messages are merged into it rather than replaced by it.
func (s *Session) handleRoomEvent(ev feed.Event) {
	if !s.timeline.Seeded() {
		// with no load in flight the event is part of the next one
		if s.cancelFetch != nil {
			s.buffered = append(s.buffered, ev)
		}
		return
	}
	s.applyRoomEvent(ev)
}

func (s *Session) applyRoomEvent(ev feed.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}

	var res timeline.Result
	switch ev.Type {
	case feed.EventInsert:
		res = s.timeline.Ingest(*msg)
		if res == timeline.Duplicate {
			s.stats.Incr(stats.DuplicateEvents)
		}
	case feed.EventUpdate:
		res = s.timeline.ApplyUpdate(*msg)
	default:
		s.log.Printf("ignoring %s of message in %s", ev.Type, ev.Scope)
		return
	}
	observability.IncMergeResult(res.String())

	switch res {
	case timeline.Ignored:
		return
	case timeline.Inserted, timeline.Reconciled:
		s.reconciler.OnLiveMessage(s.ctx, *msg, s.viewer, true)
	}
	s.emit(Notice{Kind: NoticeTimelineChanged, Scope: types.RoomScope(msg.RoomId)})
}

// handleUserMessage handles messages of every room of the viewer. Messages of
// the active room take the same path as the room subscription, where
// duplicates are dropped; the others only update unread state.
func (s *Session) handleUserMessage(ev feed.Event) {
	msg := ev.Message
	if msg == nil || ev.Type == feed.EventDelete {
		return
	}

	if msg.RoomId == s.ActiveRoom() {
		s.handleRoomEvent(ev)
		return
	}

	s.mu.Lock()
	s.trackInactive(*msg)
	s.mu.Unlock()
	s.emit(Notice{Kind: NoticeConversationsChanged})
}

// trackInactive records msg as the last message of its room and updates the
// room's unread set. s.mu must be held.
func (s *Session) trackInactive(msg types.Message) {
	id, ok := msg.Id()
	if !ok {
		return
	}

	if last, ok := s.last[msg.RoomId]; !ok || !msg.CreatedAt.Before(last.CreatedAt) {
		s.last[msg.RoomId] = msg.Clone()
	}

	set := s.unread[msg.RoomId]
	if msg.UnreadBy(s.viewer) {
		if set == nil {
			set = make(map[string]struct{})
			s.unread[msg.RoomId] = set
		}
		set[id] = struct{}{}
	} else if set != nil {
		delete(set, id)
	}
}

func (s *Session) handleStatus(sc feed.StatusChange) {
	switch sc.State {
	case connstate.Connected:
		s.emit(Notice{Kind: NoticeConnected, Scope: sc.Scope})
	case connstate.Error:
		s.emit(Notice{Kind: NoticeDelayed, Scope: sc.Scope, Err: sc.Err})
	case connstate.Failed:
		s.emit(Notice{Kind: NoticeConnectivityLost, Scope: sc.Scope, Err: sc.Err})
	}
}

// onMarked runs on the reconciler's goroutine after a successful
// mark-as-read call.
func (s *Session) onMarked(ids []string, viewer string) {
	if s.timeline.MarkRead(ids, viewer) > 0 {
		s.emit(Notice{Kind: NoticeTimelineChanged, Scope: types.RoomScope(s.timeline.RoomId())})
	}

	s.mu.Lock()
	for _, set := range s.unread {
		for _, id := range ids {
			delete(set, id)
		}
	}
	s.mu.Unlock()
}

func (s *Session) emit(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.log.Printf("notice queue full, dropping %s notice", n.Kind)
	}
}
