package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-jobsync/internal/connstate"
	"github.com/npezzotti/go-jobsync/internal/database"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/feed/feedtest"
	"github.com/npezzotti/go-jobsync/internal/outbox"
	"github.com/npezzotti/go-jobsync/internal/profiles"
	"github.com/npezzotti/go-jobsync/internal/readstate"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/testutil"
	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	viewer  = "B"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, repo *database.MockJobSyncRepository, tr *feedtest.Transport, policy connstate.Policy, unread []types.Message) (*Session, *stats.MockStatsUpdater) {
	logger := testutil.TestLogger(t)
	su := stats.NewMockStatsUpdater()

	repo.On("FetchUnread", mock.Anything, viewer).Return(unread, nil)
	repo.On("FetchNotifications", mock.Anything, viewer).Return([]types.Notification{}, nil)

	c := feed.NewClient(tr, logger,
		feed.WithPolicy(policy),
		feed.WithClock(testutil.NewManualClock(t0)),
		feed.WithStats(su),
	)
	s := New(viewer, repo, c, profiles.NewResolver(repo, nil, logger), logger, su,
		WithReadStateOptions(readstate.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })),
	)
	t.Cleanup(func() {
		s.Close()
		c.Close()
	})
	require.NoError(t, s.Start(context.Background()))
	return s, su
}

func autoAckTransport() *feedtest.Transport {
	tr := feedtest.NewTransport()
	tr.AutoAck = true
	return tr
}

func waitNotice(t *testing.T, s *Session, kind NoticeKind) Notice {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case n := <-s.Notices():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s notice", kind)
			return Notice{}
		}
	}
}

// liveChannel returns the open backend channel of scope.
func liveChannel(t *testing.T, tr *feedtest.Transport, scope types.Scope) *feedtest.Channel {
	t.Helper()
	var ch *feedtest.Channel
	require.Eventually(t, func() bool {
		for _, c := range tr.Channels() {
			if c.Scope() == scope && !c.Closed() {
				ch = c
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond)
	return ch
}

func waitMessages(t *testing.T, s *Session, n int) []types.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Messages()) == n }, waitFor, time.Millisecond)
	return s.Messages()
}

func roomOps(tr *feedtest.Transport) []string {
	var out []string
	for _, op := range tr.Ops() {
		if strings.Contains(op, "room:") {
			out = append(out, op)
		}
	}
	return out
}

func TestSession_RoomScenario(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	history := []types.Message{types.NewConfirmed("1", "R", "A", "hi", t0, "A")}
	repo.On("FetchHistory", mock.Anything, "R").Return(history, nil)
	repo.On("FetchHistory", mock.Anything, "S").Return([]types.Message{}, nil)
	repo.On("MarkRead", mock.Anything, []string{"1"}, viewer).Return(nil)

	s, _ := newTestSession(t, repo, autoAckTransport(), connstate.DefaultPolicy(), nil)
	ctx := context.Background()

	require.NoError(t, s.ActivateRoom(ctx, "R"))
	waitMessages(t, s, 1)
	require.Eventually(t, func() bool { return s.reconciler.Marked("1", viewer) }, waitFor, time.Millisecond)
	s.reconciler.Wait()
	require.Eventually(t, func() bool { return s.Messages()[0].ReadBy.Has(viewer) }, waitFor, time.Millisecond)

	// leaving and coming back loads the same history again
	require.NoError(t, s.ActivateRoom(ctx, "S"))
	require.NoError(t, s.ActivateRoom(ctx, "R"))
	waitMessages(t, s, 1)
	s.reconciler.Wait()

	repo.AssertNumberOfCalls(t, "FetchHistory", 3)
	repo.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestSession_SwitchingRoomsIsExclusive(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("FetchHistory", mock.Anything, mock.Anything).Return([]types.Message{}, nil)
	tr := autoAckTransport()
	s, _ := newTestSession(t, repo, tr, connstate.DefaultPolicy(), nil)
	roomA, roomB := types.RoomScope("A"), types.RoomScope("B")

	require.NoError(t, s.ActivateRoom(context.Background(), "A"))
	liveChannel(t, tr, roomA)
	require.NoError(t, s.ActivateRoom(context.Background(), "B"))
	assert.Equal(t, 0, tr.Live(roomA), "expected room A to be released when B is activated")
	liveChannel(t, tr, roomB)

	assert.Equal(t, []string{
		"open room:A:messages",
		"close room:A:messages",
		"open room:B:messages",
	}, roomOps(tr))
	assert.Equal(t, 1, tr.MaxLive(roomA))
	assert.Equal(t, 1, tr.MaxLive(roomB))
	assert.Equal(t, "B", s.ActiveRoom())

	require.NoError(t, s.DeactivateRoom(context.Background()))
	assert.Equal(t, 0, tr.Live(roomB))
	assert.Empty(t, s.ActiveRoom())
}

func TestSession_StaleHistoryIsDropped(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	release := make(chan struct{})
	repo.On("FetchHistory", mock.Anything, "R").
		Run(func(mock.Arguments) { <-release }).
		Return([]types.Message{types.NewConfirmed("1", "R", "A", "old room", t0, "A", viewer)}, nil)
	repo.On("FetchHistory", mock.Anything, "S").
		Return([]types.Message{types.NewConfirmed("2", "S", "A", "new room", t0, "A", viewer)}, nil)

	s, su := newTestSession(t, repo, autoAckTransport(), connstate.DefaultPolicy(), nil)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	require.NoError(t, s.ActivateRoom(context.Background(), "S"))
	msgs := waitMessages(t, s, 1)
	assert.Equal(t, "new room", msgs[0].Content)

	close(release)
	require.Eventually(t, func() bool { return su.Count(stats.StaleResultsDropped) == 1 }, waitFor, time.Millisecond)
	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "S", msgs[0].RoomId)
}

func TestSession_LiveEventsMergeWithHistory(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	release := make(chan struct{})
	repo.On("FetchHistory", mock.Anything, "R").
		Run(func(mock.Arguments) { <-release }).
		Return([]types.Message{
			types.NewConfirmed("1", "R", "A", "one", t0.Add(time.Minute), "A", viewer),
			types.NewConfirmed("2", "R", "A", "two", t0.Add(2*time.Minute), "A", viewer),
		}, nil)
	repo.On("MarkRead", mock.Anything, []string{"0"}, viewer).Return(nil).Once()

	tr := autoAckTransport()
	s, su := newTestSession(t, repo, tr, connstate.DefaultPolicy(), nil)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	ch := liveChannel(t, tr, types.RoomScope("R"))

	// arrives before the history and is older than all of it
	ch.InsertMessage(types.NewConfirmed("0", "R", "A", "zero", t0, "A"))
	// already part of the history
	ch.InsertMessage(types.NewConfirmed("2", "R", "A", "two", t0.Add(2*time.Minute), "A", viewer))
	close(release)

	msgs := waitMessages(t, s, 3)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"zero", "one", "two"}, contents)

	require.Eventually(t, func() bool { return su.Count(stats.DuplicateEvents) == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return s.reconciler.Marked("0", viewer) }, waitFor, time.Millisecond)
	s.reconciler.Wait()
	repo.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestSession_SendConvergesWithEcho(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("FetchHistory", mock.Anything, "R").Return([]types.Message{}, nil)
	tr := autoAckTransport()
	s, _ := newTestSession(t, repo, tr, connstate.DefaultPolicy(), nil)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	ch := liveChannel(t, tr, types.RoomScope("R"))
	require.Eventually(t, func() bool { return s.timeline.Seeded() }, waitFor, time.Millisecond)

	confirmed := types.NewConfirmed("10", "R", viewer, "hello", t0, viewer)
	repo.On("InsertMessage", mock.Anything, "R", viewer, "hello").
		Run(func(mock.Arguments) {
			ch.InsertMessage(types.NewConfirmed("10", "R", viewer, "hello", t0, viewer, "A"))
		}).
		Return(&confirmed, nil)

	_, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ReadBy.Len() == 2
	}, waitFor, time.Millisecond)
	msgs := s.Messages()
	assert.False(t, msgs[0].IsPending())
	assert.Equal(t, []string{"A", viewer}, msgs[0].ReadBy.Slice())
}

func TestSession_SendFailure(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("FetchHistory", mock.Anything, "R").Return([]types.Message{}, nil)
	repo.On("InsertMessage", mock.Anything, "R", viewer, "draft text").Return(nil, errors.New("offline"))
	s, _ := newTestSession(t, repo, autoAckTransport(), connstate.DefaultPolicy(), nil)

	_, err := s.Send(context.Background(), "draft text")
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	require.Eventually(t, func() bool { return s.timeline.Seeded() }, waitFor, time.Millisecond)

	_, err = s.Send(context.Background(), "draft text")
	var sendErr *outbox.SendError
	require.ErrorAs(t, err, &sendErr)

	n := waitNotice(t, s, NoticeSendFailed)
	assert.Equal(t, "draft text", n.Draft)
	assert.Empty(t, s.Messages())
}

func TestSession_FailedHistoryLoadIsRetried(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("FetchHistory", mock.Anything, "R").Return(nil, errors.New("timeout")).Once()
	repo.On("FetchHistory", mock.Anything, "R").
		Return([]types.Message{types.NewConfirmed("1", "R", "A", "hi", t0, "A")}, nil)
	repo.On("MarkRead", mock.Anything, []string{"1"}, viewer).Return(nil)
	tr := autoAckTransport()
	s, _ := newTestSession(t, repo, tr, connstate.DefaultPolicy(), nil)
	ctx := context.Background()

	require.NoError(t, s.ActivateRoom(ctx, "R"))
	n := waitNotice(t, s, NoticeLoadFailed)
	assert.Equal(t, types.RoomScope("R"), n.Scope)

	// nothing is loading, so this is covered by the next load
	liveChannel(t, tr, types.RoomScope("R")).InsertMessage(types.NewConfirmed("1", "R", "A", "hi", t0, "A"))

	require.NoError(t, s.ActivateRoom(ctx, "R"))
	msgs := waitMessages(t, s, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "R", s.ActiveRoom())
	repo.AssertNumberOfCalls(t, "FetchHistory", 2)
	assert.Len(t, roomOps(tr), 1, "expected the room subscription to be kept")

	confirmed := types.NewConfirmed("2", "R", viewer, "hello", t0.Add(time.Minute), viewer)
	repo.On("InsertMessage", mock.Anything, "R", viewer, "hello").Return(&confirmed, nil)
	_, err := s.Send(ctx, "hello")
	require.NoError(t, err)
	waitMessages(t, s, 2)
}

func TestSession_SendWhileHistoryLoads(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	release := make(chan struct{})
	repo.On("FetchHistory", mock.Anything, "R").
		Run(func(mock.Arguments) { <-release }).
		Return([]types.Message{types.NewConfirmed("1", "R", "A", "earlier", t0, "A", viewer)}, nil)
	confirmed := types.NewConfirmed("10", "R", viewer, "hello", t0.Add(time.Minute), viewer)
	repo.On("InsertMessage", mock.Anything, "R", viewer, "hello").Return(&confirmed, nil)
	s, _ := newTestSession(t, repo, autoAckTransport(), connstate.DefaultPolicy(), nil)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	require.False(t, s.timeline.Seeded())

	msg, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	id, _ := msg.Id()
	assert.Equal(t, "10", id)
	repo.AssertCalled(t, "InsertMessage", mock.Anything, "R", viewer, "hello")

	close(release)
	msgs := waitMessages(t, s, 2)
	assert.Equal(t, "earlier", msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.False(t, msgs[1].IsPending())
}

func TestSession_UnreadForInactiveRooms(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("ListConversations", mock.Anything, viewer).Return([]types.Conversation{
		{RoomId: "R", Participants: []string{"A", viewer}, Unread: 99},
		{RoomId: "S", Participants: []string{"C", viewer}, Unread: 99},
	}, nil)
	repo.On("FetchHistory", mock.Anything, "R").Return([]types.Message{
		types.NewConfirmed("1", "R", "A", "hi", t0, "A"),
	}, nil)
	repo.On("MarkRead", mock.Anything, []string{"1"}, viewer).Return(nil)

	tr := autoAckTransport()
	s, _ := newTestSession(t, repo, tr, connstate.DefaultPolicy(), []types.Message{
		types.NewConfirmed("1", "R", "A", "hi", t0, "A"),
		types.NewConfirmed("5", "S", "C", "hey", t0, "C"),
	})

	inbox := liveChannel(t, tr, types.UserMessagesScope(viewer))
	inbox.InsertMessage(types.NewConfirmed("6", "S", "C", "still there?", t0.Add(time.Minute), "C"))
	inbox.InsertMessage(types.NewConfirmed("7", "S", viewer, "yes", t0.Add(2*time.Minute), viewer))

	var convs []types.Conversation
	require.Eventually(t, func() bool {
		var err error
		convs, err = s.Conversations(context.Background())
		return err == nil && convs[1].LastMessage != nil && convs[1].LastMessage.Content == "yes"
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, convs[0].Unread)
	assert.Equal(t, 2, convs[1].Unread)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	require.Eventually(t, func() bool {
		convs, err := s.Conversations(context.Background())
		return err == nil && convs[0].Unread == 0
	}, waitFor, time.Millisecond)
	convs, err := s.Conversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, convs[1].Unread)
}

func TestSession_ConnectivityLostAndReactivated(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("FetchHistory", mock.Anything, "R").Return([]types.Message{}, nil)
	tr := autoAckTransport()
	var offline atomic.Bool
	offline.Store(true)
	tr.SubscribeErr = func(scope types.Scope) error {
		if scope.Kind == types.ScopeRoom && offline.Load() {
			return errors.New("realtime unavailable")
		}
		return nil
	}
	s, _ := newTestSession(t, repo, tr, connstate.Policy{MaxAttempts: 0, BaseDelay: time.Second}, nil)

	require.NoError(t, s.ActivateRoom(context.Background(), "R"))
	n := waitNotice(t, s, NoticeConnectivityLost)
	assert.Equal(t, types.RoomScope("R"), n.Scope)
	assert.Error(t, n.Err)

	offline.Store(false)
	require.NoError(t, s.Reconnect(context.Background()))
	for {
		n = waitNotice(t, s, NoticeConnected)
		if n.Scope == types.RoomScope("R") {
			break
		}
	}
	liveChannel(t, tr, types.RoomScope("R"))
}

func TestSession_ClosedSession(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	s, _ := newTestSession(t, repo, autoAckTransport(), connstate.DefaultPolicy(), nil)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.ActivateRoom(context.Background(), "R"), ErrClosed)
}
