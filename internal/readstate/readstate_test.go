package readstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-jobsync/internal/database"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/testutil"
	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, repo *database.MockJobSyncRepository, opts ...Option) *Reconciler {
	opts = append([]Option{WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })}, opts...)
	return New(repo, testutil.TestLogger(t), stats.NewMockStatsUpdater(), opts...)
}

func TestOnHistoryLoaded_RoomScenario(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("MarkRead", mock.Anything, []string{"1"}, "B").Return(nil)
	r := newTestReconciler(t, repo)

	history := []types.Message{types.NewConfirmed("1", "R", "A", "hi", t0, "A")}

	assert.Equal(t, []string{"1"}, r.OnHistoryLoaded(context.Background(), history, "B"))
	r.Wait()
	assert.Empty(t, r.OnHistoryLoaded(context.Background(), history, "B"))
	r.Wait()

	repo.AssertNumberOfCalls(t, "MarkRead", 1)
	assert.True(t, r.Marked("1", "B"))
}

func TestOnHistoryLoaded_SkipsReadAndOwnMessages(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("MarkRead", mock.Anything, []string{"3"}, "B").Return(nil)
	r := newTestReconciler(t, repo)

	history := []types.Message{
		types.NewConfirmed("1", "R", "B", "mine", t0, "B"),
		types.NewConfirmed("2", "R", "A", "already read", t0, "A", "B"),
		types.NewConfirmed("3", "R", "A", "unread", t0, "A"),
		{Ref: types.Pending{LocalId: "tmp"}, RoomId: "R", SenderId: "A", Content: "pending"},
	}

	assert.Equal(t, []string{"3"}, r.OnHistoryLoaded(context.Background(), history, "B"))
	r.Wait()
	repo.AssertExpectations(t)
}

func TestOnHistoryLoaded_NothingUnread(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	r := newTestReconciler(t, repo)

	r.OnHistoryLoaded(context.Background(), []types.Message{types.NewConfirmed("1", "R", "A", "x", t0, "A", "B")}, "B")
	r.Wait()
	repo.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnLiveMessage(t *testing.T) {
	msg := types.NewConfirmed("9", "R", "A", "ping", t0, "A")

	tcases := []struct {
		name   string
		msg    types.Message
		active bool
		want   bool
	}{
		{name: "active room", msg: msg, active: true, want: true},
		{name: "inactive room", msg: msg, active: false, want: false},
		{name: "own message", msg: types.NewConfirmed("9", "R", "B", "pong", t0, "B"), active: true, want: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &database.MockJobSyncRepository{}
			repo.On("MarkRead", mock.Anything, []string{"9"}, "B").Return(nil)
			r := newTestReconciler(t, repo)

			assert.Equal(t, tc.want, r.OnLiveMessage(context.Background(), tc.msg, "B", tc.active))
			r.Wait()
			if tc.want {
				repo.AssertNumberOfCalls(t, "MarkRead", 1)
			} else {
				repo.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestIdempotentMarkRead(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("MarkRead", mock.Anything, []string{"9"}, "B").Return(nil)
	r := newTestReconciler(t, repo)
	msg := types.NewConfirmed("9", "R", "A", "ping", t0, "A")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnLiveMessage(context.Background(), msg, "B", true)
		}()
	}
	wg.Wait()
	r.OnHistoryLoaded(context.Background(), []types.Message{msg}, "B")
	r.Wait()

	repo.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestRetriesThenSucceeds(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("MarkRead", mock.Anything, []string{"1"}, "B").Return(errors.New("timeout")).Once()
	repo.On("MarkRead", mock.Anything, []string{"1"}, "B").Return(nil).Once()

	var marked []string
	r := newTestReconciler(t, repo, WithOnMarked(func(ids []string, viewer string) {
		marked = append(marked, ids...)
	}))

	r.OnHistoryLoaded(context.Background(), []types.Message{types.NewConfirmed("1", "R", "A", "x", t0, "A")}, "B")
	r.Wait()

	repo.AssertNumberOfCalls(t, "MarkRead", 2)
	assert.Equal(t, []string{"1"}, marked)
	assert.True(t, r.Marked("1", "B"))
}

func TestFailureReleasesLedger(t *testing.T) {
	repo := &database.MockJobSyncRepository{}
	repo.On("MarkRead", mock.Anything, []string{"1"}, "B").Return(errors.New("down")).Times(3)
	repo.On("MarkRead", mock.Anything, []string{"1"}, "B").Return(nil).Once()

	marked := false
	r := newTestReconciler(t, repo, WithOnMarked(func([]string, string) { marked = true }))
	history := []types.Message{types.NewConfirmed("1", "R", "A", "x", t0, "A")}

	r.OnHistoryLoaded(context.Background(), history, "B")
	r.Wait()
	repo.AssertNumberOfCalls(t, "MarkRead", 3)
	assert.False(t, marked)
	assert.False(t, r.Marked("1", "B"), "expected failed pair to be forgotten")

	r.OnHistoryLoaded(context.Background(), history, "B")
	r.Wait()
	repo.AssertNumberOfCalls(t, "MarkRead", 4)
	assert.True(t, marked)
}

func TestUnreadCount(t *testing.T) {
	msgs := []types.Message{
		types.NewConfirmed("1", "R", "A", "x", t0, "A"),
		types.NewConfirmed("2", "R", "A", "x", t0, "A", "B"),
		types.NewConfirmed("3", "R", "B", "x", t0, "B"),
	}
	assert.Equal(t, 1, UnreadCount(msgs, "B"))
	assert.Equal(t, 1, UnreadCount(msgs, "A"))
}
