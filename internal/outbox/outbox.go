// Package outbox makes outbound messages visible before the backend has
// accepted them and reconciles them with the confirmed copy afterwards.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-jobsync/internal/observability"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/timeline"
	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/teris-io/shortid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrNoConfirmation = errors.New("backend returned no confirmed message")
	ErrRoomNotActive  = errors.New("room is not active")
)

// SendError is returned when a send was rolled back. Draft holds the
// original content so it can be restored in the input.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Writer performs the authoritative insert.
type Writer interface {
	InsertMessage(ctx context.Context, roomId, senderId, content string) (*types.Message, error)
}

// Store is the visible list pending entries are shown in.
type Store interface {
	AddPending(msg types.Message) bool
	Confirm(localId string, confirmed types.Message) timeline.Result
	Discard(localId string) bool
}

type Tracker struct {
	store  Store
	writer Writer
	log    *log.Logger
	stats  stats.StatsProvider
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]string
}

func NewTracker(store Store, writer Writer, logger *log.Logger, sp stats.StatsProvider) *Tracker {
	return &Tracker{
		store:   store,
		writer:  writer,
		log:     logger,
		stats:   sp,
		now:     time.Now,
		pending: make(map[string]string),
	}
}

// Send shows the message as pending, writes it and replaces the pending entry
// with the confirmed one. On failure the pending entry is removed and a
// *SendError carrying the draft is returned. Failed sends are not retried.
func (t *Tracker) Send(ctx context.Context, roomId, senderId, content string) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, ErrEmptyMessage
	}

	ctx, span := otel.Tracer("jobsync/outbox").Start(ctx, "outbox.send")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomId))

	fail := func(err error) (types.Message, error) {
		t.stats.Incr(stats.SendFailures)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.Message{}, &SendError{Draft: content, Err: err}
	}

	localId, err := shortid.Generate()
	if err != nil {
		return fail(fmt.Errorf("generate local id: %w", err))
	}

	draft := types.Message{
		Ref:       types.Pending{LocalId: localId},
		RoomId:    roomId,
		SenderId:  senderId,
		Content:   content,
		CreatedAt: t.now(),
		ReadBy:    types.NewReadSet(senderId),
	}
	if !t.store.AddPending(draft) {
		return fail(ErrRoomNotActive)
	}
	t.track(localId, roomId)
	defer t.untrack(localId)

	confirmed, err := t.writer.InsertMessage(ctx, roomId, senderId, content)
	if err == nil && confirmed == nil {
		err = ErrNoConfirmation
	}
	if err != nil {
		t.store.Discard(localId)
		t.log.Printf("send to room %q failed, rolled back %s: %v", roomId, localId, err)
		return fail(err)
	}

	res := t.store.Confirm(localId, *confirmed)
	observability.IncMergeResult(res.String())
	if res == timeline.Reconciled || res == timeline.Duplicate {
		t.stats.Incr(stats.ReconciledSends)
	}
	return *confirmed, nil
}

// Pending returns the local ids of sends that are still waiting for the
// backend.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pending))
	for id := range t.pending {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) track(localId, roomId string) {
	t.mu.Lock()
	t.pending[localId] = roomId
	t.mu.Unlock()
}

func (t *Tracker) untrack(localId string) {
	t.mu.Lock()
	delete(t.pending, localId)
	t.mu.Unlock()
}
