// Package readstate decides when messages are marked read and makes sure a
// (message, viewer) pair is marked at most once.
package readstate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-jobsync/internal/observability"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/types"
)

const defaultMaxRetries = 2

// Marker performs the mark-as-read call.
type Marker interface {
	MarkRead(ctx context.Context, messageIds []string, viewerId string) error
}

type pair struct {
	id     string
	viewer string
}

type Reconciler struct {
	marker     Marker
	log        *log.Logger
	stats      stats.StatsProvider
	maxRetries uint64
	newBackOff func() backoff.BackOff
	onMarked   func(ids []string, viewer string)

	mu     sync.Mutex
	ledger map[pair]struct{}
	wg     sync.WaitGroup
}

type Option func(*Reconciler)

// WithOnMarked registers f to run after a successful mark-as-read call.
func WithOnMarked(f func(ids []string, viewer string)) Option {
	return func(r *Reconciler) { r.onMarked = f }
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(r *Reconciler) { r.newBackOff = f }
}

func WithMaxRetries(n uint64) Option {
	return func(r *Reconciler) { r.maxRetries = n }
}

func New(marker Marker, logger *log.Logger, sp stats.StatsProvider, opts ...Option) *Reconciler {
	r := &Reconciler{
		marker:     marker,
		log:        logger,
		stats:      sp,
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		onMarked: func([]string, string) {},
		ledger:   make(map[pair]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UnreadCount counts the messages sent by others that viewer has not read.
func UnreadCount(msgs []types.Message, viewer string) int {
	n := 0
	for _, m := range msgs {
		if m.UnreadBy(viewer) {
			n++
		}
	}
	return n
}

// OnHistoryLoaded issues one batched mark-as-read call for the unread
// messages of msgs that were not marked before. It does not wait for the
// call and returns the ids it issued.
func (r *Reconciler) OnHistoryLoaded(ctx context.Context, msgs []types.Message, viewer string) []string {
	var candidates []string
	for _, m := range msgs {
		if id, ok := m.Id(); ok && m.UnreadBy(viewer) {
			candidates = append(candidates, id)
		}
	}

	ids := r.claim(candidates, viewer)
	if len(ids) > 0 {
		r.issue(ctx, ids, viewer)
	}
	return ids
}

// OnLiveMessage marks msg read right away when it was sent by someone else
// into the active room. Messages of inactive rooms stay unread.
func (r *Reconciler) OnLiveMessage(ctx context.Context, msg types.Message, viewer string, roomActive bool) bool {
	id, ok := msg.Id()
	if !ok || !roomActive || !msg.UnreadBy(viewer) {
		return false
	}

	ids := r.claim([]string{id}, viewer)
	if len(ids) == 0 {
		return false
	}
	r.issue(ctx, ids, viewer)
	return true
}

// Marked reports whether a call was issued for the pair and has not failed.
func (r *Reconciler) Marked(id, viewer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ledger[pair{id, viewer}]
	return ok
}

// Wait blocks until every issued call has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// claim records the pairs that are not in the ledger yet and returns their ids.
func (r *Reconciler) claim(ids []string, viewer string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, id := range ids {
		p := pair{id, viewer}
		if _, ok := r.ledger[p]; ok {
			continue
		}
		r.ledger[p] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (r *Reconciler) release(ids []string, viewer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.ledger, pair{id, viewer})
	}
}

func (r *Reconciler) issue(ctx context.Context, ids []string, viewer string) {
	r.stats.Incr(stats.MarkReadCalls)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		op := func() error {
			return r.marker.MarkRead(ctx, ids, viewer)
		}
		b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)
		if err := backoff.Retry(op, b); err != nil {
			// forget the pairs so a later load can try again
			r.release(ids, viewer)
			observability.IncMarkReadError()
			r.log.Printf("mark %d messages read for %q: %v", len(ids), viewer, err)
			return
		}
		r.onMarked(ids, viewer)
	}()
}
