package outbox

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Saver pushes a stored snapshot to the remote service.
type Saver func(ctx context.Context, snapshot *conversation.Snapshot) error

// SkipFunc reports ids that must not be drained right now.
type SkipFunc func(conversationID string) bool

type DrainResult struct {
	Synced  []string
	Failed  []string
	Dropped []string
	Skipped []string
}

// Queue is the durable set of conversation ids whose latest state has not
// been acknowledged by the remote service. Order is insertion order.
type Queue struct {
	store store.Store
	sink  events.EventSink

	mu  sync.Mutex
	ids []string

	saves  keyedMutex
	drains singleflight.Group
}

// keyedMutex serializes work per conversation id. Entries are dropped once
// nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// LockConversation serializes remote saves of one conversation between
// foreground saves and drains. The returned func releases the lock.
func (q *Queue) LockConversation(id string) func() {
	return q.saves.lock(id)
}

type QueueOption func(*Queue)

func WithSink(sink events.EventSink) QueueOption {
	return func(q *Queue) {
		q.sink = sink
	}
}

func NewQueue(st store.Store, options ...QueueOption) *Queue {
	ret := &Queue{
		store: st,
		sink:  events.NewNullSink(),
		ids:   []string{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Load restores the queue from the store. A corrupt value is reset to an
// empty queue.
func (q *Queue) Load(ctx context.Context) error {
	var ids []string
	ok, err := store.GetJSON(ctx, q.store, store.KeyPendingSyncs, &ids)
	if err != nil {
		if !ok {
			return err
		}
		log.Warn().Err(err).Msg("pending sync list is corrupt, resetting")
		return q.update(ctx, func() bool {
			q.ids = []string{}
			return true
		})
	}

	q.mu.Lock()
	q.ids = dedupe(ids)
	metrics.SetOutboxPending(len(q.ids))
	q.mu.Unlock()
	return nil
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	ret := []string{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ret = append(ret, id)
	}
	return ret
}

// update applies f under the lock and persists the list when f reports a
// change. The change event is published after the lock is released.
func (q *Queue) update(ctx context.Context, f func() bool) error {
	q.mu.Lock()
	if !f() {
		q.mu.Unlock()
		return nil
	}
	ids := append([]string{}, q.ids...)
	metrics.SetOutboxPending(len(ids))
	err := store.SetJSON(ctx, q.store, store.KeyPendingSyncs, ids)
	q.mu.Unlock()

	events.Publish(q.sink, events.NewOutboxChangedEvent(events.NewMetadata("", ""), ids))
	if err != nil {
		return errors.Wrap(err, "could not persist pending sync list")
	}
	return nil
}

// Enqueue adds id if it is not already present.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	return q.update(ctx, func() bool {
		if indexOf(q.ids, id) >= 0 {
			return false
		}
		q.ids = append(q.ids, id)
		log.Debug().Str("conversation_id", id).Int("pending", len(q.ids)).Msg("queued conversation for sync")
		return true
	})
}

// Dequeue removes id if present.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	return q.update(ctx, func() bool {
		i := indexOf(q.ids, id)
		if i < 0 {
			return false
		}
		q.ids = append(q.ids[:i:i], q.ids[i+1:]...)
		return true
	})
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	return q.update(ctx, func() bool {
		q.ids = []string{}
		return true
	})
}

func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return indexOf(q.ids, id) >= 0
}

func (q *Queue) List() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.ids...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// Drain retries every queued id once. Ids without a stored snapshot are
// dropped, failed saves stay queued, skipped ids are left untouched.
// Concurrent calls share a single pass.
func (q *Queue) Drain(ctx context.Context, save Saver, skip SkipFunc) (*DrainResult, error) {
	v, err, shared := q.drains.Do("drain", func() (interface{}, error) {
		return q.drain(ctx, save, skip)
	})
	if shared {
		log.Debug().Msg("joined in-flight outbox drain")
	}
	if err != nil {
		return nil, err
	}
	return v.(*DrainResult), nil
}

func (q *Queue) drain(ctx context.Context, save Saver, skip SkipFunc) (*DrainResult, error) {
	ret := &DrainResult{}
	pending := q.List()
	if len(pending) == 0 {
		return ret, nil
	}
	log.Info().Int("pending", len(pending)).Msg("draining outbox")

	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		q.drainOne(ctx, id, save, skip, ret)
	}

	metrics.RecordDrain(len(ret.Synced))
	log.Info().
		Int("synced", len(ret.Synced)).
		Int("failed", len(ret.Failed)).
		Int("dropped", len(ret.Dropped)).
		Int("skipped", len(ret.Skipped)).
		Msg("outbox drain finished")
	return ret, nil
}

// drainOne retries one id while holding its conversation lock. Membership,
// skip status and the snapshot are read under that lock so that a save
// started after the drain began is never overwritten by an older snapshot.
func (q *Queue) drainOne(ctx context.Context, id string, save Saver, skip SkipFunc, ret *DrainResult) {
	unlock := q.LockConversation(id)
	defer unlock()

	if !q.Contains(id) {
		log.Debug().Str("conversation_id", id).Msg("conversation synced since drain started")
		return
	}
	if skip != nil && skip(id) {
		ret.Skipped = append(ret.Skipped, id)
		return
	}

	snap := &conversation.Snapshot{}
	ok, err := store.GetJSON(ctx, q.store, store.SnapshotKey(id), snap)
	if err != nil && ok {
		log.Warn().Err(err).Str("conversation_id", id).Msg("stored snapshot is corrupt, dropping from outbox")
		ok = false
	} else if err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("could not read snapshot")
		ret.Failed = append(ret.Failed, id)
		return
	}
	if !ok {
		ret.Dropped = append(ret.Dropped, id)
		if err := q.Dequeue(ctx, id); err != nil {
			log.Warn().Err(err).Str("conversation_id", id).Msg("could not drop conversation from outbox")
		}
		return
	}
	if snap.ID == "" {
		snap.ID = id
	}

	if err := save(ctx, snap); err != nil {
		log.Debug().Err(err).Str("conversation_id", id).Msg("outbox save failed, keeping entry")
		ret.Failed = append(ret.Failed, id)
		return
	}
	ret.Synced = append(ret.Synced, id)
	if err := q.Dequeue(ctx, id); err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("could not remove synced conversation from outbox")
	}
}
