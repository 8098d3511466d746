// Package events fans progress snapshots out to subscribers.
//
// The engine is the single producer per task; any number of consumers can
// subscribe and unsubscribe without affecting the producer or each other.
// A subscription's channel closes when its task reaches a terminal status.
package events

import (
	"sync"

	"github.com/aoyama86/segpull/pkg/types"
)

// subscriber buffers snapshots for one consumer. Slow consumers lose
// intermediate snapshots, never terminal ones.
type subscriber struct {
	ch        chan types.ProgressSnapshot
	cancelled bool
}

// Subscription is one consumer's view of a task's progress stream.
type Subscription struct {
	// C delivers snapshots in non-decreasing downloadedBytes order per
	// segment. It is closed when the task reaches a terminal status.
	C <-chan types.ProgressSnapshot

	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Broadcaster implements types.Notifier and fans events out per task.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*subscriber
	done   map[string]types.ProgressSnapshot
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[int]*subscriber),
		done: make(map[string]types.ProgressSnapshot),
	}
}

// Subscribe attaches a consumer to a task's progress stream. Subscribing to
// a task that already finished yields its final snapshot and an immediately
// closed channel, so restartable consumers always observe the terminal state.
func (b *Broadcaster) Subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.ProgressSnapshot, 16)

	if final, ok := b.done[taskID]; ok {
		ch <- final
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	sub := &subscriber{ch: ch}
	id := b.nextID
	b.nextID++

	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[int]*subscriber)
	}
	b.subs[taskID][id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[taskID][id]; ok && !s.cancelled {
			s.cancelled = true
			delete(b.subs[taskID], id)
			close(s.ch)
		}
	}

	return &Subscription{C: ch, cancel: cancel}
}

// NotifyProgress delivers a snapshot to every subscriber of the task.
// Full subscriber buffers drop the snapshot rather than block the producer.
func (b *Broadcaster) NotifyProgress(taskID string, snapshot types.ProgressSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[taskID] {
		select {
		case sub.ch <- snapshot:
		default:
		}
	}
}

// NotifyTerminal records the final status, delivers it to every subscriber
// and closes their channels. Later subscribers still receive the final
// snapshot.
func (b *Broadcaster) NotifyTerminal(taskID string, status types.TaskStatus, errorMessage string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	final, ok := b.done[taskID]
	if !ok {
		final = types.ProgressSnapshot{TaskID: taskID, Status: status}
		b.done[taskID] = final
	}

	for _, sub := range b.subs[taskID] {
		// Terminal snapshots must not be lost: drain one stale entry if the
		// buffer is full, then deliver.
		select {
		case sub.ch <- final:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- final:
			default:
			}
		}
		close(sub.ch)
	}
	delete(b.subs, taskID)
}

// PublishFinal stores a rich final snapshot (with byte counts) before the
// terminal notification, so late subscribers get more than a bare status.
func (b *Broadcaster) PublishFinal(taskID string, snapshot types.ProgressSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[taskID] = snapshot
}

// Forget drops the retained terminal snapshot for a task, used when the
// task record itself is deleted.
func (b *Broadcaster) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.done, taskID)
}

// SubscriberCount returns the number of live subscribers for a task.
func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}
