package topic

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriberRef names a writer session subscribed to a queue. Process is
// nil when the subscriber's connection is currently absent (disconnected
// persistent session); ClientID/SessionID remain meaningful across that
// gap so a reconnect can be matched back to the same entry.
type SubscriberRef struct {
	Process           any // a *session.Writer in practice; kept generic to avoid an import cycle
	ClientID          string
	SessionID         uuid.UUID
	IsPersistentSess  bool
	SubscribedQoS     uint8
}

// Queue is the routing object bound to one concrete topic name: a stable
// id plus the ordered list of subscribers that should receive messages
// published to that topic.
type Queue struct {
	ID          uuid.UUID
	Name        string
	Subscribers []SubscriberRef
}

// Tree maps topic names to Queues and remembers compiled subscription
// filters so that a Queue created later (by a fresh PUBLISH) still picks
// up subscribers whose filter matches it. Grounded on the teacher's
// MemoryTrie (Subscribe/Unsubscribe/Find) generalized to the queue_id +
// subscriber-list model the coordinator needs.
type Tree struct {
	mu sync.Mutex

	queues map[string]*Queue

	// filters records every (compiled filter, subscriber) pair ever
	// added, independent of whether a matching queue exists yet.
	filters []filterSub
}

type filterSub struct {
	filter    string
	automaton *Automaton
	sub       SubscriberRef
}

// New returns an empty topic tree.
func New() *Tree {
	return &Tree{queues: make(map[string]*Queue)}
}

// GetByName returns the existing queue for topic, or creates one with a
// freshly minted QueueId and an empty subscriber list, then attaches any
// previously recorded subscription filter that matches topic.
func (t *Tree) GetByName(topicName string) *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getByNameLocked(topicName)
}

// GetOrCreateByName behaves like GetByName but also reports whether the
// queue was just created, so a caller can fire a one-shot "queue
// created" metric.
func (t *Tree) GetOrCreateByName(topicName string) (*Queue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[topicName]; ok {
		return q, false
	}
	return t.getByNameLocked(topicName), true
}

func (t *Tree) getByNameLocked(topicName string) *Queue {
	if q, ok := t.queues[topicName]; ok {
		return q
	}
	q := &Queue{ID: uuid.New(), Name: topicName}
	for _, fs := range t.filters {
		if fs.automaton.Matches(topicName) {
			q.Subscribers = upsertSubscriber(q.Subscribers, fs.sub)
		}
	}
	t.queues[topicName] = q
	return q
}

// GetByID looks up a queue by its id, for callers (the coordinator's poll
// loop) that only retained the id. Linear scan is acceptable at this
// scale; queues are not expected to number in the millions.
func (t *Tree) GetByID(id uuid.UUID) (*Queue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queues {
		if q.ID == id {
			return q, true
		}
	}
	return nil, false
}

// AddSubscriptions records that sub is interested in filter: every
// existing queue whose name matches filter gets sub attached, and the
// filter is remembered so future queues created by a PUBLISH on a
// matching topic also receive sub. A live entry for the same
// (ClientID, SessionID) already subscribed to filter is replaced rather
// than duplicated, since a retried SUBSCRIBE or a duplicate onSubscribe
// call must not end up delivering twice to the same subscriber.
func (t *Tree) AddSubscriptions(filter string, sub SubscriberRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	automaton := Compile(filter)

	replaced := false
	for i, fs := range t.filters {
		if fs.filter == filter && fs.sub.ClientID == sub.ClientID && fs.sub.SessionID == sub.SessionID {
			t.filters[i].sub = sub
			replaced = true
			break
		}
	}
	if !replaced {
		t.filters = append(t.filters, filterSub{filter: filter, automaton: automaton, sub: sub})
	}

	for name, q := range t.queues {
		if automaton.Matches(name) {
			q.Subscribers = upsertSubscriber(q.Subscribers, sub)
		}
	}
}

// upsertSubscriber replaces the existing entry for sub's (ClientID,
// SessionID) in subs, if any, or appends sub when no matching entry
// exists.
func upsertSubscriber(subs []SubscriberRef, sub SubscriberRef) []SubscriberRef {
	for i, s := range subs {
		if s.ClientID == sub.ClientID && s.SessionID == sub.SessionID {
			subs[i] = sub
			return subs
		}
	}
	return append(subs, sub)
}

// DropInactiveSubs removes subscribers a worker has determined to be
// dead from the named queue's subscriber list.
func (t *Tree) DropInactiveSubs(queueID uuid.UUID, dead []SubscriberRef) {
	if len(dead) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queues {
		if q.ID != queueID {
			continue
		}
		q.Subscribers = filterOutSubs(q.Subscribers, dead)
		return
	}
}

func filterOutSubs(subs, dead []SubscriberRef) []SubscriberRef {
	isDead := func(s SubscriberRef) bool {
		for _, d := range dead {
			if d.ClientID == s.ClientID && d.SessionID == s.SessionID {
				return true
			}
		}
		return false
	}
	kept := subs[:0:0]
	for _, s := range subs {
		if !isDead(s) {
			kept = append(kept, s)
		}
	}
	return kept
}

// UpdateSubscriberProcess patches the live handle of every subscriber
// entry matching clientID across all queues and in the recorded
// subscription filters, used when a session disconnects or a persistent
// session reconnects, so that existing queues and queues created later
// from a filter both carry the current writer.
func (t *Tree) UpdateSubscriberProcess(clientID string, sessionID uuid.UUID, process any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queues {
		for i := range q.Subscribers {
			if q.Subscribers[i].ClientID == clientID {
				q.Subscribers[i].Process = process
				q.Subscribers[i].SessionID = sessionID
			}
		}
	}
	for i := range t.filters {
		if t.filters[i].sub.ClientID == clientID {
			t.filters[i].sub.Process = process
			t.filters[i].sub.SessionID = sessionID
		}
	}
}
