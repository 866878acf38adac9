package topic

import (
	"testing"

	"github.com/google/uuid"
)

func TestTreeGetByNameCreatesStableID(t *testing.T) {
	tree := New()
	q1 := tree.GetByName("a/b")
	q2 := tree.GetByName("a/b")
	if q1.ID != q2.ID {
		t.Fatalf("GetByName returned different ids for the same topic: %v != %v", q1.ID, q2.ID)
	}
}

func TestTreeAddSubscriptionsMatchesExistingQueue(t *testing.T) {
	tree := New()
	q := tree.GetByName("a/b")
	sub := SubscriberRef{ClientID: "sub1"}
	tree.AddSubscriptions("a/+", sub)
	if len(q.Subscribers) != 1 || q.Subscribers[0].ClientID != "sub1" {
		t.Fatalf("expected sub1 attached to existing queue, got %+v", q.Subscribers)
	}
}

func TestTreeAddSubscriptionsAppliesToFutureQueues(t *testing.T) {
	tree := New()
	sub := SubscriberRef{ClientID: "sub1"}
	tree.AddSubscriptions("users/+/device/#", sub)

	q := tree.GetByName("users/alice/device/x")
	if len(q.Subscribers) != 1 {
		t.Fatalf("expected the retroactive filter to attach on first reference, got %+v", q.Subscribers)
	}

	miss := tree.GetByName("other/topic")
	if len(miss.Subscribers) != 0 {
		t.Fatalf("non-matching topic should not pick up the subscriber, got %+v", miss.Subscribers)
	}
}

func TestTreeAddSubscriptionsDedupesRepeatSubscribe(t *testing.T) {
	tree := New()
	sessionID := uuid.New()
	sub := SubscriberRef{ClientID: "sub1", SessionID: sessionID, SubscribedQoS: 0}
	tree.AddSubscriptions("a/b", sub)

	q := tree.GetByName("a/b")
	if len(q.Subscribers) != 1 {
		t.Fatalf("expected 1 subscriber after first subscribe, got %d", len(q.Subscribers))
	}

	// A retried SUBSCRIBE for the same (ClientID, SessionID) and filter
	// must replace the existing entry, not add a second one.
	resub := SubscriberRef{ClientID: "sub1", SessionID: sessionID, SubscribedQoS: 1}
	tree.AddSubscriptions("a/b", resub)
	if len(q.Subscribers) != 1 {
		t.Fatalf("expected re-subscribe to dedupe, got %d subscribers: %+v", len(q.Subscribers), q.Subscribers)
	}
	if q.Subscribers[0].SubscribedQoS != 1 {
		t.Fatalf("expected re-subscribe to update the entry, got %+v", q.Subscribers[0])
	}
}

func TestTreeAddSubscriptionsDedupesOnFutureQueue(t *testing.T) {
	tree := New()
	sessionID := uuid.New()
	sub := SubscriberRef{ClientID: "sub1", SessionID: sessionID}
	// Two repeat subscribes to the same wildcard filter before any
	// matching queue exists yet: the retroactive-filter list must not
	// record the pair twice.
	tree.AddSubscriptions("x/+", sub)
	tree.AddSubscriptions("x/+", sub)

	q := tree.GetByName("x/y")
	if len(q.Subscribers) != 1 {
		t.Fatalf("expected 1 subscriber on a freshly created queue, got %+v", q.Subscribers)
	}
}

func TestTreeDropInactiveSubs(t *testing.T) {
	tree := New()
	sub1 := SubscriberRef{ClientID: "sub1", SessionID: uuid.New()}
	sub2 := SubscriberRef{ClientID: "sub2", SessionID: uuid.New()}
	tree.AddSubscriptions("a/b", sub1)
	tree.AddSubscriptions("a/b", sub2)
	q := tree.GetByName("a/b")
	if len(q.Subscribers) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(q.Subscribers))
	}

	tree.DropInactiveSubs(q.ID, []SubscriberRef{sub1})
	q2, ok := tree.GetByID(q.ID)
	if !ok {
		t.Fatal("queue vanished after drop")
	}
	if len(q2.Subscribers) != 1 || q2.Subscribers[0].ClientID != "sub2" {
		t.Fatalf("expected only sub2 to remain, got %+v", q2.Subscribers)
	}
}
