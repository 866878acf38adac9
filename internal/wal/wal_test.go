package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWALRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "backup.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	want := []Entry{
		{Kind: Publish, MessageUUID: uuid.New(), Timestamp: time.Unix(1, 0).UTC(), Publish: &PublishPayload{
			Topic: "a/b", Content: []byte("hi"), QoS: 1, MessageID: 7, ClientID: "pub1", SessionID: uuid.New(),
		}},
		{Kind: Sent, MessageUUID: uuid.New(), Timestamp: time.Unix(2, 0).UTC()},
		{Kind: Accepted, MessageUUID: uuid.New(), Timestamp: time.Unix(3, 0).UTC()},
		{Kind: Deleted, MessageUUID: uuid.New(), Timestamp: time.Unix(4, 0).UTC()},
		{Kind: Completed, MessageUUID: uuid.New(), Timestamp: time.Unix(5, 0).UTC()},
	}
	for _, e := range want {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].MessageUUID != want[i].MessageUUID {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if got[0].Publish == nil || got[0].Publish.Topic != "a/b" || string(got[0].Publish.Content) != "hi" {
		t.Errorf("publish payload not round-tripped: %+v", got[0].Publish)
	}
}

func TestWALLoadAfterReopenSeesPriorEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.log")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := uuid.New()
	if err := l1.Append(Entry{Kind: Publish, MessageUUID: id, Timestamp: time.Unix(1, 0).UTC(), Publish: &PublishPayload{Topic: "t", QoS: 1}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	entries, err := l2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageUUID != id {
		t.Fatalf("expected the prior entry to survive reopen, got %+v", entries)
	}
}
