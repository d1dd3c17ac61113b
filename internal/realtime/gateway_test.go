package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"inkwell/api/internal/lock"
	"inkwell/api/internal/store"
)

type fakeLocks struct {
	acquireFn        func(ctx context.Context, chapterID, userID, sessionID string) (store.Chapter, error)
	releaseFn        func(ctx context.Context, chapterID, sessionID string) (store.Chapter, bool, error)
	releaseAllFn     func(ctx context.Context, userID string) ([]store.Chapter, error)
	releaseAllCalls  int
	releaseAllUserID string
}

func (f *fakeLocks) Acquire(ctx context.Context, chapterID, userID, sessionID string) (store.Chapter, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, chapterID, userID, sessionID)
	}
	return store.Chapter{}, nil
}

func (f *fakeLocks) ReleaseBySession(ctx context.Context, chapterID, sessionID string) (store.Chapter, bool, error) {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, chapterID, sessionID)
	}
	return store.Chapter{}, false, nil
}

func (f *fakeLocks) ReleaseAllHeldBy(ctx context.Context, userID string) ([]store.Chapter, error) {
	f.releaseAllCalls++
	f.releaseAllUserID = userID
	if f.releaseAllFn != nil {
		return f.releaseAllFn(ctx, userID)
	}
	return nil, nil
}

func newTestHub(locks ChapterLocks) *Hub {
	return NewHub(locks, NewMemoryRegistry(), []byte("secret"), "*")
}

func newTestClient(hub *Hub, id, userID, userName string) *Client {
	return &Client{hub: hub, id: id, userID: userID, userName: userName, send: make(chan []byte, sendBuffer)}
}

func joinStory(t *testing.T, hub *Hub, client *Client, storyID string) {
	t.Helper()
	data, _ := json.Marshal(joinData{StoryID: storyID})
	hub.handleEvent(context.Background(), client, Envelope{Event: eventStoryJoin, Data: data})
}

func recvEnvelope(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case message := <-client.send:
		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return envelope
	default:
		t.Fatal("expected a queued frame, got none")
		return Envelope{}
	}
}

func expectNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case message := <-client.send:
		t.Fatalf("unexpected frame: %s", message)
	default:
	}
}

func lockFrame(storyID, chapterID string) Envelope {
	data, _ := json.Marshal(chapterLockData{StoryID: storyID, ChapterID: chapterID})
	return Envelope{Event: eventChapterLock, Data: data}
}

func unlockFrame(storyID, chapterID string) Envelope {
	data, _ := json.Marshal(chapterLockData{StoryID: storyID, ChapterID: chapterID})
	return Envelope{Event: eventChapterUnlock, Data: data}
}

func TestLockSuccessBroadcastsToStoryRoom(t *testing.T) {
	holder := "u_a"
	expiry := time.Now().Add(2 * time.Minute)
	locks := &fakeLocks{
		acquireFn: func(_ context.Context, chapterID, userID, sessionID string) (store.Chapter, error) {
			return store.Chapter{
				ID: chapterID, StoryID: "st_1", Title: "Intro",
				IsLocked: true, LockedBy: &holder, LockedByName: "Asha",
				LockExpiresAt: &expiry, LockedSessionID: &sessionID,
			}, nil
		},
	}
	hub := newTestHub(locks)
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	ben := newTestClient(hub, "conn_b", "u_b", "Ben")
	elsewhere := newTestClient(hub, "conn_c", "u_c", "Cleo")
	hub.handleRegister(ctx, asha)
	hub.handleRegister(ctx, ben)
	hub.handleRegister(ctx, elsewhere)
	joinStory(t, hub, asha, "st_1")
	joinStory(t, hub, ben, "st_1")
	joinStory(t, hub, elsewhere, "st_2")

	hub.handleEvent(ctx, asha, lockFrame("st_1", "ch_1"))

	for _, client := range []*Client{asha, ben} {
		envelope := recvEnvelope(t, client)
		if envelope.Event != eventLockUpdated {
			t.Fatalf("expected %s, got %s", eventLockUpdated, envelope.Event)
		}
		var payload lockUpdatedPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.ChapterID != "ch_1" || !payload.Chapter.IsLocked {
			t.Errorf("bad payload: %+v", payload)
		}
		if payload.Chapter.LockedBy == nil || payload.Chapter.LockedBy.Name != "Asha" {
			t.Errorf("expected resolved holder name, got %+v", payload.Chapter.LockedBy)
		}
	}
	expectNoFrame(t, elsewhere)
}

func TestLockBroadcastUsesChapterStory(t *testing.T) {
	expiry := time.Now().Add(2 * time.Minute)
	holder := "u_a"
	locks := &fakeLocks{
		acquireFn: func(_ context.Context, chapterID, _, sessionID string) (store.Chapter, error) {
			return store.Chapter{
				ID: chapterID, StoryID: "st_1", Title: "Intro",
				IsLocked: true, LockedBy: &holder, LockedByName: "Asha",
				LockExpiresAt: &expiry, LockedSessionID: &sessionID,
			}, nil
		},
	}
	hub := newTestHub(locks)
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	ben := newTestClient(hub, "conn_b", "u_b", "Ben")
	hub.handleRegister(ctx, asha)
	hub.handleRegister(ctx, ben)
	joinStory(t, hub, asha, "st_2")
	joinStory(t, hub, ben, "st_1")

	// The frame names st_2, but the chapter belongs to st_1: the broadcast
	// must follow the chapter's story, not the frame's.
	hub.handleEvent(ctx, asha, lockFrame("st_2", "ch_1"))

	envelope := recvEnvelope(t, ben)
	if envelope.Event != eventLockUpdated {
		t.Fatalf("expected %s, got %s", eventLockUpdated, envelope.Event)
	}
	expectNoFrame(t, asha)
}

func TestLockDeniedGoesOnlyToRequester(t *testing.T) {
	locks := &fakeLocks{
		acquireFn: func(context.Context, string, string, string) (store.Chapter, error) {
			return store.Chapter{}, &lock.HeldError{HolderID: "u_a", HolderName: "Asha"}
		},
	}
	hub := newTestHub(locks)
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	ben := newTestClient(hub, "conn_b", "u_b", "Ben")
	hub.handleRegister(ctx, asha)
	hub.handleRegister(ctx, ben)
	joinStory(t, hub, asha, "st_1")
	joinStory(t, hub, ben, "st_1")

	hub.handleEvent(ctx, ben, lockFrame("st_1", "ch_1"))

	envelope := recvEnvelope(t, ben)
	if envelope.Event != eventLockDenied {
		t.Fatalf("expected %s, got %s", eventLockDenied, envelope.Event)
	}
	var payload lockDeniedPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.LockedBy == nil || payload.LockedBy.ID != "u_a" || payload.LockedBy.Name != "Asha" {
		t.Errorf("expected holder identity in denial, got %+v", payload.LockedBy)
	}
	expectNoFrame(t, asha)
}

func TestStaleUnlockBroadcastsNothing(t *testing.T) {
	locks := &fakeLocks{
		releaseFn: func(context.Context, string, string) (store.Chapter, bool, error) {
			return store.Chapter{}, false, nil
		},
	}
	hub := newTestHub(locks)
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	hub.handleRegister(ctx, asha)
	joinStory(t, hub, asha, "st_1")

	hub.handleEvent(ctx, asha, unlockFrame("st_1", "ch_1"))
	expectNoFrame(t, asha)
}

func TestUnlockByHolderBroadcasts(t *testing.T) {
	locks := &fakeLocks{
		releaseFn: func(_ context.Context, chapterID, _ string) (store.Chapter, bool, error) {
			return store.Chapter{ID: chapterID, StoryID: "st_1", Title: "Intro"}, true, nil
		},
	}
	hub := newTestHub(locks)
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	hub.handleRegister(ctx, asha)
	joinStory(t, hub, asha, "st_1")

	hub.handleEvent(ctx, asha, unlockFrame("st_1", "ch_1"))
	envelope := recvEnvelope(t, asha)
	if envelope.Event != eventLockUpdated {
		t.Fatalf("expected %s, got %s", eventLockUpdated, envelope.Event)
	}
	var payload lockUpdatedPayload
	_ = json.Unmarshal(envelope.Data, &payload)
	if payload.Chapter.IsLocked {
		t.Errorf("expected unlocked chapter in broadcast, got %+v", payload.Chapter)
	}
}

func TestDisconnectSweepsLocksAndNotifiesRooms(t *testing.T) {
	locks := &fakeLocks{
		releaseAllFn: func(context.Context, string) ([]store.Chapter, error) {
			return []store.Chapter{{ID: "ch_1", StoryID: "st_1"}}, nil
		},
	}
	hub := newTestHub(locks)
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	ben := newTestClient(hub, "conn_b", "u_b", "Ben")
	hub.handleRegister(ctx, asha)
	hub.handleRegister(ctx, ben)
	joinStory(t, hub, asha, "st_1")
	joinStory(t, hub, ben, "st_1")

	hub.handleUnregister(ctx, asha)

	if locks.releaseAllCalls != 1 || locks.releaseAllUserID != "u_a" {
		t.Fatalf("expected one sweep for u_a, got %d for %q", locks.releaseAllCalls, locks.releaseAllUserID)
	}
	envelope := recvEnvelope(t, ben)
	if envelope.Event != eventLockUpdated {
		t.Fatalf("expected %s, got %s", eventLockUpdated, envelope.Event)
	}
	var payload lockUpdatedPayload
	_ = json.Unmarshal(envelope.Data, &payload)
	if payload.ChapterID != "ch_1" || payload.Chapter.IsLocked {
		t.Errorf("expected lock-cleared broadcast for ch_1, got %+v", payload)
	}
}

func TestReplacedConnectionDoesNotSweep(t *testing.T) {
	locks := &fakeLocks{}
	hub := newTestHub(locks)
	ctx := context.Background()

	tab1 := newTestClient(hub, "conn_1", "u_a", "Asha")
	hub.handleRegister(ctx, tab1)
	joinStory(t, hub, tab1, "st_1")

	// Same user opens a second tab; the registry now points at conn_2.
	tab2 := newTestClient(hub, "conn_2", "u_a", "Asha")
	hub.handleRegister(ctx, tab2)

	// The kicked tab's disconnect arrives afterwards: its locks (renewed
	// under conn_2) must not be swept.
	hub.handleUnregister(ctx, tab1)
	if locks.releaseAllCalls != 0 {
		t.Fatalf("replaced connection must not trigger a sweep, got %d", locks.releaseAllCalls)
	}

	// When the surviving tab goes away for real, the sweep runs.
	hub.handleUnregister(ctx, tab2)
	if locks.releaseAllCalls != 1 {
		t.Fatalf("expected sweep after true disconnect, got %d", locks.releaseAllCalls)
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	hub := newTestHub(&fakeLocks{})
	ctx := context.Background()

	asha := newTestClient(hub, "conn_a", "u_a", "Asha")
	hub.handleRegister(ctx, asha)
	joinStory(t, hub, asha, "st_1")
	joinStory(t, hub, asha, "st_2")

	if _, ok := hub.rooms["st_1"]; ok {
		t.Error("expected st_1 room to be cleaned up")
	}
	if _, ok := hub.rooms["st_2"]["conn_a"]; !ok {
		t.Error("expected client in st_2 room")
	}
}
