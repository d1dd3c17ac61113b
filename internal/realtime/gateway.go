package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"inkwell/api/internal/lock"
	"inkwell/api/internal/store"
)

// Wire event names. These are a compatibility surface shared with the web
// client; do not rename.
const (
	eventStoryJoin     = "story:join"
	eventChapterLock   = "chapter:lock"
	eventChapterUnlock = "chapter:unlock"
	eventLockUpdated   = "chapter:lockUpdated"
	eventLockDenied    = "chapter:lockDenied"
)

type joinData struct {
	StoryID string `json:"storyId"`
}

type chapterLockData struct {
	StoryID   string `json:"storyId"`
	ChapterID string `json:"chapterId"`
}

type lockHolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// chapterPayload is the chapter as broadcast in lockUpdated events: identity
// plus the full lock state, with the holder's display name resolved.
type chapterPayload struct {
	ID            string      `json:"id"`
	StoryID       string      `json:"story"`
	Title         string      `json:"title"`
	IsLocked      bool        `json:"isLocked"`
	LockedBy      *lockHolder `json:"lockedBy"`
	LockedAt      *time.Time  `json:"lockedAt,omitempty"`
	LockExpiresAt *time.Time  `json:"lockExpiresAt,omitempty"`
}

type lockUpdatedPayload struct {
	ChapterID string         `json:"chapterId"`
	Chapter   chapterPayload `json:"chapter"`
}

type lockDeniedPayload struct {
	ChapterID string      `json:"chapterId"`
	LockedBy  *lockHolder `json:"lockedBy"`
}

func toChapterPayload(chapter store.Chapter) chapterPayload {
	payload := chapterPayload{
		ID:            chapter.ID,
		StoryID:       chapter.StoryID,
		Title:         chapter.Title,
		IsLocked:      chapter.IsLocked,
		LockedAt:      chapter.LockedAt,
		LockExpiresAt: chapter.LockExpiresAt,
	}
	if chapter.LockedBy != nil {
		payload.LockedBy = &lockHolder{ID: *chapter.LockedBy, Name: chapter.LockedByName}
	}
	return payload
}

func clearedChapterPayload(chapterID string) chapterPayload {
	return chapterPayload{ID: chapterID, IsLocked: false}
}

// handleEvent dispatches one inbound client frame. A handler failure is
// logged and fails only that event; the connection and the hub keep going.
func (h *Hub) handleEvent(ctx context.Context, client *Client, envelope Envelope) {
	switch envelope.Event {
	case eventStoryJoin:
		var data joinData
		if err := json.Unmarshal(envelope.Data, &data); err != nil || data.StoryID == "" {
			return
		}
		h.joinRoom(client, data.StoryID)

	case eventChapterLock:
		h.handleChapterLock(ctx, client, envelope.Data)

	case eventChapterUnlock:
		h.handleChapterUnlock(ctx, client, envelope.Data)

	default:
		log.Printf("unknown event %q from user %s", envelope.Event, client.userID)
	}
}

func (h *Hub) handleChapterLock(ctx context.Context, client *Client, raw json.RawMessage) {
	var data chapterLockData
	if err := json.Unmarshal(raw, &data); err != nil || data.StoryID == "" || data.ChapterID == "" {
		return
	}

	chapter, err := h.locks.Acquire(ctx, data.ChapterID, client.userID, client.id)
	var held *lock.HeldError
	switch {
	case errors.As(err, &held):
		// Denied: only the requester learns who holds it.
		h.sendToClient(client, eventLockDenied, lockDeniedPayload{
			ChapterID: data.ChapterID,
			LockedBy:  &lockHolder{ID: held.HolderID, Name: held.HolderName},
		})
	case store.IsNotFound(err):
		// Chapter vanished mid-lease (deleted); fatal to this lease only.
		return
	case err != nil:
		log.Printf("chapter:lock failed (chapter %s, user %s): %v", data.ChapterID, client.userID, err)
	default:
		// Trust the chapter's own story id over the client-supplied one so a
		// mismatched frame cannot leak lock state into another story's room.
		h.broadcastToStory(chapter.StoryID, eventLockUpdated, lockUpdatedPayload{
			ChapterID: chapter.ID,
			Chapter:   toChapterPayload(chapter),
		})
	}
}

func (h *Hub) handleChapterUnlock(ctx context.Context, client *Client, raw json.RawMessage) {
	var data chapterLockData
	if err := json.Unmarshal(raw, &data); err != nil || data.StoryID == "" || data.ChapterID == "" {
		return
	}

	chapter, released, err := h.locks.ReleaseBySession(ctx, data.ChapterID, client.id)
	if err != nil {
		log.Printf("chapter:unlock failed (chapter %s, user %s): %v", data.ChapterID, client.userID, err)
		return
	}
	// A stale session's release is silently ignored; nothing changed, so
	// nothing is broadcast.
	if !released {
		return
	}
	h.broadcastToStory(chapter.StoryID, eventLockUpdated, lockUpdatedPayload{
		ChapterID: chapter.ID,
		Chapter:   toChapterPayload(chapter),
	})
}
