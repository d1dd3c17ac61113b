// Package lock owns the per-chapter edit lease: acquisition, renewal,
// owner-only release, lazy expiry, and the disconnect sweep. All state lives
// on the chapter row; concurrent acquires are resolved by the store's
// conditional single-row updates, never by an in-process mutex.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkwell/api/internal/store"
)

// Store is the slice of the chapter store the manager needs. Each lock
// mutation must be a single atomic conditional write.
type Store interface {
	GetChapter(ctx context.Context, chapterID string) (store.Chapter, error)
	TryAcquireChapterLock(ctx context.Context, chapterID, userID, sessionID string, expiresAt time.Time) (bool, error)
	ReleaseChapterLockBySession(ctx context.Context, chapterID, sessionID string) (bool, error)
	ReleaseChapterLockByUser(ctx context.Context, chapterID, userID string) (bool, error)
	ClearExpiredChapterLock(ctx context.Context, chapterID string) (bool, error)
	ReleaseChapterLocksHeldBy(ctx context.Context, userID string) ([]store.Chapter, error)
}

// HeldError reports a denied acquire: the chapter is locked by another user
// whose lease has not lapsed.
type HeldError struct {
	HolderID   string
	HolderName string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("chapter locked by %s", e.HolderID)
}

// ErrNotHolder is returned when a request/response release comes from a user
// who does not hold the lock.
var ErrNotHolder = errors.New("lock held by another user")

type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager builds a lock manager with the single authoritative lease TTL
// shared by the realtime and request/response channels.
func NewManager(st Store, ttl time.Duration) *Manager {
	return &Manager{store: st, ttl: ttl, now: time.Now}
}

// LeaseTTL returns the configured lease duration.
func (m *Manager) LeaseTTL() time.Duration {
	return m.ttl
}

// Normalized returns a copy of the chapter with any lapsed lease cleared,
// and whether it was lapsed. It never touches the store; callers that want
// the self-heal persisted follow up with Normalize.
func Normalized(chapter store.Chapter, now time.Time) (store.Chapter, bool) {
	if !chapter.LockExpired(now) {
		return chapter, false
	}
	chapter.IsLocked = false
	chapter.LockedBy = nil
	chapter.LockedByName = ""
	chapter.LockedAt = nil
	chapter.LockExpiresAt = nil
	chapter.LockedSessionID = nil
	return chapter, true
}

// Normalize applies lazy expiry to a freshly read chapter: when the lease
// has lapsed it clears the persisted lock fields so stale locks self-heal on
// next access, and returns the cleaned copy.
func (m *Manager) Normalize(ctx context.Context, chapter store.Chapter) (store.Chapter, error) {
	cleaned, lapsed := Normalized(chapter, m.now())
	if lapsed {
		if _, err := m.store.ClearExpiredChapterLock(ctx, chapter.ID); err != nil {
			return store.Chapter{}, err
		}
	}
	return cleaned, nil
}

// Acquire takes, renews, or takes over the lease on a chapter. The same user
// always renews (updating the session id, which covers reconnects); a lapsed
// lease is silently taken over; a live lease held by someone else yields a
// *HeldError carrying the holder's identity.
func (m *Manager) Acquire(ctx context.Context, chapterID, userID, sessionID string) (store.Chapter, error) {
	expiresAt := m.now().Add(m.ttl)
	ok, err := m.store.TryAcquireChapterLock(ctx, chapterID, userID, sessionID, expiresAt)
	if err != nil {
		return store.Chapter{}, err
	}

	// Re-read so callers broadcast the authoritative post-write state, not a
	// locally assumed one. On denial the read tells us who holds it (or that
	// the chapter does not exist at all).
	chapter, err := m.store.GetChapter(ctx, chapterID)
	if err != nil {
		return store.Chapter{}, err
	}
	if ok {
		return chapter, nil
	}

	held := &HeldError{HolderName: chapter.LockedByName}
	if chapter.LockedBy != nil {
		held.HolderID = *chapter.LockedBy
	}
	return chapter, held
}

// ReleaseBySession releases the lock over the realtime channel. A release
// from a session that no longer holds the lock is a deliberate no-op, not an
// error: a stale or duplicate message has no standing to clear a newer
// holder's lease. The boolean reports whether anything was released.
func (m *Manager) ReleaseBySession(ctx context.Context, chapterID, sessionID string) (store.Chapter, bool, error) {
	released, err := m.store.ReleaseChapterLockBySession(ctx, chapterID, sessionID)
	if err != nil || !released {
		return store.Chapter{}, false, err
	}
	chapter, err := m.store.GetChapter(ctx, chapterID)
	if err != nil {
		return store.Chapter{}, false, err
	}
	return chapter, true, nil
}

// ReleaseByUser releases the lock over the request/response channel. Holder
// identity is the user id. Releasing an unlocked (or lapsed) chapter is
// idempotent; releasing another user's live lock returns ErrNotHolder.
func (m *Manager) ReleaseByUser(ctx context.Context, chapterID, userID string) (store.Chapter, error) {
	released, err := m.store.ReleaseChapterLockByUser(ctx, chapterID, userID)
	if err != nil {
		return store.Chapter{}, err
	}
	chapter, err := m.store.GetChapter(ctx, chapterID)
	if err != nil {
		return store.Chapter{}, err
	}
	if released {
		return chapter, nil
	}
	chapter, err = m.Normalize(ctx, chapter)
	if err != nil {
		return store.Chapter{}, err
	}
	if chapter.IsLocked {
		return chapter, ErrNotHolder
	}
	return chapter, nil
}

// ReleaseAllHeldBy sweeps every lock the user holds, across all sessions and
// tabs, and returns the affected chapters so each story room can be told.
func (m *Manager) ReleaseAllHeldBy(ctx context.Context, userID string) ([]store.Chapter, error) {
	return m.store.ReleaseChapterLocksHeldBy(ctx, userID)
}

// CanEdit reports whether userID may write the chapter under the lock rules:
// unlocked, lease lapsed, or held by the requester.
func (m *Manager) CanEdit(chapter store.Chapter, userID string) bool {
	if !chapter.IsLocked || chapter.LockExpired(m.now()) {
		return true
	}
	return chapter.LockedBy != nil && *chapter.LockedBy == userID
}
